package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueueOrder(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("low", 1)
	pq.Enqueue("high", 10)
	pq.Enqueue("mid", 5)

	v, ok := pq.Dequeue()
	assert.True(t, ok)
	assert.Equal(t, "high", v)
	v, _ = pq.Dequeue()
	assert.Equal(t, "mid", v)
	v, _ = pq.Dequeue()
	assert.Equal(t, "low", v)

	_, ok = pq.Dequeue()
	assert.False(t, ok)
	assert.True(t, pq.IsEmpty())
}

func TestPriorityQueueStableTies(t *testing.T) {
	pq := NewPriorityQueue[int]()
	for i := 0; i < 16; i++ {
		pq.Enqueue(i, 1.0)
	}
	for i := 0; i < 16; i++ {
		v, ok := pq.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestPriorityQueueUpdate(t *testing.T) {
	pq := NewPriorityQueue[string]()
	item := pq.Enqueue("a", 1)
	pq.Enqueue("b", 5)

	pq.Update(item, "a", 10)
	v, _ := pq.Dequeue()
	assert.Equal(t, "a", v)
}
