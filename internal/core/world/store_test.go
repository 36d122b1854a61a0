package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	return NewStore(b)
}

func TestSpawnDespawn(t *testing.T) {
	s := newStore(t)

	h := s.Spawn()
	assert.False(t, h.IsNil())
	assert.True(t, s.Alive(h))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Despawn(h))
	assert.False(t, s.Alive(h))
	assert.Equal(t, 0, s.Len())

	assert.ErrorIs(t, s.Despawn(h), ErrDeadHandle)
}

func TestHandleGenerationInvalidation(t *testing.T) {
	s := newStore(t)

	h := s.Spawn()
	require.NoError(t, s.SetComponent(h, component.KindLabel, []byte("a")))
	require.NoError(t, s.Despawn(h))

	// The slot is reused, but the stale handle stays dead.
	h2 := s.Spawn()
	assert.Equal(t, h.Slot(), h2.Slot())
	assert.NotEqual(t, h, h2)
	assert.False(t, s.Alive(h))
	assert.True(t, s.Alive(h2))

	_, ok := s.Component(h, component.KindLabel)
	assert.False(t, ok)
	assert.ErrorIs(t, s.SetComponent(h, component.KindLabel, []byte("b")), ErrDeadHandle)
}

func TestNilHandleNeverAlive(t *testing.T) {
	s := newStore(t)
	assert.False(t, s.Alive(entity.Nil))
	assert.ErrorIs(t, s.Despawn(entity.Nil), ErrDeadHandle)
}

func TestComponentLifecycle(t *testing.T) {
	s := newStore(t)
	h := s.Spawn()

	require.NoError(t, s.SetComponent(h, component.KindLabel, []byte("player")))
	data, ok := s.Component(h, component.KindLabel)
	assert.True(t, ok)
	assert.Equal(t, []byte("player"), data)

	require.NoError(t, s.SetComponent(h, component.KindLabel, []byte("renamed")))
	data, _ = s.Component(h, component.KindLabel)
	assert.Equal(t, []byte("renamed"), data)

	require.NoError(t, s.RemoveComponent(h, component.KindLabel))
	_, ok = s.Component(h, component.KindLabel)
	assert.False(t, ok)

	assert.Empty(t, s.Kinds(h))
}

func TestSnapshotCopies(t *testing.T) {
	s := newStore(t)
	h := s.Spawn()
	require.NoError(t, s.SetComponent(h, component.KindLabel, []byte("abc")))

	snap := s.Snapshot(h)
	snap[component.KindLabel][0] = 'x'

	data, _ := s.Component(h, component.KindLabel)
	assert.Equal(t, []byte("abc"), data)
}

func TestForEachSkipsDead(t *testing.T) {
	s := newStore(t)
	a := s.Spawn()
	b := s.Spawn()
	require.NoError(t, s.Despawn(a))

	var seen []entity.Handle
	s.ForEach(func(h entity.Handle) { seen = append(seen, h) })
	assert.Equal(t, []entity.Handle{b}, seen)
}

func TestStoreEvents(t *testing.T) {
	eb := bus.New()
	defer eb.Close()
	s := NewStore(eb)

	var types []string
	_, err := eb.SubscribeAll(func(ev bus.Event) error {
		types = append(types, ev.Type())
		return nil
	})
	require.NoError(t, err)

	h := s.Spawn()
	require.NoError(t, s.SetComponent(h, component.KindLabel, []byte("x")))
	require.NoError(t, s.RemoveComponent(h, component.KindLabel))
	require.NoError(t, s.Despawn(h))

	assert.Equal(t, []string{
		EventSpawned, EventComponentChanged, EventComponentRemoved, EventDespawned,
	}, types)
}

func TestDeferredCommands(t *testing.T) {
	s := newStore(t)

	var spawned entity.Handle
	s.Defer(func(st *Store) {
		spawned = st.Spawn()
		// Commands queued during a drain run in the same drain.
		st.Defer(func(st *Store) {
			_ = st.SetComponent(spawned, component.KindLabel, []byte("late"))
		})
	})

	assert.Equal(t, 0, s.Len())
	s.DrainCommands()
	assert.Equal(t, 1, s.Len())
	data, ok := s.Component(spawned, component.KindLabel)
	assert.True(t, ok)
	assert.Equal(t, []byte("late"), data)
}
