package component

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/core/entity"
)

func TestRegistryEncodeDecode(t *testing.T) {
	reg := NewDefaultRegistry()

	in := &Transform{Position: mgl32.Vec3{1, 2, 3}, Yaw: 0.5}
	data, err := reg.Encode(in)
	require.NoError(t, err)

	out, err := reg.Decode(KindTransform, data)
	require.NoError(t, err)
	tr := out.(*Transform)
	assert.Equal(t, in.Position, tr.Position)
	assert.Equal(t, in.Yaw, tr.Yaw)
}

func TestRegistryUnknownKind(t *testing.T) {
	reg := NewDefaultRegistry()
	_, err := reg.Decode(Kind(9999), []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicateKind(t *testing.T) {
	reg := NewDefaultRegistry()
	err := reg.Register(Descriptor{
		Kind: KindTransform,
		New:  func() Value { return &Transform{} },
	})
	assert.Error(t, err)
}

func TestTransformLerp(t *testing.T) {
	a := &Transform{Position: mgl32.Vec3{0, 0, 0}, Yaw: 0}
	b := &Transform{Position: mgl32.Vec3{10, 20, 30}, Yaw: 1}

	mid := a.Lerp(b, 0.5).(*Transform)
	assert.InDelta(t, 5, mid.Position.X(), 1e-5)
	assert.InDelta(t, 10, mid.Position.Y(), 1e-5)
	assert.InDelta(t, 15, mid.Position.Z(), 1e-5)
	assert.InDelta(t, 0.5, mid.Yaw, 1e-5)

	// Clamped endpoints reproduce the inputs.
	start := a.Lerp(b, 0).(*Transform)
	assert.Equal(t, a.Position, start.Position)
	end := a.Lerp(b, 1).(*Transform)
	assert.Equal(t, b.Position, end.Position)
}

func TestYawLerpShorterArc(t *testing.T) {
	// 350 degrees to 10 degrees should pass through 0, not 180.
	a := &Transform{Yaw: 350 * 3.14159265 / 180}
	b := &Transform{Yaw: 10 * 3.14159265 / 180}
	mid := a.Lerp(b, 0.5).(*Transform)
	// Midpoint is 360 degrees, equivalently 0.
	assert.InDelta(t, 2*3.14159265, mid.Yaw, 1e-3)
}

func TestParentMapHandles(t *testing.T) {
	p := &Parent{Target: entity.Handle(77)}

	done := p.MapHandles(func(h entity.Handle) (entity.Handle, bool) {
		assert.Equal(t, entity.Handle(77), h)
		return entity.Handle(5), true
	})
	assert.True(t, done)
	assert.Equal(t, entity.Handle(5), p.Target)

	// Unresolvable reference: value untouched, caller told to retry.
	q := &Parent{Target: entity.Handle(88)}
	done = q.MapHandles(func(entity.Handle) (entity.Handle, bool) {
		return entity.Nil, false
	})
	assert.False(t, done)
	assert.Equal(t, entity.Handle(88), q.Target)
}

func TestParentNilNeedsNoMapping(t *testing.T) {
	p := &Parent{}
	called := false
	done := p.MapHandles(func(entity.Handle) (entity.Handle, bool) {
		called = true
		return entity.Nil, true
	})
	assert.True(t, done)
	assert.False(t, called)
}

func TestCloneIsDeep(t *testing.T) {
	orig := &Transform{Position: mgl32.Vec3{1, 1, 1}}
	cp := orig.Clone().(*Transform)
	cp.Position = mgl32.Vec3{9, 9, 9}
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, orig.Position)
}
