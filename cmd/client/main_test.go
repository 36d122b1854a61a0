package main

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
)

func decodeInput(t *testing.T, b []byte) (float32, float32) {
	t.Helper()
	require.Len(t, b, 8)
	dx := math32.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	dz := math32.Float32frombits(uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24)
	return dx, dz
}

func TestCircleInputMagnitude(t *testing.T) {
	const rate = 60
	for _, tk := range []tick.Tick{0, 1, 59, 240, tick.Tick(1) << 40} {
		dx, dz := decodeInput(t, circleInput(tk, rate))
		speed := math32.Sqrt(dx*dx+dz*dz) * rate
		assert.InDelta(t, moveSpeed, speed, 1e-3, "tick %d", tk)
	}
}

func TestCircleInputPeriodic(t *testing.T) {
	const rate = 30
	period := tick.Tick(rate * 4)
	a := circleInput(7, rate)
	b := circleInput(7+period, rate)
	assert.Equal(t, a, b, "input repeats every full circle")

	c := circleInput(7+period/2, rate)
	assert.NotEqual(t, a, c, "half a circle points the other way")
}

func TestWalkerStepMovesAvatar(t *testing.T) {
	events := bus.New()
	defer events.Close()
	store := world.NewStore(events)
	reg := component.NewDefaultRegistry()

	wk := &walker{predicted: store, registry: reg}
	avatar := store.Spawn()
	data, err := reg.Encode(&component.Transform{})
	require.NoError(t, err)
	require.NoError(t, store.SetComponent(avatar, component.KindTransform, data))
	wk.avatar = avatar

	input := make([]byte, 8)
	putFloat32(input[0:], 1.5)
	putFloat32(input[4:], -0.5)
	wk.Step(1, input)

	payload, ok := store.Component(avatar, component.KindTransform)
	require.True(t, ok)
	val, err := reg.Decode(component.KindTransform, payload)
	require.NoError(t, err)
	pos := val.(*component.Transform).Position
	assert.Equal(t, mgl32.Vec3{1.5, 0, -0.5}, pos)

	// Short or missing input leaves the avatar in place.
	wk.Step(2, nil)
	payload, _ = store.Component(avatar, component.KindTransform)
	val, err = reg.Decode(component.KindTransform, payload)
	require.NoError(t, err)
	assert.Equal(t, pos, val.(*component.Transform).Position)
}
