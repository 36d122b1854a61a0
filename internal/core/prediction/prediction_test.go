package prediction

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
	"github.com/syncline/syncline/pkg/encoding"
)

func TestInputBufferSetGet(t *testing.T) {
	b := NewInputBuffer(8)

	_, ok := b.Get(5)
	assert.False(t, ok)
	_, ok = b.Latest()
	assert.False(t, ok)

	require.NoError(t, b.Set(5, []byte{1}))
	require.NoError(t, b.Set(6, []byte{2}))

	in, ok := b.Get(5)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, in)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, tick.Tick(6), latest)

	// Overwriting a tick is allowed.
	require.NoError(t, b.Set(5, []byte{9}))
	in, _ = b.Get(5)
	assert.Equal(t, []byte{9}, in)

	// A tick far below the window is refused.
	require.NoError(t, b.Set(100, []byte{3}))
	assert.ErrorIs(t, b.Set(10, []byte{4}), ErrInputTooOld)
}

func TestInputBufferGetOrLatest(t *testing.T) {
	b := NewInputBuffer(8)

	_, ok := b.GetOrLatest(3)
	assert.False(t, ok, "empty buffer has nothing to repeat")

	require.NoError(t, b.Set(3, []byte{7}))

	// Missing tick falls back to the last known input.
	in, ok := b.GetOrLatest(4)
	require.True(t, ok)
	assert.Equal(t, []byte{7}, in)
}

func TestInputWindowRoundTrip(t *testing.T) {
	b := NewInputBuffer(32)
	for i := tick.Tick(10); i <= 14; i++ {
		require.NoError(t, b.Set(i, []byte{byte(i)}))
	}

	msg := b.Window(14, 3)
	assert.Equal(t, tick.Tick(14), msg.LastTick)
	require.Len(t, msg.Inputs, 3)
	assert.Equal(t, []byte{12}, msg.Inputs[0], "oldest first")
	assert.Equal(t, []byte{14}, msg.Inputs[2])

	w := encoding.NewWriter(64)
	msg.Marshal(w)
	var got InputMessage
	require.NoError(t, got.Unmarshal(encoding.NewReader(w.Bytes())))
	assert.Equal(t, msg.LastTick, got.LastTick)
	require.Len(t, got.Inputs, 3)
	assert.Equal(t, []byte{13}, got.Inputs[1])

	// Absorbing fills another buffer at the same ticks.
	other := NewInputBuffer(32)
	other.Absorb(&got)
	in, ok := other.Get(13)
	require.True(t, ok)
	assert.Equal(t, []byte{13}, in)
	_, ok = other.Get(11)
	assert.False(t, ok, "outside the window")
}

func TestInputWindowNeverRecorded(t *testing.T) {
	b := NewInputBuffer(8)
	msg := b.Window(5, 4)
	require.Len(t, msg.Inputs, 4)
	for _, in := range msg.Inputs {
		assert.Empty(t, in)
	}
	// An all-empty message can be absorbed safely.
	b.Absorb(msg)
}

// moveSim steps one predicted transform along X by the input's first byte.
type moveSim struct {
	store  *world.Store
	reg    *component.Registry
	target entity.Handle
}

func (s *moveSim) Step(_ tick.Tick, input []byte) {
	if s.target == entity.Nil || !s.store.Alive(s.target) {
		return
	}
	payload, ok := s.store.Component(s.target, component.KindTransform)
	if !ok {
		return
	}
	val, err := s.reg.Decode(component.KindTransform, payload)
	if err != nil {
		return
	}
	tr := val.(*component.Transform)
	var dx float32
	if len(input) > 0 {
		dx = float32(input[0])
	}
	tr.Position = tr.Position.Add(mgl32.Vec3{dx, 0, 0})
	out, err := s.reg.Encode(tr)
	if err != nil {
		return
	}
	_ = s.store.SetComponent(s.target, component.KindTransform, out)
}

type engineHarness struct {
	confirmed *world.Store
	predicted *world.Store
	reg       *component.Registry
	sim       *moveSim
	engine    *Engine

	confirmedHandle entity.Handle
	twin            entity.Handle
}

func newEngineHarness(t *testing.T, cfg Config) *engineHarness {
	t.Helper()
	reg := component.NewDefaultRegistry()
	cb, pb := bus.New(), bus.New()
	t.Cleanup(func() { _ = cb.Close(); _ = pb.Close() })

	h := &engineHarness{
		confirmed: world.NewStore(cb),
		predicted: world.NewStore(pb),
		reg:       reg,
	}
	h.sim = &moveSim{store: h.predicted, reg: reg}
	h.engine = NewEngine(cfg, h.confirmed, h.predicted, reg, h.sim, log.NewNop())

	h.confirmedHandle = h.confirmed.Spawn()
	require.NoError(t, h.confirmed.SetComponent(
		h.confirmedHandle, component.KindTransform, h.transform(t, 0)))

	twin, err := h.engine.Promote(h.confirmedHandle)
	require.NoError(t, err)
	h.twin = twin
	h.sim.target = twin
	return h
}

func (h *engineHarness) transform(t *testing.T, x float32) []byte {
	t.Helper()
	payload, err := h.reg.Encode(&component.Transform{Position: mgl32.Vec3{x, 0, 0}})
	require.NoError(t, err)
	return payload
}

func (h *engineHarness) twinX(t *testing.T) float32 {
	t.Helper()
	payload, ok := h.predicted.Component(h.twin, component.KindTransform)
	require.True(t, ok)
	val, err := h.reg.Decode(component.KindTransform, payload)
	require.NoError(t, err)
	return val.(*component.Transform).Position.X()
}

func TestPromoteSeedsTwin(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	assert.True(t, h.predicted.Alive(h.twin))
	assert.Equal(t, float32(0), h.twinX(t))

	// Promoting again is idempotent.
	again, err := h.engine.Promote(h.confirmedHandle)
	require.NoError(t, err)
	assert.Equal(t, h.twin, again)

	p, ok := h.engine.Predicted(h.confirmedHandle)
	require.True(t, ok)
	assert.Equal(t, h.twin, p)
}

func TestPromoteDeadHandle(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	_, err := h.engine.Promote(entity.Handle(12345))
	assert.ErrorIs(t, err, world.ErrDeadHandle)
}

func TestDemote(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	require.NoError(t, h.engine.Demote(h.confirmedHandle))
	assert.False(t, h.predicted.Alive(h.twin))
	_, ok := h.engine.Predicted(h.confirmedHandle)
	assert.False(t, ok)
	assert.ErrorIs(t, h.engine.Demote(h.confirmedHandle), ErrNotPredicted)
}

func TestAdvanceAppliesInput(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	for i := tick.Tick(1); i <= 3; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{1}))
		h.engine.Advance(i)
	}
	assert.Equal(t, float32(3), h.twinX(t))
}

func TestConfirmMatchingPredictionNoRollback(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	for i := tick.Tick(1); i <= 3; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{1}))
		h.engine.Advance(i)
	}

	// The authority agrees with what we predicted for tick 2: x=2.
	h.engine.Confirm(2, h.confirmedHandle, component.KindTransform, h.transform(t, 2))
	h.engine.Advance(4)
	assert.Equal(t, float32(4), h.twinX(t), "no rollback, prediction continues")
}

func TestConfirmMismatchRollsBackAndReplays(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingTicks = 0
	h := newEngineHarness(t, cfg)
	for i := tick.Tick(1); i <= 4; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{1}))
		h.engine.Advance(i)
	}
	assert.Equal(t, float32(4), h.twinX(t))

	// The authority says tick 2 landed at x=10, not x=2. After rewind and
	// replay of ticks 3 and 4 the twin sits at 12.
	require.NoError(t, h.confirmed.SetComponent(
		h.confirmedHandle, component.KindTransform, h.transform(t, 10)))
	h.engine.Confirm(2, h.confirmedHandle, component.KindTransform, h.transform(t, 10))

	require.NoError(t, h.engine.RecordInput(5, []byte{1}))
	h.engine.Advance(5)
	assert.Equal(t, float32(13), h.twinX(t))
}

func TestConfirmBatchReplaysAfterNewestConfirm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingTicks = 0
	h := newEngineHarness(t, cfg)
	for i := tick.Tick(1); i <= 4; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{1}))
		h.engine.Advance(i)
	}
	assert.Equal(t, float32(4), h.twinX(t))

	// The authority walked tick 2 to x=10 and tick 3 to x=11; the confirmed
	// store holds the newest of the two when the rollback resolves.
	require.NoError(t, h.confirmed.SetComponent(
		h.confirmedHandle, component.KindTransform, h.transform(t, 11)))
	h.engine.Confirm(2, h.confirmedHandle, component.KindTransform, h.transform(t, 10))
	h.engine.Confirm(3, h.confirmedHandle, component.KindTransform, h.transform(t, 11))

	// Replay must resume after tick 3: the restored snapshot already
	// contains the tick-3 input, so only tick 4 is resimulated before the
	// new tick 5 runs. Replaying from the earliest mismatch would apply
	// tick 3 twice and land on 14.
	require.NoError(t, h.engine.RecordInput(5, []byte{1}))
	h.engine.Advance(5)
	assert.Equal(t, float32(13), h.twinX(t))
}

func TestConfirmOutsideHistoryIgnored(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	require.NoError(t, h.engine.RecordInput(1, []byte{1}))
	h.engine.Advance(1)

	// No snapshot was ever captured for tick 900; nothing to compare.
	h.engine.Confirm(900, h.confirmedHandle, component.KindTransform, h.transform(t, 99))
	h.engine.Advance(2)
	assert.Equal(t, float32(1), h.twinX(t))
}

func TestVisualSmoothsCorrection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmoothingTicks = 4
	h := newEngineHarness(t, cfg)
	for i := tick.Tick(1); i <= 4; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{1}))
		h.engine.Advance(i)
	}

	require.NoError(t, h.confirmed.SetComponent(
		h.confirmedHandle, component.KindTransform, h.transform(t, 10)))
	h.engine.Confirm(2, h.confirmedHandle, component.KindTransform, h.transform(t, 10))
	require.NoError(t, h.engine.RecordInput(5, []byte{1}))
	h.engine.Advance(5)

	raw := h.twinX(t)
	assert.Equal(t, float32(13), raw)

	val, ok := h.engine.Visual(h.twin, component.KindTransform)
	require.True(t, ok)
	visual := val.(*component.Transform).Position.X()
	assert.Less(t, visual, raw, "display blends from the old value")
	assert.Greater(t, visual, float32(4), "but has moved off the stale one")

	// The blend converges back onto the raw prediction.
	for i := tick.Tick(6); i <= 10; i++ {
		require.NoError(t, h.engine.RecordInput(i, []byte{0}))
		h.engine.Advance(i)
	}
	val, ok = h.engine.Visual(h.twin, component.KindTransform)
	require.True(t, ok)
	assert.InDelta(t, h.twinX(t), val.(*component.Transform).Position.X(), 1e-4)
}

func TestVisualWithoutCorrection(t *testing.T) {
	h := newEngineHarness(t, DefaultConfig())
	val, ok := h.engine.Visual(h.twin, component.KindTransform)
	require.True(t, ok)
	assert.Equal(t, float32(0), val.(*component.Transform).Position.X())

	_, ok = h.engine.Visual(entity.Handle(777), component.KindTransform)
	assert.False(t, ok)
}

func TestInputDelayShiftsApplication(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InputDelayTicks = 2
	h := newEngineHarness(t, cfg)

	require.NoError(t, h.engine.RecordInput(1, []byte{5}))
	h.engine.Advance(1)
	h.engine.Advance(2)
	assert.Equal(t, float32(0), h.twinX(t), "delayed input not yet applied")
	h.engine.Advance(3)
	assert.Equal(t, float32(5), h.twinX(t))
}
