package prediction

import (
	"bytes"
	"errors"

	"github.com/chewxy/math32"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
)

var (
	// ErrNotPredicted is returned for operations on a handle that was
	// never promoted into prediction.
	ErrNotPredicted = errors.New("prediction: handle not predicted")
)

// Simulator advances predicted entity state by one tick. Implementations
// mutate the predicted store the engine was built with; the engine calls
// Step both during normal prediction and during rollback resimulation, so
// it must be deterministic in the state and input alone.
type Simulator interface {
	Step(t tick.Tick, input []byte)
}

// Config holds the prediction knobs.
type Config struct {
	// HistoryTicks bounds how many predicted snapshots are retained for
	// comparison against confirmed state. Confirmations older than the
	// window cannot be checked and are applied without comparison.
	HistoryTicks int `yaml:"history_ticks"`
	// InputDelayTicks shifts local input application into the future,
	// trading added local latency for shorter rollbacks.
	InputDelayTicks uint8 `yaml:"input_delay_ticks"`
	// InputRedundancy is how many past inputs each input message repeats.
	InputRedundancy int `yaml:"input_redundancy"`
	// SmoothingTicks spreads a visual correction after rollback over this
	// many ticks instead of snapping.
	SmoothingTicks int `yaml:"smoothing_ticks"`
}

// DefaultConfig returns the default prediction settings.
func DefaultConfig() Config {
	return Config{
		HistoryTicks:    128,
		InputDelayTicks: 0,
		InputRedundancy: 10,
		SmoothingTicks:  8,
	}
}

// correction is an in-flight visual smoothing for one component.
type correction struct {
	from      component.Value
	remaining int
	total     int
}

type twinState struct {
	predicted entity.Handle
	history   map[tick.Tick]map[component.Kind][]byte
}

// Engine runs client-side prediction. Confirmed state lives in one store,
// written only by replication; each predicted entity has a twin in a second
// store that the Simulator advances every tick using buffered local inputs.
// When a confirmed component disagrees with what was predicted for that
// tick, the engine rewinds the twin to confirmed state and replays the
// stored inputs up to the present.
//
// Not safe for concurrent use; everything runs on the simulation goroutine.
type Engine struct {
	cfg       Config
	log       log.Log
	confirmed *world.Store
	predicted *world.Store
	reg       *component.Registry
	sim       Simulator

	inputs *InputBuffer
	twins  map[entity.Handle]*twinState
	// smoothing state keyed by predicted handle and kind
	smoothing map[entity.Handle]map[component.Kind]*correction
	current   tick.Tick
	// latest tick the confirmed store is known to reflect; rollbacks
	// restore that state, so replay starts right after it
	confirmedAt tick.Tick
	// a confirmed component disagreed with its prediction since the last
	// Advance
	hasMismatch bool
}

// NewEngine creates a prediction engine over the given confirmed and
// predicted stores.
func NewEngine(cfg Config, confirmed, predicted *world.Store, reg *component.Registry, sim Simulator, logger log.Log) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       logger.With(log.String("component", "prediction")),
		confirmed: confirmed,
		predicted: predicted,
		reg:       reg,
		sim:       sim,
		inputs:    NewInputBuffer(cfg.HistoryTicks),
		twins:     make(map[entity.Handle]*twinState),
		smoothing: make(map[entity.Handle]map[component.Kind]*correction),
	}
}

// Promote starts predicting a confirmed entity. A twin is spawned in the
// predicted store seeded with the confirmed snapshot, and its handle is
// returned; game code reads and renders the twin from then on.
func (e *Engine) Promote(h entity.Handle) (entity.Handle, error) {
	if ts, ok := e.twins[h]; ok {
		return ts.predicted, nil
	}
	if !e.confirmed.Alive(h) {
		return entity.Nil, world.ErrDeadHandle
	}
	p := e.predicted.Spawn()
	for k, payload := range e.confirmed.Snapshot(h) {
		if err := e.predicted.SetComponent(p, k, payload); err != nil {
			return entity.Nil, err
		}
	}
	e.twins[h] = &twinState{
		predicted: p,
		history:   make(map[tick.Tick]map[component.Kind][]byte),
	}
	return p, nil
}

// Demote stops predicting an entity and despawns its twin.
func (e *Engine) Demote(h entity.Handle) error {
	ts, ok := e.twins[h]
	if !ok {
		return ErrNotPredicted
	}
	delete(e.twins, h)
	delete(e.smoothing, ts.predicted)
	if e.predicted.Alive(ts.predicted) {
		return e.predicted.Despawn(ts.predicted)
	}
	return nil
}

// Predicted returns the twin handle for a confirmed entity.
func (e *Engine) Predicted(h entity.Handle) (entity.Handle, bool) {
	ts, ok := e.twins[h]
	if !ok {
		return entity.Nil, false
	}
	return ts.predicted, true
}

// RecordInput stores the local input sampled this tick. With a nonzero
// input delay the input applies that many ticks in the future.
func (e *Engine) RecordInput(t tick.Tick, input []byte) error {
	return e.inputs.Set(t+tick.Tick(e.cfg.InputDelayTicks), input)
}

// InputWindow builds the redundant input message to send for the tick.
func (e *Engine) InputWindow(t tick.Tick) *InputMessage {
	return e.inputs.Window(t+tick.Tick(e.cfg.InputDelayTicks), e.cfg.InputRedundancy)
}

// Advance runs one prediction step for the tick: resolves any pending
// rollback first, then applies the buffered input through the Simulator and
// snapshots the resulting predicted state for later comparison.
func (e *Engine) Advance(t tick.Tick) {
	if e.hasMismatch {
		e.rollback(e.confirmedAt)
		e.hasMismatch = false
	}

	input, _ := e.inputs.Get(t)
	e.sim.Step(t, input)
	e.current = t
	e.capture(t)
	e.prune(t)
	e.advanceSmoothing()
}

// Confirm feeds one confirmed component update, as applied to the confirmed
// store at the given tick. A disagreement with the stored prediction for
// that tick schedules a rollback, resolved at the start of the next Advance
// so one resimulation covers every mismatch of the batch. The rollback
// restores the confirmed store's state, which reflects the newest confirmed
// tick of the batch, so replay resumes after that tick rather than after the
// earliest mismatch.
func (e *Engine) Confirm(t tick.Tick, h entity.Handle, k component.Kind, payload []byte) {
	ts, ok := e.twins[h]
	if !ok {
		return
	}
	if tick.Delta(t, e.confirmedAt) > 0 {
		e.confirmedAt = t
	}
	snap, ok := ts.history[t]
	if !ok {
		// Outside the history window; nothing to compare against.
		return
	}
	predicted, ok := snap[k]
	if ok && bytes.Equal(predicted, payload) {
		return
	}
	e.hasMismatch = true
}

// rollback rewinds every twin to confirmed state and replays inputs from
// t+1 through the current tick.
func (e *Engine) rollback(t tick.Tick) {
	if tick.Delta(e.current, t) < 0 {
		return
	}
	e.log.Debug("rollback",
		log.Uint64("from", uint64(t)), log.Uint64("to", uint64(e.current)))

	// Remember the pre-correction values so the visible state can blend
	// instead of snapping.
	before := make(map[entity.Handle]map[component.Kind][]byte, len(e.twins))
	for _, ts := range e.twins {
		if e.predicted.Alive(ts.predicted) {
			before[ts.predicted] = e.predicted.Snapshot(ts.predicted)
		}
	}

	for h, ts := range e.twins {
		if !e.confirmed.Alive(h) || !e.predicted.Alive(ts.predicted) {
			continue
		}
		for _, k := range e.predicted.Kinds(ts.predicted) {
			if _, still := e.confirmed.Component(h, k); !still {
				_ = e.predicted.RemoveComponent(ts.predicted, k)
			}
		}
		for k, payload := range e.confirmed.Snapshot(h) {
			if err := e.predicted.SetComponent(ts.predicted, k, payload); err != nil {
				e.log.Error("rollback restore failed",
					log.String("handle", ts.predicted.String()), log.Error(err))
			}
		}
		for ht := range ts.history {
			if tick.Delta(ht, t) >= 0 {
				delete(ts.history, ht)
			}
		}
	}

	for tt := t + 1; tick.Delta(tt, e.current) <= 0; tt++ {
		input, _ := e.inputs.Get(tt)
		e.sim.Step(tt, input)
		e.capture(tt)
	}

	if e.cfg.SmoothingTicks > 0 {
		e.beginSmoothing(before)
	}
}

func (e *Engine) capture(t tick.Tick) {
	for _, ts := range e.twins {
		if !e.predicted.Alive(ts.predicted) {
			continue
		}
		ts.history[t] = e.predicted.Snapshot(ts.predicted)
	}
}

func (e *Engine) prune(t tick.Tick) {
	horizon := int64(e.cfg.HistoryTicks)
	for _, ts := range e.twins {
		for ht := range ts.history {
			if tick.Delta(t, ht) > horizon {
				delete(ts.history, ht)
			}
		}
	}
}

// beginSmoothing starts a visual blend from the pre-rollback values toward
// the corrected ones for every interpolatable component that moved.
func (e *Engine) beginSmoothing(before map[entity.Handle]map[component.Kind][]byte) {
	for p, snap := range before {
		if !e.predicted.Alive(p) {
			continue
		}
		for k, oldPayload := range snap {
			newPayload, ok := e.predicted.Component(p, k)
			if !ok || bytes.Equal(oldPayload, newPayload) {
				continue
			}
			val, err := e.reg.Decode(k, oldPayload)
			if err != nil {
				continue
			}
			if _, ok := val.(component.Interpolatable); !ok {
				continue
			}
			if e.smoothing[p] == nil {
				e.smoothing[p] = make(map[component.Kind]*correction)
			}
			e.smoothing[p][k] = &correction{
				from:      val,
				remaining: e.cfg.SmoothingTicks,
				total:     e.cfg.SmoothingTicks,
			}
		}
	}
}

func (e *Engine) advanceSmoothing() {
	for p, byKind := range e.smoothing {
		for k, c := range byKind {
			c.remaining--
			if c.remaining <= 0 {
				delete(byKind, k)
			}
		}
		if len(byKind) == 0 {
			delete(e.smoothing, p)
		}
	}
}

// Visual returns the value to display for a predicted component. During a
// correction it eases from the pre-rollback value toward the corrected one;
// otherwise it is the raw predicted value.
func (e *Engine) Visual(p entity.Handle, k component.Kind) (component.Value, bool) {
	payload, ok := e.predicted.Component(p, k)
	if !ok {
		return nil, false
	}
	target, err := e.reg.Decode(k, payload)
	if err != nil {
		return nil, false
	}
	byKind, ok := e.smoothing[p]
	if !ok {
		return target, true
	}
	c, ok := byKind[k]
	if !ok {
		return target, true
	}
	lerper, ok := c.from.(component.Interpolatable)
	if !ok {
		return target, true
	}
	u := 1 - float32(c.remaining)/float32(c.total)
	// smoothstep keeps the blend from visibly kicking at either end
	u = u * u * (3 - 2*u)
	return lerper.Lerp(target, float64(math32.Min(math32.Max(u, 0), 1))), true
}
