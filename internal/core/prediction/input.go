package prediction

import (
	"errors"

	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/pkg/encoding"
)

var (
	// ErrInputTooOld is returned when recording an input for a tick that
	// has already left the buffer window.
	ErrInputTooOld = errors.New("prediction: input tick below buffer window")
)

// InputBuffer is a ring of encoded inputs keyed by tick. The client writes
// the local player's inputs into it ahead of simulation and reads them back
// during rollback resimulation; the server fills one per connection from the
// redundant input messages.
type InputBuffer struct {
	slots  [][]byte
	ticks  []tick.Tick
	filled []bool
	latest tick.Tick
	any    bool
}

// NewInputBuffer creates a buffer holding up to capacity consecutive ticks.
func NewInputBuffer(capacity int) *InputBuffer {
	if capacity <= 0 {
		capacity = 128
	}
	return &InputBuffer{
		slots:  make([][]byte, capacity),
		ticks:  make([]tick.Tick, capacity),
		filled: make([]bool, capacity),
	}
}

// Set records the input for a tick. Re-recording the same tick overwrites,
// which is what the redundant input window relies on.
func (b *InputBuffer) Set(t tick.Tick, input []byte) error {
	if b.any && tick.Delta(t, b.latest) < -int64(len(b.slots)) {
		return ErrInputTooOld
	}
	i := int(uint64(t) % uint64(len(b.slots)))
	b.slots[i] = input
	b.ticks[i] = t
	b.filled[i] = true
	if !b.any || tick.Delta(t, b.latest) > 0 {
		b.latest = t
		b.any = true
	}
	return nil
}

// Get returns the input recorded for a tick.
func (b *InputBuffer) Get(t tick.Tick) ([]byte, bool) {
	i := int(uint64(t) % uint64(len(b.slots)))
	if !b.filled[i] || b.ticks[i] != t {
		return nil, false
	}
	return b.slots[i], true
}

// GetOrLatest returns the input for a tick, falling back to the most recent
// one recorded when that tick is missing. Repeating the last known input is
// the loss-concealment strategy on the server.
func (b *InputBuffer) GetOrLatest(t tick.Tick) ([]byte, bool) {
	if in, ok := b.Get(t); ok {
		return in, true
	}
	if !b.any {
		return nil, false
	}
	return b.Get(b.latest)
}

// Latest returns the highest tick recorded so far.
func (b *InputBuffer) Latest() (tick.Tick, bool) {
	return b.latest, b.any
}

// InputMessage carries the inputs for a span of consecutive ticks ending at
// LastTick. Each message repeats the previous inputs of the window, so a
// lost datagram is covered by the ones around it and the channel can stay
// unreliable.
type InputMessage struct {
	LastTick tick.Tick
	// Inputs[len-1] is the input for LastTick, Inputs[0] the oldest.
	Inputs [][]byte
}

var _ encoding.Serializable = (*InputMessage)(nil)

const maxInputWindow = 64

// Marshal appends the wire form of the message.
func (m *InputMessage) Marshal(w *encoding.Writer) {
	w.Uvarint(uint64(m.LastTick))
	w.Uint8(uint8(len(m.Inputs)))
	for _, in := range m.Inputs {
		w.Blob(in)
	}
}

// Unmarshal decodes the wire form.
func (m *InputMessage) Unmarshal(r *encoding.Reader) error {
	m.LastTick = tick.Tick(r.Uvarint())
	n := int(r.Uint8())
	if n > maxInputWindow {
		return encoding.ErrLengthLimit
	}
	m.Inputs = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		m.Inputs = append(m.Inputs, r.Blob())
	}
	return r.Err()
}

// Absorb writes every input in the message into the buffer. Already-known
// ticks are overwritten with identical payloads, so duplication is harmless.
func (b *InputBuffer) Absorb(m *InputMessage) {
	if len(m.Inputs) == 0 {
		return
	}
	first := m.LastTick - tick.Tick(len(m.Inputs)-1)
	for i, in := range m.Inputs {
		// Ticks older than the window are fine to lose.
		_ = b.Set(first+tick.Tick(i), in)
	}
}

// Window collects up to n inputs ending at last, for building the next
// redundant input message. Ticks never recorded come out as empty payloads.
func (b *InputBuffer) Window(last tick.Tick, n int) *InputMessage {
	if n > maxInputWindow {
		n = maxInputWindow
	}
	if n < 1 {
		n = 1
	}
	msg := &InputMessage{LastTick: last, Inputs: make([][]byte, 0, n)}
	for i := n - 1; i >= 0; i-- {
		in, ok := b.Get(last - tick.Tick(i))
		if !ok {
			in = nil
		}
		msg.Inputs = append(msg.Inputs, in)
	}
	return msg
}
