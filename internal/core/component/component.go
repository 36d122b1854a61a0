// Package component defines the typed payloads attached to replicated
// objects and the registry that maps wire type tags to codecs. The registry
// is assembled once at startup and passed by reference to everything that
// needs it; there is no global registration.
package component

import (
	"errors"
	"fmt"

	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/pkg/encoding"
)

// Kind is the wire type tag of a component.
type Kind uint16

// Built-in kinds. Hosts register their own kinds above KindUser.
const (
	KindInvalid   Kind = 0
	KindTransform Kind = 1
	KindVelocity  Kind = 2
	KindLabel     Kind = 3
	KindParent    Kind = 4

	KindUser Kind = 64
)

var (
	ErrUnknownKind       = errors.New("component: unknown kind")
	ErrAlreadyRegistered = errors.New("component: kind already registered")
)

// Value is one typed piece of state on an object.
type Value interface {
	Kind() Kind
	Marshal(w *encoding.Writer)
	Unmarshal(r *encoding.Reader) error
	Clone() Value
}

// Interpolatable is implemented by kinds that support field-wise blending
// between two confirmed snapshots.
type Interpolatable interface {
	Value
	// Lerp returns the state at fraction t in [0,1] between the receiver
	// and to. Both values are of the same kind.
	Lerp(to Value, t float64) Value
}

// HandleMapper is implemented by kinds that embed references to other
// replicated objects. The replication receiver rewrites those references
// from the sender's namespace into the local one before the value is stored.
type HandleMapper interface {
	Value
	// MapHandles applies f to every embedded handle. It returns false if
	// any reference could not be translated, in which case the value must
	// be retried or dropped, never stored with a foreign handle.
	MapHandles(f func(entity.Handle) (entity.Handle, bool)) bool
}

// Descriptor ties a kind to its name and constructor.
type Descriptor struct {
	Kind Kind
	Name string
	New  func() Value
}

// Registry is the type-tag-to-codec lookup table.
type Registry struct {
	byKind map[Kind]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKind: make(map[Kind]Descriptor)}
}

// NewDefaultRegistry creates a registry with the built-in kinds registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(r.Register(Descriptor{Kind: KindTransform, Name: "transform", New: func() Value { return &Transform{} }}))
	must(r.Register(Descriptor{Kind: KindVelocity, Name: "velocity", New: func() Value { return &Velocity{} }}))
	must(r.Register(Descriptor{Kind: KindLabel, Name: "label", New: func() Value { return &Label{} }}))
	must(r.Register(Descriptor{Kind: KindParent, Name: "parent", New: func() Value { return &Parent{} }}))
	return r
}

// Register adds a descriptor. Registration happens at startup only.
func (r *Registry) Register(d Descriptor) error {
	if d.Kind == KindInvalid || d.New == nil {
		return fmt.Errorf("component: invalid descriptor for kind %d", d.Kind)
	}
	if _, exists := r.byKind[d.Kind]; exists {
		return ErrAlreadyRegistered
	}
	r.byKind[d.Kind] = d
	return nil
}

// Lookup returns the descriptor for a kind.
func (r *Registry) Lookup(k Kind) (Descriptor, bool) {
	d, ok := r.byKind[k]
	return d, ok
}

// Encode serializes a value to its wire payload.
func (r *Registry) Encode(v Value) ([]byte, error) {
	if _, ok := r.byKind[v.Kind()]; !ok {
		return nil, ErrUnknownKind
	}
	w := encoding.NewWriter(64)
	v.Marshal(w)
	return w.Bytes(), nil
}

// Decode deserializes a wire payload of the given kind.
func (r *Registry) Decode(k Kind, data []byte) (Value, error) {
	d, ok := r.byKind[k]
	if !ok {
		return nil, ErrUnknownKind
	}
	v := d.New()
	rd := encoding.NewReader(data)
	if err := v.Unmarshal(rd); err != nil {
		return nil, fmt.Errorf("component: decode %s: %w", d.Name, err)
	}
	return v, nil
}

// Kinds returns all registered kinds, for diagnostics.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
