package component

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/pkg/encoding"
)

// Transform is the position and heading of an object.
type Transform struct {
	Position mgl32.Vec3
	Yaw      float32
}

func (t *Transform) Kind() Kind { return KindTransform }

func (t *Transform) Marshal(w *encoding.Writer) {
	w.Float32(t.Position.X())
	w.Float32(t.Position.Y())
	w.Float32(t.Position.Z())
	w.Float32(t.Yaw)
}

func (t *Transform) Unmarshal(r *encoding.Reader) error {
	t.Position = mgl32.Vec3{r.Float32(), r.Float32(), r.Float32()}
	t.Yaw = r.Float32()
	return r.Err()
}

func (t *Transform) Clone() Value {
	c := *t
	return &c
}

func (t *Transform) Lerp(to Value, frac float64) Value {
	o := to.(*Transform)
	f := float32(frac)
	return &Transform{
		Position: t.Position.Add(o.Position.Sub(t.Position).Mul(f)),
		Yaw:      lerpAngle(t.Yaw, o.Yaw, f),
	}
}

// lerpAngle interpolates along the shorter arc so a heading crossing the
// -pi/pi seam does not swing the long way round.
func lerpAngle(a, b, t float32) float32 {
	diff := math32.Mod(b-a, 2*math32.Pi)
	if diff > math32.Pi {
		diff -= 2 * math32.Pi
	} else if diff < -math32.Pi {
		diff += 2 * math32.Pi
	}
	return a + diff*t
}

// Velocity is the linear velocity of an object.
type Velocity struct {
	Linear mgl32.Vec3
}

func (v *Velocity) Kind() Kind { return KindVelocity }

func (v *Velocity) Marshal(w *encoding.Writer) {
	w.Float32(v.Linear.X())
	w.Float32(v.Linear.Y())
	w.Float32(v.Linear.Z())
}

func (v *Velocity) Unmarshal(r *encoding.Reader) error {
	v.Linear = mgl32.Vec3{r.Float32(), r.Float32(), r.Float32()}
	return r.Err()
}

func (v *Velocity) Clone() Value {
	c := *v
	return &c
}

func (v *Velocity) Lerp(to Value, frac float64) Value {
	o := to.(*Velocity)
	f := float32(frac)
	return &Velocity{Linear: v.Linear.Add(o.Linear.Sub(v.Linear).Mul(f))}
}

// Label is a display name. Not interpolated.
type Label struct {
	Text string
}

func (l *Label) Kind() Kind { return KindLabel }

func (l *Label) Marshal(w *encoding.Writer) {
	w.Blob([]byte(l.Text))
}

func (l *Label) Unmarshal(r *encoding.Reader) error {
	l.Text = string(r.Blob())
	return r.Err()
}

func (l *Label) Clone() Value {
	c := *l
	return &c
}

// Parent references another replicated object. The reference travels in the
// sender's namespace and is rewritten through the entity map on receipt.
type Parent struct {
	Target entity.Handle
}

func (p *Parent) Kind() Kind { return KindParent }

func (p *Parent) Marshal(w *encoding.Writer) {
	w.Uvarint(uint64(p.Target))
}

func (p *Parent) Unmarshal(r *encoding.Reader) error {
	p.Target = entity.Handle(r.Uvarint())
	return r.Err()
}

func (p *Parent) Clone() Value {
	c := *p
	return &c
}

func (p *Parent) MapHandles(f func(entity.Handle) (entity.Handle, bool)) bool {
	if p.Target.IsNil() {
		return true
	}
	mapped, ok := f(p.Target)
	if !ok {
		return false
	}
	p.Target = mapped
	return true
}
