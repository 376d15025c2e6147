// Package autograd records matrix operations on a tape and replays them in
// reverse to accumulate gradients into trainable values.
//
// Every op allocates its output from the tape's device backend; Release hands
// those buffers back to the pool once a step is finished. Leaf parameters and
// constants are never owned by a tape.
package autograd

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/device"
)

var (
	// ErrNotScalar is returned by Backward when the loss is not a 1x1 value.
	ErrNotScalar = errors.New("autograd: loss is not a 1x1 value")
	// ErrNoGradient is returned by Backward when the loss does not depend on any
	// trainable value, or the tape was not recording.
	ErrNoGradient = errors.New("autograd: loss does not depend on a trainable value")
)

// Var is a matrix value on the tape, with an optional accumulated gradient.
type Var struct {
	Value *mat.Dense
	// Grad is nil until a backward pass reaches this value.
	Grad *mat.Dense
	Name string

	requiresGrad bool
}

// NewParam wraps value as a trainable leaf.
func NewParam(name string, value *mat.Dense) *Var {
	return &Var{Value: value, Name: name, requiresGrad: true}
}

// NewConst wraps value as a constant leaf.
func NewConst(value *mat.Dense) *Var {
	return &Var{Value: value}
}

func (v *Var) RequiresGrad() bool { return v.requiresGrad }

func (v *Var) Dims() (int, int) { return v.Value.Dims() }

// Scalar returns the single element of a 1x1 value.
func (v *Var) Scalar() float64 { return v.Value.At(0, 0) }

// ZeroGrad drops the accumulated gradient. A value without a gradient is
// skipped by the optimizer.
func (v *Var) ZeroGrad() { v.Grad = nil }

func (v *Var) gradBuffer() *mat.Dense {
	if v.Grad == nil {
		r, c := v.Value.Dims()
		v.Grad = mat.NewDense(r, c, nil)
	}
	return v.Grad
}

func (v *Var) accumulate(g mat.Matrix) {
	buf := v.gradBuffer()
	buf.Add(buf, g)
}

// Tape records the backward closures of the ops built on it.
type Tape struct {
	backend device.Backend
	record  bool
	steps   []func()
	owned   []*Var
}

// NewTape returns a recording tape.
func NewTape(b device.Backend) *Tape {
	return &Tape{backend: b, record: true}
}

// NoGrad returns a tape that evaluates ops without recording them.
func NoGrad(b device.Backend) *Tape {
	return &Tape{backend: b}
}

func (t *Tape) Recording() bool { return t.record }

func (t *Tape) Backend() device.Backend { return t.backend }

// Const wraps m as a constant. m stays owned by the caller.
func (t *Tape) Const(m *mat.Dense) *Var {
	return NewConst(m)
}

func (t *Tape) alloc(r, c int) *Var {
	v := &Var{Value: t.backend.GetDense(r, c)}
	t.owned = append(t.owned, v)
	return v
}

func (t *Tape) track(out *Var, backward func(), inputs ...*Var) *Var {
	if !t.record {
		return out
	}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		t.steps = append(t.steps, func() {
			if out.Grad != nil {
				backward()
			}
		})
	}
	return out
}

// Backward seeds d(loss)/d(loss) = 1 and replays the tape in reverse.
// Gradients accumulate into every trainable leaf reachable from loss.
func (t *Tape) Backward(loss *Var) error {
	r, c := loss.Dims()
	if r != 1 || c != 1 {
		return ErrNotScalar
	}
	if !t.record || !loss.requiresGrad {
		return ErrNoGradient
	}

	loss.Grad = mat.NewDense(1, 1, []float64{1})
	for i := len(t.steps) - 1; i >= 0; i-- {
		t.steps[i]()
	}
	t.steps = nil
	return nil
}

// Release returns every buffer the tape allocated to the backend pool.
// Values produced by this tape must not be read afterwards.
func (t *Tape) Release() {
	for _, v := range t.owned {
		t.backend.PutDense(v.Value)
		v.Value = nil
		v.Grad = nil
	}
	t.owned = nil
	t.steps = nil
}
