// Package optim implements Adam over autograd parameters.
package optim

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
)

const (
	DefaultBeta1   = 0.9
	DefaultBeta2   = 0.999
	DefaultEpsilon = 1e-8
)

// Group is a set of parameters sharing a learning rate.
type Group struct {
	Params []*autograd.Var
	LR     float64
}

// Moment is the per-parameter Adam state.
type Moment struct {
	Step int       `cbor:"step"`
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	M    []float64 `cbor:"m"`
	V    []float64 `cbor:"v"`
}

// State is a serializable snapshot of the optimizer keyed by parameter name.
type State struct {
	Moments map[string]Moment `cbor:"moments"`
}

// Adam keeps first and second moment estimates per parameter. Parameters
// whose gradient is nil are left untouched, and so is their step count.
type Adam struct {
	Beta1, Beta2, Epsilon float64

	groups  []Group
	moments map[*autograd.Var]*Moment
}

// NewAdam returns an optimizer over the given groups. Parameter names must be
// unique across all groups so the state can be saved and restored.
func NewAdam(groups ...Group) (*Adam, error) {
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, p := range g.Params {
			if p.Name == "" {
				return nil, fmt.Errorf("optim: unnamed parameter")
			}
			if seen[p.Name] {
				return nil, fmt.Errorf("optim: duplicate parameter %q", p.Name)
			}
			seen[p.Name] = true
		}
	}
	return &Adam{
		Beta1:   DefaultBeta1,
		Beta2:   DefaultBeta2,
		Epsilon: DefaultEpsilon,
		groups:  groups,
		moments: make(map[*autograd.Var]*Moment),
	}, nil
}

// ZeroGrad clears the gradient of every parameter.
func (a *Adam) ZeroGrad() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Step applies one update to every parameter that has a gradient.
func (a *Adam) Step() {
	for _, g := range a.groups {
		for _, p := range g.Params {
			if p.Grad == nil {
				continue
			}
			a.update(p, g.LR)
		}
	}
}

func (a *Adam) update(p *autograd.Var, lr float64) {
	r, c := p.Dims()
	m := a.moments[p]
	if m == nil {
		m = &Moment{Rows: r, Cols: c, M: make([]float64, r*c), V: make([]float64, r*c)}
		a.moments[p] = m
	}
	m.Step++
	bc1 := 1 - math.Pow(a.Beta1, float64(m.Step))
	bc2 := 1 - math.Pow(a.Beta2, float64(m.Step))

	for i := 0; i < r; i++ {
		val := p.Value.RawRowView(i)
		grad := p.Grad.RawRowView(i)
		for j := range val {
			k := i*c + j
			g := grad[j]
			m.M[k] = a.Beta1*m.M[k] + (1-a.Beta1)*g
			m.V[k] = a.Beta2*m.V[k] + (1-a.Beta2)*g*g
			mHat := m.M[k] / bc1
			vHat := m.V[k] / bc2
			val[j] -= lr * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

// State snapshots the moment estimates.
func (a *Adam) State() State {
	s := State{Moments: make(map[string]Moment, len(a.moments))}
	for p, m := range a.moments {
		s.Moments[p.Name] = Moment{
			Step: m.Step,
			Rows: m.Rows,
			Cols: m.Cols,
			M:    append([]float64(nil), m.M...),
			V:    append([]float64(nil), m.V...),
		}
	}
	return s
}

// LoadState restores moment estimates saved by State. Entries for unknown
// parameters are ignored; a shape mismatch is an error.
func (a *Adam) LoadState(s State) error {
	byName := make(map[string]*autograd.Var)
	for _, g := range a.groups {
		for _, p := range g.Params {
			byName[p.Name] = p
		}
	}
	for name, m := range s.Moments {
		p, ok := byName[name]
		if !ok {
			continue
		}
		r, c := p.Dims()
		if m.Rows != r || m.Cols != c || len(m.M) != r*c || len(m.V) != r*c {
			return fmt.Errorf("optim: state for %q is %dx%d, parameter is %dx%d", name, m.Rows, m.Cols, r, c)
		}
		a.moments[p] = &Moment{
			Step: m.Step,
			Rows: r,
			Cols: c,
			M:    append([]float64(nil), m.M...),
			V:    append([]float64(nil), m.V...),
		}
	}
	return nil
}
