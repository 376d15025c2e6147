package mapping

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
)

// Linear is a fully connected layer: y = x·W + b.
type Linear struct {
	Weight *autograd.Var
	Bias   *autograd.Var
}

func (l *Linear) Forward(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	return t.AddRowVector(t.MatMul(x, l.Weight), l.Bias)
}

// MLP stacks linear layers with ReLU between them and none after the last.
type MLP struct {
	Layers []*Linear
}

// NewMLP builds layers for sizes[0] -> sizes[1] -> ... -> sizes[n-1].
func NewMLP(name string, sizes []int, src rand.Source) *MLP {
	m := &MLP{}
	for i := 0; i+1 < len(sizes); i++ {
		in, out := sizes[i], sizes[i+1]
		w := mat.NewDense(in, out, nil)
		xavierInit(w, src)
		m.Layers = append(m.Layers, &Linear{
			Weight: autograd.NewParam(fmt.Sprintf("%s.%d.weight", name, i), w),
			Bias:   autograd.NewParam(fmt.Sprintf("%s.%d.bias", name, i), mat.NewDense(1, out, nil)),
		})
	}
	return m
}

func (m *MLP) Forward(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	for i, l := range m.Layers {
		x = l.Forward(t, x)
		if i < len(m.Layers)-1 {
			x = t.ReLU(x)
		}
	}
	return x
}

func (m *MLP) Parameters() []*autograd.Var {
	params := make([]*autograd.Var, 0, 2*len(m.Layers))
	for _, l := range m.Layers {
		params = append(params, l.Weight, l.Bias)
	}
	return params
}

// xavierInit fills m with Xavier/Glorot uniform values.
func xavierInit(m *mat.Dense, src rand.Source) {
	r, c := m.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	u := distuv.Uniform{Min: -limit, Max: limit, Src: src}
	raw := m.RawMatrix()
	for i := 0; i < r; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+c]
		for j := range row {
			row[j] = u.Rand()
		}
	}
}
