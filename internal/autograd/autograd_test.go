package autograd

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/device"
)

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.Float64()*2 - 1
	}
	return mat.NewDense(r, c, data)
}

// checkGradients compares the tape's gradients against central differences.
func checkGradients(t *testing.T, params []*Var, build func(tp *Tape) *Var) {
	t.Helper()
	backend := device.NewCPUBackend()

	tp := NewTape(backend)
	loss := build(tp)
	require.NoError(t, tp.Backward(loss))
	analytic := make([]*mat.Dense, len(params))
	for k, p := range params {
		r, c := p.Dims()
		analytic[k] = mat.NewDense(r, c, nil)
		if p.Grad != nil {
			analytic[k].Copy(p.Grad)
		}
	}
	tp.Release()

	eval := func() float64 {
		ng := NoGrad(backend)
		defer ng.Release()
		return build(ng).Scalar()
	}

	const h = 1e-6
	for k, p := range params {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+h)
				up := eval()
				p.Value.Set(i, j, orig-h)
				down := eval()
				p.Value.Set(i, j, orig)

				numeric := (up - down) / (2 * h)
				tol := 1e-5 * math.Max(1, math.Abs(numeric))
				assert.InDelta(t, numeric, analytic[k].At(i, j), tol, "%s[%d,%d]", p.Name, i, j)
			}
		}
	}
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	t.Run("MLP", func(t *testing.T) {
		x := NewConst(randDense(rng, 5, 3))
		w1 := NewParam("w1", randDense(rng, 3, 4))
		b1 := NewParam("b1", randDense(rng, 1, 4))
		w2 := NewParam("w2", randDense(rng, 4, 1))
		checkGradients(t, []*Var{w1, b1, w2}, func(tp *Tape) *Var {
			h := tp.ReLU(tp.AddRowVector(tp.MatMul(x, w1), b1))
			return tp.Mean(tp.MatMul(h, w2))
		})
	})

	t.Run("Elementwise", func(t *testing.T) {
		a := NewParam("a", randDense(rng, 3, 3))
		b := NewParam("b", randDense(rng, 3, 3))
		checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
			d := tp.Sub(a, b)
			p := tp.Mul(d, tp.Add(a, tp.Scale(0.5, b)))
			return tp.Sum(tp.Mul(p, p))
		})
	})

	t.Run("Max", func(t *testing.T) {
		a := NewParam("a", mat.NewDense(1, 4, []float64{0.1, 0.9, -0.4, 2}))
		b := NewParam("b", mat.NewDense(1, 4, []float64{0.5, 0.2, -0.3, 1}))
		checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
			m := tp.Max(a, b)
			return tp.Sum(tp.Mul(m, m))
		})
	})

	t.Run("Concat and gather", func(t *testing.T) {
		a := NewParam("a", randDense(rng, 4, 2))
		b := NewParam("b", randDense(rng, 4, 3))
		checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
			cat := tp.ConcatCols(a, b)
			rows := tp.ConcatRows(tp.Row(cat, 3), tp.SelectRows(cat, []int{0, 2, 0}))
			return tp.Sum(tp.Mul(rows, rows))
		})
	})

	t.Run("RigidTransform2D", func(t *testing.T) {
		pose := NewParam("pose", mat.NewDense(1, 3, []float64{0.3, -0.2, 0.7}))
		pts := randDense(rng, 6, 2)
		checkGradients(t, []*Var{pose}, func(tp *Tape) *Var {
			g := tp.RigidTransform2D(pose, pts)
			return tp.Sum(tp.Mul(g, g))
		})
	})

	t.Run("Chamfer", func(t *testing.T) {
		a := NewParam("a", randDense(rng, 5, 2))
		b := NewParam("b", randDense(rng, 7, 2))
		checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
			return tp.Chamfer(a, b)
		})
	})

	t.Run("BCEWithLogits", func(t *testing.T) {
		z := NewParam("z", randDense(rng, 6, 1))
		targets := []float64{1, 0, 1, 0, 0, 1}
		weights := []float64{1, 1, 0, 1, 2, 1}
		checkGradients(t, []*Var{z}, func(tp *Tape) *Var {
			return tp.BCEWithLogits(z, targets, weights, 12)
		})
	})
}

func TestValues(t *testing.T) {
	backend := device.NewCPUBackend()
	tp := NoGrad(backend)
	defer tp.Release()

	t.Run("RigidTransform2D", func(t *testing.T) {
		pose := NewConst(mat.NewDense(1, 3, []float64{1, 2, math.Pi / 2}))
		out := tp.RigidTransform2D(pose, mat.NewDense(1, 2, []float64{1, 0}))
		assert.InDelta(t, 1.0, out.Value.At(0, 0), 1e-12)
		assert.InDelta(t, 3.0, out.Value.At(0, 1), 1e-12)
	})

	t.Run("Chamfer", func(t *testing.T) {
		a := NewConst(mat.NewDense(1, 2, []float64{0, 0}))
		b := NewConst(mat.NewDense(1, 2, []float64{3, 4}))
		assert.InDelta(t, 10.0, tp.Chamfer(a, b).Scalar(), 1e-12)
		assert.InDelta(t, 0.0, tp.Chamfer(a, a).Scalar(), 1e-12)
	})

	t.Run("BCEWithLogits", func(t *testing.T) {
		z := NewConst(mat.NewDense(2, 1, []float64{0, 0}))
		got := tp.BCEWithLogits(z, []float64{1, 0}, nil, 2)
		assert.InDelta(t, math.Ln2, got.Scalar(), 1e-12)

		masked := tp.BCEWithLogits(z, []float64{1, 0}, []float64{0, 0}, 2)
		assert.Equal(t, 0.0, masked.Scalar())
	})

	t.Run("BCEWithLogits is finite for large logits", func(t *testing.T) {
		z := NewConst(mat.NewDense(2, 1, []float64{800, -800}))
		got := tp.BCEWithLogits(z, []float64{0, 1}, nil, 1)
		assert.False(t, math.IsInf(got.Scalar(), 0))
		assert.InDelta(t, 1600.0, got.Scalar(), 1e-9)
	})

	t.Run("Max prefers a on ties", func(t *testing.T) {
		a := NewConst(mat.NewDense(1, 2, []float64{1, 2}))
		b := NewConst(mat.NewDense(1, 2, []float64{1, 3}))
		assert.Equal(t, []float64{1, 3}, tp.Max(a, b).Value.RawRowView(0))
	})
}

func TestBackwardErrors(t *testing.T) {
	backend := device.NewCPUBackend()

	t.Run("not scalar", func(t *testing.T) {
		tp := NewTape(backend)
		defer tp.Release()
		p := NewParam("p", mat.NewDense(2, 2, nil))
		err := tp.Backward(tp.Scale(2, p))
		assert.ErrorIs(t, err, ErrNotScalar)
	})

	t.Run("constant loss", func(t *testing.T) {
		tp := NewTape(backend)
		defer tp.Release()
		c := NewConst(mat.NewDense(2, 2, []float64{1, 2, 3, 4}))
		err := tp.Backward(tp.Sum(c))
		assert.ErrorIs(t, err, ErrNoGradient)
	})

	t.Run("no-grad tape", func(t *testing.T) {
		tp := NoGrad(backend)
		defer tp.Release()
		p := NewParam("p", mat.NewDense(1, 1, []float64{3}))
		err := tp.Backward(tp.Sum(p))
		assert.ErrorIs(t, err, ErrNoGradient)
		assert.Nil(t, p.Grad)
	})
}

func TestGradientsAccumulate(t *testing.T) {
	backend := device.NewCPUBackend()
	p := NewParam("p", mat.NewDense(1, 2, []float64{1, 2}))

	for range 2 {
		tp := NewTape(backend)
		require.NoError(t, tp.Backward(tp.Sum(p)))
		tp.Release()
	}
	assert.Equal(t, []float64{2, 2}, p.Grad.RawRowView(0))

	p.ZeroGrad()
	assert.Nil(t, p.Grad)
}

func TestRelease(t *testing.T) {
	backend := device.NewCPUBackend()
	tp := NewTape(backend)
	p := NewParam("p", mat.NewDense(1, 2, []float64{1, 2}))
	out := tp.Scale(3, p)
	tp.Release()

	assert.Nil(t, out.Value)
	assert.NotNil(t, p.Value, "leaves are not owned by the tape")
}
