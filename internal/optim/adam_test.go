package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/device"
)

func TestAdam_FirstStep(t *testing.T) {
	p := autograd.NewParam("p", mat.NewDense(1, 3, []float64{1, 1, 1}))
	opt, err := NewAdam(Group{Params: []*autograd.Var{p}, LR: 0.1})
	require.NoError(t, err)

	p.Grad = mat.NewDense(1, 3, []float64{2, -0.5, 0})
	opt.Step()

	// The bias-corrected first step moves each element by lr·sign(g).
	assert.InDelta(t, 0.9, p.Value.At(0, 0), 1e-6)
	assert.InDelta(t, 1.1, p.Value.At(0, 1), 1e-6)
	assert.Equal(t, 1.0, p.Value.At(0, 2))
}

func TestAdam_SkipsMissingGradients(t *testing.T) {
	a := autograd.NewParam("a", mat.NewDense(1, 1, []float64{5}))
	b := autograd.NewParam("b", mat.NewDense(1, 1, []float64{5}))
	opt, err := NewAdam(Group{Params: []*autograd.Var{a, b}, LR: 0.01})
	require.NoError(t, err)

	a.Grad = mat.NewDense(1, 1, []float64{1})
	opt.Step()

	assert.Less(t, a.Value.At(0, 0), 5.0)
	assert.Equal(t, 5.0, b.Value.At(0, 0))
	state := opt.State()
	assert.Contains(t, state.Moments, "a")
	assert.NotContains(t, state.Moments, "b")
}

func TestAdam_Converges(t *testing.T) {
	backend := device.NewCPUBackend()
	x := autograd.NewParam("x", mat.NewDense(1, 1, []float64{0}))
	target := autograd.NewConst(mat.NewDense(1, 1, []float64{3}))
	opt, err := NewAdam(Group{Params: []*autograd.Var{x}, LR: 0.1})
	require.NoError(t, err)

	for range 1000 {
		opt.ZeroGrad()
		tp := autograd.NewTape(backend)
		d := tp.Sub(x, target)
		require.NoError(t, tp.Backward(tp.Sum(tp.Mul(d, d))))
		opt.Step()
		tp.Release()
	}
	assert.InDelta(t, 3.0, x.Value.At(0, 0), 5e-2)
}

func TestAdam_GroupLearningRates(t *testing.T) {
	slow := autograd.NewParam("slow", mat.NewDense(1, 1, []float64{0}))
	fast := autograd.NewParam("fast", mat.NewDense(1, 1, []float64{0}))
	opt, err := NewAdam(
		Group{Params: []*autograd.Var{slow}, LR: 0.001},
		Group{Params: []*autograd.Var{fast}, LR: 0.1},
	)
	require.NoError(t, err)

	slow.Grad = mat.NewDense(1, 1, []float64{1})
	fast.Grad = mat.NewDense(1, 1, []float64{1})
	opt.Step()

	assert.InDelta(t, -0.001, slow.Value.At(0, 0), 1e-6)
	assert.InDelta(t, -0.1, fast.Value.At(0, 0), 1e-6)
}

func TestAdam_StateRoundTrip(t *testing.T) {
	newPair := func() (*autograd.Var, *Adam) {
		p := autograd.NewParam("w", mat.NewDense(2, 1, []float64{1, -1}))
		opt, err := NewAdam(Group{Params: []*autograd.Var{p}, LR: 0.05})
		require.NoError(t, err)
		return p, opt
	}
	grads := [][]float64{{0.3, -0.2}, {0.1, 0.4}, {-0.5, 0.2}}

	p1, opt1 := newPair()
	for _, g := range grads[:2] {
		p1.Grad = mat.NewDense(2, 1, append([]float64(nil), g...))
		opt1.Step()
	}

	p2, opt2 := newPair()
	p2.Value.Copy(p1.Value)
	require.NoError(t, opt2.LoadState(opt1.State()))

	for _, pair := range []struct {
		p   *autograd.Var
		opt *Adam
	}{{p1, opt1}, {p2, opt2}} {
		pair.p.Grad = mat.NewDense(2, 1, append([]float64(nil), grads[2]...))
		pair.opt.Step()
	}
	assert.InDeltaSlice(t, p1.Value.RawMatrix().Data, p2.Value.RawMatrix().Data, 1e-15)
	assert.Equal(t, 3, opt2.State().Moments["w"].Step)
}

func TestAdam_LoadStateShapeMismatch(t *testing.T) {
	p := autograd.NewParam("w", mat.NewDense(2, 2, nil))
	opt, err := NewAdam(Group{Params: []*autograd.Var{p}, LR: 0.1})
	require.NoError(t, err)

	err = opt.LoadState(State{Moments: map[string]Moment{
		"w":     {Step: 1, Rows: 3, Cols: 1, M: make([]float64, 3), V: make([]float64, 3)},
		"other": {Step: 1, Rows: 1, Cols: 1, M: []float64{0}, V: []float64{0}},
	}})
	assert.Error(t, err)
}

func TestNewAdam_RejectsDuplicateNames(t *testing.T) {
	a := autograd.NewParam("dup", mat.NewDense(1, 1, nil))
	b := autograd.NewParam("dup", mat.NewDense(1, 1, nil))
	_, err := NewAdam(Group{Params: []*autograd.Var{a}}, Group{Params: []*autograd.Var{b}})
	assert.Error(t, err)
}
