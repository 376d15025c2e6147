package autograd

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/simd"
)

// MatMul returns a·b.
func (t *Tape) MatMul(a, b *Var) *Var {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	out := t.alloc(ar, bc)
	out.Value.Mul(a.Value, b.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			var g mat.Dense
			g.Mul(out.Grad, b.Value.T())
			a.accumulate(&g)
		}
		if b.requiresGrad {
			var g mat.Dense
			g.Mul(a.Value.T(), out.Grad)
			b.accumulate(&g)
		}
	}, a, b)
}

// AddRowVector adds the 1×c row bias to every row of a.
func (t *Tape) AddRowVector(a, bias *Var) *Var {
	r, c := a.Dims()
	if br, bc := bias.Dims(); br != 1 || bc != c {
		panic(fmt.Sprintf("autograd: bias %dx%d does not broadcast over %dx%d", br, bc, r, c))
	}
	out := t.alloc(r, c)
	out.Value.Copy(a.Value)
	brow := bias.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(out.Value.RawRowView(i), brow)
	}

	return t.track(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if bias.requiresGrad {
			g := bias.gradBuffer().RawRowView(0)
			for i := 0; i < r; i++ {
				floats.Add(g, out.Grad.RawRowView(i))
			}
		}
	}, a, bias)
}

// Add returns a+b.
func (t *Tape) Add(a, b *Var) *Var {
	out := t.alloc(a.Dims())
	out.Value.Add(a.Value, b.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			b.accumulate(out.Grad)
		}
	}, a, b)
}

// Sub returns a-b.
func (t *Tape) Sub(a, b *Var) *Var {
	out := t.alloc(a.Dims())
	out.Value.Sub(a.Value, b.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			buf := b.gradBuffer()
			buf.Sub(buf, out.Grad)
		}
	}, a, b)
}

// Mul returns the elementwise product a⊙b.
func (t *Tape) Mul(a, b *Var) *Var {
	out := t.alloc(a.Dims())
	out.Value.MulElem(a.Value, b.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			var g mat.Dense
			g.MulElem(out.Grad, b.Value)
			a.accumulate(&g)
		}
		if b.requiresGrad {
			var g mat.Dense
			g.MulElem(out.Grad, a.Value)
			b.accumulate(&g)
		}
	}, a, b)
}

// Max returns the elementwise maximum of a and b. Ties route the gradient to a.
func (t *Tape) Max(a, b *Var) *Var {
	r, c := a.Dims()
	out := t.alloc(r, c)
	fromA := make([]bool, r*c)
	for i := 0; i < r; i++ {
		ar, br, or := a.Value.RawRowView(i), b.Value.RawRowView(i), out.Value.RawRowView(i)
		for j := range or {
			if ar[j] >= br[j] {
				or[j] = ar[j]
				fromA[i*c+j] = true
			} else {
				or[j] = br[j]
			}
		}
	}

	return t.track(out, func() {
		var ga, gb []float64
		for i := 0; i < r; i++ {
			grow := out.Grad.RawRowView(i)
			if a.requiresGrad {
				ga = a.gradBuffer().RawRowView(i)
			}
			if b.requiresGrad {
				gb = b.gradBuffer().RawRowView(i)
			}
			for j, g := range grow {
				switch {
				case fromA[i*c+j] && ga != nil:
					ga[j] += g
				case !fromA[i*c+j] && gb != nil:
					gb[j] += g
				}
			}
		}
	}, a, b)
}

// ReLU returns max(a, 0).
func (t *Tape) ReLU(a *Var) *Var {
	out := t.alloc(a.Dims())
	out.Value.Apply(func(_, _ int, v float64) float64 {
		if v > 0 {
			return v
		}
		return 0
	}, a.Value)

	return t.track(out, func() {
		if !a.requiresGrad {
			return
		}
		buf := a.gradBuffer()
		r, _ := buf.Dims()
		for i := 0; i < r; i++ {
			in, g, dst := a.Value.RawRowView(i), out.Grad.RawRowView(i), buf.RawRowView(i)
			for j := range dst {
				if in[j] > 0 {
					dst[j] += g[j]
				}
			}
		}
	}, a)
}

// Scale returns s·a.
func (t *Tape) Scale(s float64, a *Var) *Var {
	out := t.alloc(a.Dims())
	out.Value.Scale(s, a.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			simd.VecAddScaled(a.gradBuffer().RawMatrix().Data, out.Grad.RawMatrix().Data, s)
		}
	}, a)
}

// ConcatCols joins a and b side by side.
func (t *Tape) ConcatCols(a, b *Var) *Var {
	r, ca := a.Dims()
	_, cb := b.Dims()
	out := t.alloc(r, ca+cb)
	out.Value.Slice(0, r, 0, ca).(*mat.Dense).Copy(a.Value)
	out.Value.Slice(0, r, ca, ca+cb).(*mat.Dense).Copy(b.Value)

	return t.track(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad.Slice(0, r, 0, ca))
		}
		if b.requiresGrad {
			b.accumulate(out.Grad.Slice(0, r, ca, ca+cb))
		}
	}, a, b)
}

// ConcatRows stacks vs vertically. All inputs share a column count.
func (t *Tape) ConcatRows(vs ...*Var) *Var {
	if len(vs) == 0 {
		panic("autograd: ConcatRows of nothing")
	}
	_, c := vs[0].Dims()
	rows := 0
	for _, v := range vs {
		r, vc := v.Dims()
		if vc != c {
			panic(fmt.Sprintf("autograd: ConcatRows column mismatch %d != %d", vc, c))
		}
		rows += r
	}
	out := t.alloc(rows, c)
	offset := 0
	for _, v := range vs {
		r, _ := v.Dims()
		out.Value.Slice(offset, offset+r, 0, c).(*mat.Dense).Copy(v.Value)
		offset += r
	}

	return t.track(out, func() {
		offset := 0
		for _, v := range vs {
			r, _ := v.Dims()
			if v.requiresGrad {
				v.accumulate(out.Grad.Slice(offset, offset+r, 0, c))
			}
			offset += r
		}
	}, vs...)
}

// Row returns a copy of row i of a as a 1×c value.
func (t *Tape) Row(a *Var, i int) *Var {
	_, c := a.Dims()
	out := t.alloc(1, c)
	copy(out.Value.RawRowView(0), a.Value.RawRowView(i))

	return t.track(out, func() {
		if a.requiresGrad {
			floats.Add(a.gradBuffer().RawRowView(i), out.Grad.RawRowView(0))
		}
	}, a)
}

// SelectRows gathers the given rows of a, in order. Indices may repeat.
func (t *Tape) SelectRows(a *Var, idx []int) *Var {
	_, c := a.Dims()
	out := t.alloc(len(idx), c)
	for k, i := range idx {
		copy(out.Value.RawRowView(k), a.Value.RawRowView(i))
	}

	return t.track(out, func() {
		if !a.requiresGrad {
			return
		}
		buf := a.gradBuffer()
		for k, i := range idx {
			floats.Add(buf.RawRowView(i), out.Grad.RawRowView(k))
		}
	}, a)
}

// Sum reduces a to a 1×1 value.
func (t *Tape) Sum(a *Var) *Var {
	out := t.alloc(1, 1)
	out.Value.Set(0, 0, mat.Sum(a.Value))

	return t.track(out, func() {
		if !a.requiresGrad {
			return
		}
		g := out.Grad.At(0, 0)
		buf := a.gradBuffer()
		r, _ := buf.Dims()
		for i := 0; i < r; i++ {
			floats.AddConst(g, buf.RawRowView(i))
		}
	}, a)
}

// Mean reduces a to its 1×1 average.
func (t *Tape) Mean(a *Var) *Var {
	r, c := a.Dims()
	return t.Scale(1/float64(r*c), t.Sum(a))
}
