package autograd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/simd"
)

// RigidTransform2D applies the pose [tx ty θ] (1×3) to the N×2 points:
// out_i = R(θ)·p_i + t.
func (t *Tape) RigidTransform2D(pose *Var, pts *mat.Dense) *Var {
	if r, c := pose.Dims(); r != 1 || c != 3 {
		panic(fmt.Sprintf("autograd: pose must be 1x3, got %dx%d", r, c))
	}
	n, _ := pts.Dims()
	tx, ty, theta := pose.Value.At(0, 0), pose.Value.At(0, 1), pose.Value.At(0, 2)
	s, co := math.Sincos(theta)

	out := t.alloc(n, 2)
	for i := 0; i < n; i++ {
		x, y := pts.At(i, 0), pts.At(i, 1)
		out.Value.Set(i, 0, co*x-s*y+tx)
		out.Value.Set(i, 1, s*x+co*y+ty)
	}

	return t.track(out, func() {
		if !pose.requiresGrad {
			return
		}
		var gx, gy, gth float64
		for i := 0; i < n; i++ {
			x, y := pts.At(i, 0), pts.At(i, 1)
			dx, dy := out.Grad.At(i, 0), out.Grad.At(i, 1)
			gx += dx
			gy += dy
			gth += dx*(-s*x-co*y) + dy*(co*x-s*y)
		}
		g := pose.gradBuffer().RawRowView(0)
		g[0] += gx
		g[1] += gy
		g[2] += gth
	}, pose)
}

// Chamfer returns the symmetric chamfer distance between two 2D point sets:
// the mean Euclidean distance from each point of a to its nearest neighbour
// in b, plus the same from b to a. Both sets must be non-empty.
func (t *Tape) Chamfer(a, b *Var) *Var {
	na, _ := a.Dims()
	nb, _ := b.Dims()
	if na == 0 || nb == 0 {
		panic("autograd: chamfer of an empty point set")
	}
	idxAB, distAB := t.nearest(a.Value, b.Value)
	idxBA, distBA := t.nearest(b.Value, a.Value)

	out := t.alloc(1, 1)
	out.Value.Set(0, 0, meanOf(distAB)+meanOf(distBA))

	return t.track(out, func() {
		g := out.Grad.At(0, 0)
		chamferGrad(a, b, idxAB, distAB, g/float64(na))
		chamferGrad(b, a, idxBA, distBA, g/float64(nb))
	}, a, b)
}

// chamferGrad distributes d‖src_i - dst_j‖ over the matched pairs.
func chamferGrad(src, dst *Var, idx []int, dist []float64, scale float64) {
	var gs, gd *mat.Dense
	if src.requiresGrad {
		gs = src.gradBuffer()
	}
	if dst.requiresGrad {
		gd = dst.gradBuffer()
	}
	for i, j := range idx {
		d := dist[i]
		if d == 0 {
			continue
		}
		k := scale / d
		ex := (src.Value.At(i, 0) - dst.Value.At(j, 0)) * k
		ey := (src.Value.At(i, 1) - dst.Value.At(j, 1)) * k
		if gs != nil {
			gs.Set(i, 0, gs.At(i, 0)+ex)
			gs.Set(i, 1, gs.At(i, 1)+ey)
		}
		if gd != nil {
			gd.Set(j, 0, gd.At(j, 0)-ex)
			gd.Set(j, 1, gd.At(j, 1)-ey)
		}
	}
}

func (t *Tape) nearest(src, dst *mat.Dense) ([]int, []float64) {
	n, _ := src.Dims()
	m, _ := dst.Dims()
	idx := make([]int, n)
	dist := make([]float64, n)
	if dst.RawMatrix().Stride != 2 {
		dst = mat.DenseCopyOf(dst)
	}
	packed := dst.RawMatrix().Data[:2*m]
	t.backend.Parallel(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			j, d2 := simd.Nearest2D(src.At(i, 0), src.At(i, 1), packed)
			idx[i] = j
			dist[i] = math.Sqrt(d2)
		}
	})
	return idx, dist
}

func meanOf(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// BCEWithLogits returns Σ w_i·BCE(σ(z_i), y_i) / denom over the M×1 logits.
// A nil weights slice weighs every element 1; a zero weight masks it out.
func (t *Tape) BCEWithLogits(logits *Var, targets, weights []float64, denom float64) *Var {
	m, c := logits.Dims()
	if c != 1 || len(targets) != m || (weights != nil && len(weights) != m) {
		panic(fmt.Sprintf("autograd: bce shape mismatch: logits %dx%d, %d targets, %d weights", m, c, len(targets), len(weights)))
	}
	weight := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	var total float64
	for i := 0; i < m; i++ {
		w := weight(i)
		if w == 0 {
			continue
		}
		z := logits.Value.At(i, 0)
		total += w * (softplus(z) - targets[i]*z)
	}
	out := t.alloc(1, 1)
	out.Value.Set(0, 0, total/denom)

	return t.track(out, func() {
		if !logits.requiresGrad {
			return
		}
		g := out.Grad.At(0, 0) / denom
		buf := logits.gradBuffer()
		for i := 0; i < m; i++ {
			w := weight(i)
			if w == 0 {
				continue
			}
			z := logits.Value.At(i, 0)
			buf.Set(i, 0, buf.At(i, 0)+g*w*(sigmoid(z)-targets[i]))
		}
	}, logits)
}

// softplus computes log(1+e^z) without overflow.
func softplus(z float64) float64 {
	return math.Max(z, 0) + math.Log1p(math.Exp(-math.Abs(z)))
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
