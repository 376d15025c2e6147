package mapping

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CatPose2D composes two S×3 pose arrays row by row: pose1 applied after
// pose0. R = R1·R0, t = R1·t0 + t1, theta = atan2(R[1,0], R[0,0]).
func CatPose2D(pose0, pose1 mat.Matrix) (*mat.Dense, error) {
	r0, c0 := pose0.Dims()
	r1, c1 := pose1.Dims()
	if c0 != 3 || c1 != 3 || r0 != r1 {
		return nil, fmt.Errorf("mapping: cannot compose %dx%d with %dx%d poses", r0, c0, r1, c1)
	}

	out := mat.NewDense(r0, 3, nil)
	for i := 0; i < r0; i++ {
		s0, co0 := math.Sincos(pose0.At(i, 2))
		s1, co1 := math.Sincos(pose1.At(i, 2))
		tx0, ty0 := pose0.At(i, 0), pose0.At(i, 1)

		// R1·R0
		r00 := co1*co0 - s1*s0
		r10 := s1*co0 + co1*s0

		out.Set(i, 0, co1*tx0-s1*ty0+pose1.At(i, 0))
		out.Set(i, 1, s1*tx0+co1*ty0+pose1.At(i, 1))
		out.Set(i, 2, math.Atan2(r10, r00))
	}
	return out, nil
}
