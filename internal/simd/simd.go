// Package simd holds unrolled float64 kernels for the tape's hot loops.
package simd

import "math"

// VecAddScaled performs dst += src * scale for float64 vectors
func VecAddScaled(dst, src []float64, scale float64) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// Nearest2D returns the index of the point in pts (packed x, y pairs)
// closest to (x, y) and its squared distance. Ties go to the lower index.
// It returns -1 and +Inf for an empty set.
func Nearest2D(x, y float64, pts []float64) (int, float64) {
	best, bj := math.Inf(1), -1
	n := len(pts) / 2
	j := 0
	for ; j <= n-2; j += 2 {
		dx0, dy0 := x-pts[2*j], y-pts[2*j+1]
		dx1, dy1 := x-pts[2*j+2], y-pts[2*j+3]
		d0 := dx0*dx0 + dy0*dy0
		d1 := dx1*dx1 + dy1*dy1
		if d0 < best {
			best, bj = d0, j
		}
		if d1 < best {
			best, bj = d1, j+1
		}
	}
	for ; j < n; j++ {
		dx, dy := x-pts[2*j], y-pts[2*j+1]
		if d := dx*dx + dy*dy; d < best {
			best, bj = d, j
		}
	}
	return bj, best
}
