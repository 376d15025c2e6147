package device

import (
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// Backend pools dense matrices and runs data-parallel loops on a device.
// Matrices are row-major float64 and always host-resident on the CPU backend.
type Backend interface {
	Name() string

	// GetDense gets a zeroed matrix from the pool or creates a new one.
	GetDense(r, c int) *mat.Dense

	// PutDense returns a matrix to the pool. The caller must not use it afterwards
	// and must not pass views that share backing data with another matrix.
	PutDense(m *mat.Dense)

	// Parallel splits [0, n) into contiguous chunks and calls fn on each chunk
	// concurrently, returning once every chunk is done.
	Parallel(n int, fn func(lo, hi int))
}

// Select returns the backend for the requested accelerator index.
// Only the CPU backend is compiled in; any gpu value other than "" or "-1"
// is logged and served by the CPU.
func Select(gpu string) Backend {
	gpu = strings.TrimSpace(gpu)
	if gpu != "" && gpu != "-1" {
		log.Info().Str("gpu", gpu).Msg("No accelerator backend compiled in, using CPU")
	}
	return NewCPUBackend()
}
