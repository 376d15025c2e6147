// Package latent owns the per-instance latent codes and the blend weights,
// and builds the chained latents the mapping model consumes.
package latent

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
)

// InitSigma is the standard deviation of the latent and blend weight init.
const InitSigma = 0.8

var ErrIndexOutOfRange = errors.New("latent: index out of range")

// Store holds one trainable 1×size latent per scene instance plus the shared
// forward (w) and reverse (w_r) blend weights.
type Store struct {
	size    int
	latents []*autograd.Var
	w, wr   *autograd.Var
}

// NewStore draws every latent and both blend weights i.i.d. from N(0, 0.8).
func NewStore(instances, size int, src rand.Source) *Store {
	normal := distuv.Normal{Mu: 0, Sigma: InitSigma, Src: src}
	draw := func(name string) *autograd.Var {
		data := make([]float64, size)
		for i := range data {
			data[i] = normal.Rand()
		}
		return autograd.NewParam(name, mat.NewDense(1, size, data))
	}

	s := &Store{size: size, latents: make([]*autograd.Var, instances)}
	for i := range s.latents {
		s.latents[i] = draw(fmt.Sprintf("latent.%d", i))
	}
	s.w = draw("w")
	s.wr = draw("w_r")
	return s
}

// Len is the number of scene instances.
func (s *Store) Len() int { return len(s.latents) }

// Size is the latent dimension.
func (s *Store) Size() int { return s.size }

// Latent returns the latent of instance i.
func (s *Store) Latent(i int) (*autograd.Var, error) {
	if i < 0 || i >= len(s.latents) {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrIndexOutOfRange, i, len(s.latents))
	}
	return s.latents[i], nil
}

func (s *Store) W() *autograd.Var { return s.w }

func (s *Store) WR() *autograd.Var { return s.wr }

// Latents returns every instance latent in index order.
func (s *Store) Latents() []*autograd.Var { return s.latents }

// All returns the latents followed by w and w_r.
func (s *Store) All() []*autograd.Var {
	out := make([]*autograd.Var, 0, len(s.latents)+2)
	out = append(out, s.latents...)
	return append(out, s.w, s.wr)
}
