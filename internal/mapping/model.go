// Package mapping implements DeepMapping2D: a localization network that turns
// a latent code into a sensor pose, and an occupancy network that scores
// points of the assembled global map.
package mapping

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/dataset"
	"github.com/23skdu/longbow-deepmap/internal/device"
	"github.com/23skdu/longbow-deepmap/internal/loss"
)

var ErrNoValidPoints = errors.New("mapping: batch has no valid points")

// Config holds the configuration for DeepMapping2D.
type Config struct {
	NObs int
	// LatentSize is the width of the chained latents fed to the L-Net.
	LatentSize int
	// NSamples is the number of free-space samples drawn along each ray.
	NSamples  int
	LocHidden []int
	OccHidden []int
	Loss      loss.Func
	Seed      uint64
}

// DefaultConfig returns the configuration used by the trainer.
func DefaultConfig() Config {
	return Config{
		LatentSize: 64,
		NSamples:   19,
		LocHidden:  []int{128, 64},
		OccHidden:  []int{64, 64},
		Seed:       1,
	}
}

// DeepMapping2D is the mapping model.
type DeepMapping2D struct {
	Config  Config
	Backend device.Backend
	LocNet  *MLP
	OccNet  *MLP

	sampler distuv.Uniform
}

// Estimate is the evaluation output for one batch.
type Estimate struct {
	// Poses are B×3 rows of x, y, theta.
	Poses *mat.Dense
	// Global holds each scan's points (valid or not) in the global frame.
	Global []*mat.Dense
}

// NewDeepMapping2D creates a model on the CPU backend.
func NewDeepMapping2D(cfg Config) *DeepMapping2D {
	return NewDeepMapping2DWithBackend(cfg, device.NewCPUBackend())
}

// NewDeepMapping2DWithBackend creates a model on the given backend. Weights
// are Xavier-initialized from cfg.Seed; biases start at zero.
func NewDeepMapping2DWithBackend(cfg Config, b device.Backend) *DeepMapping2D {
	if cfg.Loss == nil {
		cfg.Loss, _ = loss.Lookup(string(loss.BCECh))
	}
	initSrc := rand.NewPCG(cfg.Seed, 0x4c4e6574)
	locSizes := append(append([]int{cfg.LatentSize}, cfg.LocHidden...), 3)
	occSizes := append(append([]int{2}, cfg.OccHidden...), 1)

	return &DeepMapping2D{
		Config:  cfg,
		Backend: b,
		LocNet:  NewMLP("loc", locSizes, initSrc),
		OccNet:  NewMLP("occ", occSizes, initSrc),
		sampler: distuv.Uniform{Min: 0, Max: 1, Src: rand.NewPCG(cfg.Seed, 0x6f636370)},
	}
}

// Parameters returns every trainable weight, L-Net first.
func (m *DeepMapping2D) Parameters() []*autograd.Var {
	return append(m.LocNet.Parameters(), m.OccNet.Parameters()...)
}

func (m *DeepMapping2D) checkInputs(batch dataset.Batch, latents *autograd.Var) error {
	r, c := latents.Dims()
	if r != batch.Len() || c != m.Config.LatentSize {
		return fmt.Errorf("mapping: latents are %dx%d, want %dx%d", r, c, batch.Len(), m.Config.LatentSize)
	}
	if len(batch.Obs) != batch.Len() || len(batch.Valid) != batch.Len() {
		return fmt.Errorf("mapping: batch has %d indices but %d scans", batch.Len(), len(batch.Obs))
	}
	return nil
}

// locate runs the L-Net and moves every scan and its sensor centre into the
// global frame.
func (m *DeepMapping2D) locate(t *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (poses *autograd.Var, global, centers []*autograd.Var) {
	poses = m.LocNet.Forward(t, latents)
	global = make([]*autograd.Var, batch.Len())
	centers = make([]*autograd.Var, batch.Len())
	for k, obs := range batch.Obs {
		pose := t.Row(poses, k)
		global[k] = t.RigidTransform2D(pose, obs)
		c := batch.Centers[k]
		centers[k] = t.RigidTransform2D(pose, mat.NewDense(1, 2, []float64{c[0], c[1]}))
	}
	return poses, global, centers
}

// Loss runs the training forward pass and returns the scalar loss.
//
// Observed points are labelled occupied. For each of NSamples draws a single
// factor f is shared by the whole batch and every ray yields the free-space
// point center + f·(p - center). Samples from invalid points carry zero
// weight, and the cross-entropy is averaged over B·(NSamples+1)·NObs.
func (m *DeepMapping2D) Loss(t *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (*autograd.Var, error) {
	if err := m.checkInputs(batch, latents); err != nil {
		return nil, err
	}

	_, global, centers := m.locate(t, batch, latents)

	factors := make([]float64, m.Config.NSamples)
	for s := range factors {
		factors[s] = m.sampler.Rand()
	}

	var (
		inputs   []*autograd.Var
		targets  []float64
		weights  []float64
		scans    = make([]*autograd.Var, batch.Len())
		anyValid bool
	)
	for k, g := range global {
		n, _ := g.Dims()
		mask := make([]float64, n)
		var validIdx []int
		for i, ok := range batch.Valid[k] {
			if ok {
				mask[i] = 1
				validIdx = append(validIdx, i)
			}
		}
		if len(validIdx) > 0 {
			scans[k] = t.SelectRows(g, validIdx)
			anyValid = true
		}

		inputs = append(inputs, g)
		targets = append(targets, ones(n)...)
		weights = append(weights, mask...)
		for _, f := range factors {
			inputs = append(inputs, t.AddRowVector(t.Scale(f, g), t.Scale(1-f, centers[k])))
			targets = append(targets, make([]float64, n)...)
			weights = append(weights, mask...)
		}
	}
	if !anyValid {
		return nil, ErrNoValidPoints
	}

	logits := m.OccNet.Forward(t, t.ConcatRows(inputs...))
	return m.Config.Loss(t, loss.Inputs{
		Logits:  logits,
		Targets: targets,
		Weights: weights,
		Denom:   float64(len(targets)),
		Scans:   scans,
	}), nil
}

// Estimate runs the evaluation forward pass. The returned matrices are owned
// by the caller and outlive the tape.
func (m *DeepMapping2D) Estimate(t *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (Estimate, error) {
	if err := m.checkInputs(batch, latents); err != nil {
		return Estimate{}, err
	}

	poses, global, _ := m.locate(t, batch, latents)
	est := Estimate{
		Poses:  mat.DenseCopyOf(poses.Value),
		Global: make([]*mat.Dense, len(global)),
	}
	for k, g := range global {
		est.Global[k] = mat.DenseCopyOf(g.Value)
	}
	return est, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}
