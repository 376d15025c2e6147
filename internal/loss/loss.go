// Package loss holds the registry of training objectives for the mapping
// model: occupancy cross-entropy, chamfer registration, and their blend.
package loss

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
)

// Gamma weighs the occupancy term in bce_ch.
const Gamma = 0.1

var ErrUnknownLoss = errors.New("loss: unknown loss function")

// Inputs is everything a loss may look at for one batch.
type Inputs struct {
	// Logits are M×1 occupancy logits for every sampled location.
	Logits *autograd.Var
	// Targets are 1 for observed hits and 0 for free-space samples.
	Targets []float64
	// Weights mask out samples drawn from invalid points.
	Weights []float64
	// Denom is the element count the cross-entropy is averaged over.
	Denom float64
	// Scans are the valid points of each scan in the global frame, in batch
	// order. A nil entry is a scan with no valid points.
	Scans []*autograd.Var
}

// Func builds a scalar loss on the tape.
type Func func(t *autograd.Tape, in Inputs) *autograd.Var

// Name identifies a registered loss.
type Name string

const (
	BCE   Name = "bce"
	BCECh Name = "bce_ch"
	Ch    Name = "ch"
)

var registry = map[Name]Func{
	BCE:   bceLoss,
	BCECh: bceChLoss,
	Ch:    chamferLoss,
}

// Lookup returns the loss registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := registry[Name(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownLoss, name, Names())
	}
	return fn, nil
}

// Names lists the registered losses in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, string(n))
	}
	sort.Strings(out)
	return out
}

func bceLoss(t *autograd.Tape, in Inputs) *autograd.Var {
	return t.BCEWithLogits(in.Logits, in.Targets, in.Weights, in.Denom)
}

// chamferLoss averages the chamfer distance of consecutive scans in the
// batch. Pairs that include an empty scan are left out; with nothing to
// compare the loss is a constant zero.
func chamferLoss(t *autograd.Tape, in Inputs) *autograd.Var {
	var terms []*autograd.Var
	for k := 0; k+1 < len(in.Scans); k++ {
		a, b := in.Scans[k], in.Scans[k+1]
		if a == nil || b == nil {
			continue
		}
		terms = append(terms, t.Chamfer(a, b))
	}
	if len(terms) == 0 {
		return t.Const(mat.NewDense(1, 1, nil))
	}
	return t.Mean(t.ConcatRows(terms...))
}

func bceChLoss(t *autograd.Tape, in Inputs) *autograd.Var {
	return t.Add(
		t.Scale(Gamma, bceLoss(t, in)),
		t.Scale(1-Gamma, chamferLoss(t, in)),
	)
}
