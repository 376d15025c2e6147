package latent

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
)

var (
	ErrUnknownMergeOp = errors.New("latent: unknown merge op")
	ErrEmptyBatch     = errors.New("latent: empty batch")
)

// Mode selects forward-only or bidirectional chaining.
type Mode int

const (
	Single Mode = iota
	Double
)

// ParseMode maps "double" to Double. Any other value chains forward only.
func ParseMode(s string) Mode {
	if s == "double" {
		return Double
	}
	return Single
}

func (m Mode) String() string {
	if m == Double {
		return "double"
	}
	return "single"
}

// MergeOp combines a forward-chained latent with its reverse contribution.
type MergeOp int

const (
	Add MergeOp = iota
	Cat
	MaxPool
)

func ParseMergeOp(s string) (MergeOp, error) {
	switch s {
	case "add":
		return Add, nil
	case "cat":
		return Cat, nil
	case "maxpool":
		return MaxPool, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMergeOp, s)
}

func (op MergeOp) String() string {
	switch op {
	case Add:
		return "add"
	case Cat:
		return "cat"
	case MaxPool:
		return "maxpool"
	}
	return fmt.Sprintf("MergeOp(%d)", int(op))
}

// Width is the chained latent width the model sees for a given latent size.
func (op MergeOp) Width(latentSize int) int {
	if op == Cat {
		return 2 * latentSize
	}
	return latentSize
}

// Merge combines two 1×n rows: Cat yields a then b, Add the sum and MaxPool
// the elementwise maximum.
func Merge(t *autograd.Tape, op MergeOp, a, b *autograd.Var) *autograd.Var {
	switch op {
	case Cat:
		return t.ConcatCols(a, b)
	case MaxPool:
		return t.Max(a, b)
	default:
		return t.Add(a, b)
	}
}

// Boundary picks which index the reverse pass skips.
type Boundary int

const (
	// TrainBoundary skips index batch_size-1.
	TrainBoundary Boundary = iota
	// EvalBoundary skips index instances-1. Training and evaluation have always
	// used different boundaries; both are kept.
	EvalBoundary
)

// Chainer builds chained latents for one batch.
type Chainer struct {
	Mode      Mode
	Op        MergeOp
	BatchSize int
	Instances int
}

func (c Chainer) skip(b Boundary) int {
	if b == EvalBoundary {
		return c.Instances - 1
	}
	return c.BatchSize - 1
}

// Chain returns a len(indices)×Op.Width(size) matrix whose row p is the
// chained latent for global instance indices[p].
//
// Forward: row p is latent[i] + w⊙latent[i-1], or latent[0] when i is 0.
//
// Reverse (Double only): positions are visited last to first. The row
// updated is the one numbered by the global index i, and only while
// i < BatchSize-1 and i is not the boundary's skip index. The update reads
// row i+1 as it currently stands, so earlier rows see contributions that
// were already merged into later ones. For Cat the contribution comes from
// the forward half of row i+1 and rows that receive none are zero padded.
func (c Chainer) Chain(t *autograd.Tape, s *Store, indices []int, b Boundary) (*autograd.Var, error) {
	if len(indices) == 0 {
		return nil, ErrEmptyBatch
	}

	fwd := make([]*autograd.Var, len(indices))
	for p, i := range indices {
		lat, err := s.Latent(i)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			fwd[p] = lat
			continue
		}
		prev, err := s.Latent(i - 1)
		if err != nil {
			return nil, err
		}
		fwd[p] = t.Add(lat, t.Mul(s.W(), prev))
	}

	rows := make([]*autograd.Var, len(fwd))
	copy(rows, fwd)
	merged := make([]bool, len(fwd))

	if c.Mode == Double {
		skip := c.skip(b)
		for p := len(indices) - 1; p >= 0; p-- {
			i := indices[p]
			if i == skip || i >= c.BatchSize-1 || i+1 >= len(rows) {
				continue
			}
			if c.Op == Cat {
				rows[i] = t.ConcatCols(fwd[i], t.Mul(s.WR(), fwd[i+1]))
			} else {
				rows[i] = Merge(t, c.Op, rows[i], t.Mul(s.WR(), rows[i+1]))
			}
			merged[i] = true
		}
	}

	if c.Op == Cat {
		zeros := t.Const(mat.NewDense(1, s.Size(), nil))
		for p := range rows {
			if !merged[p] {
				rows[p] = t.ConcatCols(fwd[p], zeros)
			}
		}
	}

	return t.ConcatRows(rows...), nil
}
