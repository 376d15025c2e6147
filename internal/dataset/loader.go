package dataset

import (
	"iter"

	"gonum.org/v1/gonum/mat"
)

// Batch is a run of consecutive scans. Indices are the global scan (and
// latent) indices; Obs, Valid and Centers follow the same order.
type Batch struct {
	Indices []int
	Obs     []*mat.Dense
	Valid   [][]bool
	Centers [][2]float64
}

func (b Batch) Len() int { return len(b.Indices) }

// Loader yields unshuffled batches. The final batch is short when the scan
// count is not a multiple of the batch size.
type Loader struct {
	ds        *Dataset
	batchSize int
}

func NewLoader(ds *Dataset, batchSize int) *Loader {
	if batchSize <= 0 {
		panic("dataset: batch size must be positive")
	}
	return &Loader{ds: ds, batchSize: batchSize}
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

func (l *Loader) BatchSize() int { return l.batchSize }

func (l *Loader) Dataset() *Dataset { return l.ds }

// Batch returns batch b. The slices share storage with the dataset.
func (l *Loader) Batch(b int) Batch {
	lo := b * l.batchSize
	hi := min(lo+l.batchSize, l.ds.Len())
	idx := make([]int, hi-lo)
	for i := range idx {
		idx[i] = lo + i
	}
	return Batch{
		Indices: idx,
		Obs:     l.ds.Scans[lo:hi],
		Valid:   l.ds.Valid[lo:hi],
		Centers: l.ds.Centers[lo:hi],
	}
}

// All iterates every batch in order.
func (l *Loader) All() iter.Seq2[int, Batch] {
	return func(yield func(int, Batch) bool) {
		for b := 0; b < l.Len(); b++ {
			if !yield(b, l.Batch(b)) {
				return
			}
		}
	}
}
