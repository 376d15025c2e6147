package device

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// numWorkers defines the default parallelism for CPU operations
var numWorkers = runtime.NumCPU()

// minChunk keeps tiny loops on the calling goroutine.
const minChunk = 64

type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) GetDense(r, c int) *mat.Dense {
	v := b.pool.Get()
	m, ok := v.(*mat.Dense)
	if !ok || m == nil {
		poolMisses.Inc()
		return mat.NewDense(r, c, nil)
	}
	poolHits.Inc()
	// ReuseAs keeps the backing slice when it is large enough and zeroes it.
	m.ReuseAs(r, c)
	return m
}

func (b *CPUBackend) PutDense(m *mat.Dense) {
	if m == nil || m.IsEmpty() {
		return
	}
	m.Reset()
	b.pool.Put(m)
}

func (b *CPUBackend) Parallel(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := numWorkers
	if limit := (n + minChunk - 1) / minChunk; workers > limit {
		workers = limit
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(start, end)
	}
	wg.Wait()
}
