package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

var ErrCircuitOpen = errors.New("client: circuit breaker open")

// RecordPutter uploads a record batch to a named dataset.
type RecordPutter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

// Publisher sends pose estimates to a dataset, backing off while the
// server keeps failing.
type Publisher struct {
	putter  RecordPutter
	dataset string
	breaker *CircuitBreaker
	builder *PoseRecordBuilder
	timeout time.Duration
}

// NewPublisher publishes through putter with a breaker that opens after
// three consecutive failures for thirty seconds.
func NewPublisher(putter RecordPutter, dataset string) *Publisher {
	return &Publisher{
		putter:  putter,
		dataset: dataset,
		breaker: NewCircuitBreaker(3, 30*time.Second),
		builder: NewPoseRecordBuilder(memory.NewGoAllocator()),
		timeout: 60 * time.Second,
	}
}

// Breaker exposes the publisher's circuit breaker.
func (p *Publisher) Breaker() *CircuitBreaker { return p.breaker }

// PublishPoses uploads S×3 poses tagged with epoch.
func (p *Publisher) PublishPoses(ctx context.Context, epoch int, poses mat.Matrix) error {
	if !p.breaker.Allow() {
		publishTotal.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}

	rec, err := p.builder.Build(epoch, poses)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err = p.putter.DoPut(ctx, p.dataset, rec)
	publishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.breaker.Failure()
		publishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("client: publishing epoch %d: %w", epoch, err)
	}

	p.breaker.Success()
	publishTotal.WithLabelValues("ok").Inc()
	log.Debug().
		Str("dataset", p.dataset).
		Int("epoch", epoch).
		Int64("rows", rec.NumRows()).
		Msg("Published poses")
	return nil
}
