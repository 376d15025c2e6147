//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/client"
)

// Publishes a circle of poses to a Longbow server the same way the trainer
// does after an evaluation.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:3000"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	dataset := "deepmap_verify"
	if len(os.Args) > 2 {
		dataset = os.Args[2]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Longbow Flight Server")
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flight client")
	}
	defer fc.Close()

	const n = 16
	poses := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / n
		poses.SetRow(i, []float64{5 * math.Cos(a), 5 * math.Sin(a), a + math.Pi/2})
	}

	pub := client.NewPublisher(fc, dataset)
	var lastErr error
	for i := 0; i < 10; i++ {
		start := time.Now()
		if lastErr = pub.PublishPoses(context.Background(), 0, poses); lastErr == nil {
			log.Info().Dur("elapsed", time.Since(start)).Int("rows", n).Msg("Published poses")
			break
		}
		log.Warn().Err(lastErr).Stringer("breaker", pub.Breaker().State()).Msg("Publish failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if lastErr != nil {
		log.Fatal().Err(lastErr).Msg("Failed to publish after retries")
	}

	fmt.Println("VERIFICATION PASSED")
}
