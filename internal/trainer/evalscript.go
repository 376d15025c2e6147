package trainer

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ScriptResult describes one finished evaluation script run.
type ScriptResult struct {
	Epoch    int           `json:"epoch" cbor:"epoch"`
	ExitCode int           `json:"exit_code" cbor:"exit_code"`
	Duration time.Duration `json:"duration" cbor:"duration"`
	Err      string        `json:"error,omitempty" cbor:"error,omitempty"`
}

// EvalRunner runs an external evaluation script in the background. Only one
// run is in flight at a time; Launch blocks until the previous run is done.
// Failures are logged and counted, never returned.
type EvalRunner struct {
	script string
	g      errgroup.Group

	mu   sync.Mutex
	runs []ScriptResult
}

// NewEvalRunner runs script with no arguments. An empty script disables the
// runner.
func NewEvalRunner(script string) *EvalRunner {
	r := &EvalRunner{script: script}
	r.g.SetLimit(1)
	return r
}

// Launch starts the script for epoch.
func (r *EvalRunner) Launch(ctx context.Context, epoch int) {
	if r.script == "" {
		return
	}
	r.g.Go(func() error {
		r.run(ctx, epoch)
		return nil
	})
}

func (r *EvalRunner) run(ctx context.Context, epoch int) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.script)
	out, err := cmd.CombinedOutput()

	res := ScriptResult{Epoch: epoch, Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		res.Err = err.Error()
		evalScriptRuns.WithLabelValues("error").Inc()
		log.Warn().
			Err(err).
			Str("script", r.script).
			Int("epoch", epoch).
			Int("exit_code", res.ExitCode).
			Bytes("output", tail(out, 512)).
			Msg("Evaluation script failed")
	} else {
		evalScriptRuns.WithLabelValues("ok").Inc()
		log.Info().
			Str("script", r.script).
			Int("epoch", epoch).
			Dur("elapsed", res.Duration).
			Msg("Evaluation script finished")
	}

	r.mu.Lock()
	r.runs = append(r.runs, res)
	r.mu.Unlock()
}

// Wait blocks until the outstanding run, if any, has finished.
func (r *EvalRunner) Wait() {
	_ = r.g.Wait()
}

// Results returns the finished runs in completion order.
func (r *EvalRunner) Results() []ScriptResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ScriptResult(nil), r.runs...)
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
