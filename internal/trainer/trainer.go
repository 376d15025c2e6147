// Package trainer runs the DeepMapping2D optimization loop: latent chaining,
// training steps, periodic evaluation and result writing.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/checkpoint"
	"github.com/23skdu/longbow-deepmap/internal/dataset"
	"github.com/23skdu/longbow-deepmap/internal/device"
	"github.com/23skdu/longbow-deepmap/internal/latent"
	"github.com/23skdu/longbow-deepmap/internal/loss"
	"github.com/23skdu/longbow-deepmap/internal/mapping"
	"github.com/23skdu/longbow-deepmap/internal/optim"
)

const (
	PoseFile   = "pose_est.npy"
	GlobalFile = "obs_global_est.npy"
)

var tracer = otel.Tracer("deepmap-trainer")

// Model is what the trainer optimizes.
type Model interface {
	Parameters() []*autograd.Var
	Loss(t *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (*autograd.Var, error)
	Estimate(t *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (mapping.Estimate, error)
}

// Publisher receives the pose estimate after every evaluation.
type Publisher interface {
	PublishPoses(ctx context.Context, epoch int, poses mat.Matrix) error
}

// Components are the collaborators a Trainer is built from.
type Components struct {
	Backend device.Backend
	Model   Model
	Store   *latent.Store
	Loader  *dataset.Loader
	// InitPose, when set, has one row per scan and is composed with the
	// estimated poses before they are written.
	InitPose  *mat.Dense
	Publisher Publisher
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID      string         `json:"run_id" cbor:"run_id"`
	Name       string         `json:"name" cbor:"name"`
	Epoch      int            `json:"epoch" cbor:"epoch"`
	NEpochs    int            `json:"n_epochs" cbor:"n_epochs"`
	Loss       float64        `json:"loss" cbor:"loss"`
	LastEval   int            `json:"last_eval_epoch" cbor:"last_eval_epoch"`
	Checkpoint string         `json:"checkpoint,omitempty" cbor:"checkpoint,omitempty"`
	StartedAt  time.Time      `json:"started_at" cbor:"started_at"`
	Done       bool           `json:"done" cbor:"done"`
	EvalScript []ScriptResult `json:"eval_script,omitempty" cbor:"eval_script,omitempty"`
}

// Trainer owns the optimization state of one run. Run, TrainEpoch and
// Evaluate must be called from a single goroutine; Progress may be called
// from any.
type Trainer struct {
	opts      Options
	runID     string
	dir       string
	backend   device.Backend
	model     Model
	store     *latent.Store
	chainer   latent.Chainer
	loader    *dataset.Loader
	optimizer *optim.Adam
	initPose  *mat.Dense
	publisher Publisher
	evals     *EvalRunner

	mu       sync.Mutex
	progress Progress
}

// New assembles a trainer. The optimizer gets one group each for the model,
// the latents and w, plus w_r in double mode, all at opts.LR.
func New(opts Options, c Components) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if c.Model == nil || c.Store == nil || c.Loader == nil {
		return nil, errors.New("trainer: model, latent store and loader are required")
	}
	op, err := latent.ParseMergeOp(opts.Op)
	if err != nil {
		return nil, err
	}
	mode := latent.ParseMode(opts.Mode)
	if c.Backend == nil {
		c.Backend = device.NewCPUBackend()
	}

	groups := []optim.Group{
		{Params: c.Model.Parameters(), LR: opts.LR},
		{Params: c.Store.Latents(), LR: opts.LR},
		{Params: []*autograd.Var{c.Store.W()}, LR: opts.LR},
	}
	if mode == latent.Double {
		groups = append(groups, optim.Group{Params: []*autograd.Var{c.Store.WR()}, LR: opts.LR})
	}
	adam, err := optim.NewAdam(groups...)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	return &Trainer{
		opts:    opts,
		runID:   runID,
		dir:     opts.CheckpointDir(),
		backend: c.Backend,
		model:   c.Model,
		store:   c.Store,
		chainer: latent.Chainer{
			Mode:      mode,
			Op:        op,
			BatchSize: opts.BatchSize,
			Instances: opts.Instances,
		},
		loader:    c.Loader,
		optimizer: adam,
		initPose:  c.InitPose,
		publisher: c.Publisher,
		evals:     NewEvalRunner(opts.EvalScript),
		progress: Progress{
			RunID:   runID,
			Name:    opts.Name,
			NEpochs: opts.NEpochs,
		},
	}, nil
}

// Build loads the data named by opts and creates the model, latent store
// and trainer. A negative seed is replaced by a random one, which is the
// value recorded in the returned trainer's options. A checkpoint named by
// opts.Model is restored before returning.
func Build(opts Options, pub Publisher) (*Trainer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Seed < 0 {
		opts.Seed = rand.Int64()
	}
	log.Info().Int64("seed", opts.Seed).Msg("Random seed")
	seed := uint64(opts.Seed)

	backend := device.Select(opts.GPU)

	var initPose *mat.Dense
	if opts.Init != "" {
		p, err := dataset.LoadPoses(opts.Init)
		if err != nil {
			return nil, err
		}
		initPose = p
	}

	ds, err := dataset.Load(opts.DataDir, opts.Instances, initPose)
	if err != nil {
		return nil, err
	}
	if initPose != nil {
		initPose = mat.DenseCopyOf(initPose.Slice(0, ds.Len(), 0, 3))
	}

	lossFn, err := loss.Lookup(opts.Loss)
	if err != nil {
		return nil, err
	}
	op, err := latent.ParseMergeOp(opts.Op)
	if err != nil {
		return nil, err
	}

	cfg := mapping.DefaultConfig()
	cfg.NObs = ds.NObs
	cfg.LatentSize = op.Width(opts.LatentSize)
	cfg.NSamples = opts.NSamples
	cfg.Loss = lossFn
	cfg.Seed = seed
	model := mapping.NewDeepMapping2DWithBackend(cfg, backend)
	log.Info().
		Int("latent_size", opts.LatentSize).
		Int("model_input", cfg.LatentSize).
		Int("n_obs", cfg.NObs).
		Str("backend", backend.Name()).
		Msg("Model created")

	store := latent.NewStore(opts.Instances, opts.LatentSize, rand.NewPCG(seed, 0x6c6174656e74))

	t, err := New(opts, Components{
		Backend:   backend,
		Model:     model,
		Store:     store,
		Loader:    dataset.NewLoader(ds, opts.BatchSize),
		InitPose:  initPose,
		Publisher: pub,
	})
	if err != nil {
		return nil, err
	}
	if opts.Model != "" {
		if err := t.Restore(opts.Model); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Options returns the options the trainer runs with.
func (t *Trainer) Options() Options { return t.opts }

func (t *Trainer) RunID() string { return t.runID }

// Dir is the directory results are written to.
func (t *Trainer) Dir() string { return t.dir }

// Progress returns a snapshot of the run.
func (t *Trainer) Progress() Progress {
	t.mu.Lock()
	p := t.progress
	t.mu.Unlock()
	p.EvalScript = t.evals.Results()
	return p
}

func (t *Trainer) updateProgress(fn func(p *Progress)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.progress)
}

// Run trains for opts.NEpochs epochs. Every LogInterval epochs it evaluates
// and writes results; every 4·LogInterval epochs it launches the evaluation
// script. Run returns after the last script run has finished.
func (t *Trainer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	if err := checkpoint.SaveOptions(t.dir, t.opts); err != nil {
		return err
	}
	defer t.evals.Wait()

	t.updateProgress(func(p *Progress) { p.StartedAt = time.Now() })
	log.Info().
		Str("run_id", t.runID).
		Str("dir", t.dir).
		Int("batches", t.loader.Len()).
		Msg("Start training")

	for epoch := 0; epoch < t.opts.NEpochs; epoch++ {
		epochLoss, err := t.TrainEpoch(ctx)
		if err != nil {
			return err
		}
		t.updateProgress(func(p *Progress) {
			p.Epoch = epoch + 1
			p.Loss = epochLoss
		})

		if (epoch+1)%t.opts.LogInterval != 0 {
			continue
		}
		log.Info().Msgf("[%d/%d], training loss: %.4f", epoch+1, t.opts.NEpochs, epochLoss)
		if err := t.Evaluate(ctx, epoch+1); err != nil {
			return err
		}
		if (epoch+1)%(4*t.opts.LogInterval) == 0 {
			t.evals.Launch(ctx, epoch+1)
		}
	}

	t.updateProgress(func(p *Progress) { p.Done = true })
	return nil
}

// TrainEpoch runs one pass over every batch and returns the mean batch loss.
func (t *Trainer) TrainEpoch(ctx context.Context) (float64, error) {
	ctx, span := tracer.Start(ctx, "TrainEpoch")
	defer span.End()

	var total float64
	for b, batch := range t.loader.All() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l, err := t.step(batch)
		if err != nil {
			return 0, fmt.Errorf("trainer: batch %d: %w", b, err)
		}
		total += l
	}

	mean := total / float64(t.loader.Len())
	epochsTotal.Inc()
	trainingLoss.Set(mean)
	span.SetAttributes(attribute.Float64("loss", mean))
	return mean, nil
}

func (t *Trainer) step(batch dataset.Batch) (float64, error) {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	tape := autograd.NewTape(t.backend)
	defer tape.Release()

	latents, err := t.chainer.Chain(tape, t.store, batch.Indices, latent.TrainBoundary)
	if err != nil {
		return 0, err
	}
	l, err := t.model.Loss(tape, batch, latents)
	if err != nil {
		return 0, err
	}

	t.optimizer.ZeroGrad()
	if l.RequiresGrad() {
		if err := tape.Backward(l); err != nil {
			return 0, err
		}
		t.optimizer.Step()
	}
	return l.Scalar(), nil
}

// Evaluate estimates every pose with the current state and writes the
// checkpoint and pose_est.npy, plus the optional global points, plot and
// publish.
func (t *Trainer) Evaluate(ctx context.Context, epoch int) error {
	ctx, span := tracer.Start(ctx, "Evaluate")
	defer span.End()
	span.SetAttributes(attribute.Int("epoch", epoch))

	start := time.Now()
	defer func() {
		evalDuration.Observe(time.Since(start).Seconds())
	}()

	var (
		poses  []*mat.Dense
		global []*mat.Dense
	)
	for b, batch := range t.loader.All() {
		est, err := t.estimate(batch)
		if err != nil {
			return fmt.Errorf("trainer: evaluating batch %d: %w", b, err)
		}
		poses = append(poses, est.Poses)
		global = append(global, est.Global...)
	}

	poseEst := stackRows(poses)
	if t.initPose != nil {
		composed, err := mapping.CatPose2D(t.initPose, poseEst)
		if err != nil {
			return fmt.Errorf("trainer: %w", err)
		}
		poseEst = composed
	}

	ckPath := filepath.Join(t.dir, checkpoint.FileName)
	if err := t.Save(ctx, ckPath, epoch); err != nil {
		return err
	}
	if err := dataset.WriteArray(filepath.Join(t.dir, PoseFile), poseEst); err != nil {
		return fmt.Errorf("trainer: %w", err)
	}

	if t.opts.SaveGlobal {
		if err := dataset.WriteArray(filepath.Join(t.dir, GlobalFile), stackRows(global)); err != nil {
			return fmt.Errorf("trainer: %w", err)
		}
	}
	if t.opts.Plot {
		file, err := plotGlobalMap(t.dir, epoch, global, poseEst, t.loader.Dataset().ValidPoints())
		if err != nil {
			log.Warn().Err(err).Int("epoch", epoch).Msg("Failed to plot global map")
		} else {
			log.Debug().Str("file", file).Msg("Global map plotted")
		}
	}
	if t.publisher != nil {
		if err := t.publisher.PublishPoses(ctx, epoch, poseEst); err != nil {
			publishFailures.Inc()
			log.Warn().Err(err).Int("epoch", epoch).Msg("Failed to publish poses")
		}
	}

	t.updateProgress(func(p *Progress) {
		p.LastEval = epoch
		p.Checkpoint = ckPath
	})
	return nil
}

func (t *Trainer) estimate(batch dataset.Batch) (mapping.Estimate, error) {
	tape := autograd.NoGrad(t.backend)
	defer tape.Release()

	latents, err := t.chainer.Chain(tape, t.store, batch.Indices, latent.EvalBoundary)
	if err != nil {
		return mapping.Estimate{}, err
	}
	return t.model.Estimate(tape, batch, latents)
}

// Save writes the model, latents and optimizer state to path.
func (t *Trainer) Save(ctx context.Context, path string, epoch int) error {
	_, span := tracer.Start(ctx, "SaveCheckpoint")
	defer span.End()

	ck := &checkpoint.Checkpoint{
		RunID:       t.runID,
		Epoch:       epoch,
		SavedAtUnix: time.Now().Unix(),
		Params:      checkpoint.Snapshot(t.model.Parameters()),
		Latents:     checkpoint.Snapshot(t.store.All()),
		Optimizer:   t.optimizer.State(),
	}
	if err := checkpoint.Save(path, ck); err != nil {
		return err
	}
	checkpointsTotal.Inc()
	log.Debug().Str("path", path).Int("epoch", epoch).Msg("Checkpoint saved")
	return nil
}

// Restore loads a checkpoint written by Save into the model, the latent store
// and the optimizer. Training still starts from epoch 0.
func (t *Trainer) Restore(path string) error {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := checkpoint.Restore(t.model.Parameters(), ck.Params); err != nil {
		return err
	}
	if len(ck.Latents) > 0 {
		if err := checkpoint.Restore(t.store.All(), ck.Latents); err != nil {
			return err
		}
	}
	if err := t.optimizer.LoadState(ck.Optimizer); err != nil {
		return err
	}
	log.Info().
		Str("path", path).
		Str("run_id", ck.RunID).
		Int("epoch", ck.Epoch).
		Msg("Checkpoint restored")
	return nil
}

// stackRows concatenates matrices with the same column count.
func stackRows(ms []*mat.Dense) *mat.Dense {
	rows, cols := 0, 0
	for _, m := range ms {
		r, c := m.Dims()
		rows += r
		cols = c
	}
	if rows == 0 || cols == 0 {
		return &mat.Dense{}
	}
	out := mat.NewDense(rows, cols, nil)
	at := 0
	for _, m := range ms {
		r, _ := m.Dims()
		out.Slice(at, at+r, 0, cols).(*mat.Dense).Copy(m)
		at += r
	}
	return out
}
