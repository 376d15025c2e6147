package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/checkpoint"
	"github.com/23skdu/longbow-deepmap/internal/dataset"
	"github.com/23skdu/longbow-deepmap/internal/device"
	"github.com/23skdu/longbow-deepmap/internal/latent"
	"github.com/23skdu/longbow-deepmap/internal/mapping"
)

// quadModel is a small stand-in for DeepMapping2D: the loss is the mean
// square of latents·p, and Estimate returns zero poses.
type quadModel struct {
	p *autograd.Var

	evalLatents [][]float64
}

func newQuadModel(width int) *quadModel {
	data := make([]float64, width)
	for i := range data {
		data[i] = 0.1 * float64(i+1)
	}
	return &quadModel{p: autograd.NewParam("quad.p", mat.NewDense(width, 1, data))}
}

func (m *quadModel) Parameters() []*autograd.Var { return []*autograd.Var{m.p} }

func (m *quadModel) Loss(t *autograd.Tape, _ dataset.Batch, latents *autograd.Var) (*autograd.Var, error) {
	y := t.MatMul(latents, m.p)
	return t.Mean(t.Mul(y, y)), nil
}

func (m *quadModel) Estimate(_ *autograd.Tape, batch dataset.Batch, latents *autograd.Var) (mapping.Estimate, error) {
	r, _ := latents.Dims()
	for i := 0; i < r; i++ {
		m.evalLatents = append(m.evalLatents, append([]float64(nil), latents.Value.RawRowView(i)...))
	}
	est := mapping.Estimate{Poses: mat.NewDense(batch.Len(), 3, nil)}
	for _, obs := range batch.Obs {
		est.Global = append(est.Global, mat.DenseCopyOf(obs))
	}
	return est, nil
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishPoses(ctx context.Context, epoch int, poses mat.Matrix) error {
	args := m.Called(ctx, epoch, poses)
	return args.Error(0)
}

func ringScan(n int, radius, phase float64) *mat.Dense {
	pts := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		a := phase + 2*math.Pi*float64(i)/float64(n)
		pts.Set(i, 0, radius*math.Cos(a))
		pts.Set(i, 1, radius*math.Sin(a))
	}
	return pts
}

func testScans() []*mat.Dense {
	return []*mat.Dense{
		ringScan(6, 2, 0),
		ringScan(6, 2.2, 0.1),
		ringScan(5, 2.4, 0.2),
		ringScan(6, 2.6, 0.3),
	}
}

func writeScanDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for i, s := range testScans() {
		f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%03d.pcd", i)))
		require.NoError(t, err)
		require.NoError(t, dataset.WritePCD(f, s))
		require.NoError(t, f.Close())
	}
	return dir
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.Name = "run"
	opts.Results = t.TempDir()
	opts.NEpochs = 2
	opts.LogInterval = 1
	opts.BatchSize = 2
	opts.LatentSize = 4
	opts.NSamples = 2
	opts.Instances = 4
	opts.Seed = 7
	opts.EvalScript = ""
	return opts
}

func newQuadTrainer(t *testing.T, opts Options, init *mat.Dense) (*Trainer, *quadModel) {
	t.Helper()
	ds, err := dataset.New(testScans(), init)
	require.NoError(t, err)
	op, err := latent.ParseMergeOp(opts.Op)
	require.NoError(t, err)

	model := newQuadModel(op.Width(opts.LatentSize))
	tr, err := New(opts, Components{
		Backend:  device.NewCPUBackend(),
		Model:    model,
		Store:    latent.NewStore(opts.Instances, opts.LatentSize, rand.NewPCG(3, 4)),
		Loader:   dataset.NewLoader(ds, opts.BatchSize),
		InitPose: init,
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(tr.Dir(), 0o755))
	return tr, model
}

func copyRows(vs []*autograd.Var) [][]float64 {
	out := make([][]float64, len(vs))
	for i, v := range vs {
		out[i] = append([]float64(nil), v.Value.RawRowView(0)...)
	}
	return out
}

func TestBuildAndRun(t *testing.T) {
	opts := testOptions(t)
	opts.DataDir = writeScanDir(t)
	opts.SaveGlobal = true
	opts.Plot = true

	tr, err := Build(opts, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Run(context.Background()))

	dir := tr.Dir()
	for _, name := range []string{
		checkpoint.OptionsFile,
		checkpoint.FileName,
		PoseFile,
		GlobalFile,
		"global_map_e1.png",
		"global_map_e2.png",
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	poses, err := dataset.LoadPoses(filepath.Join(dir, PoseFile))
	require.NoError(t, err)
	r, _ := poses.Dims()
	assert.Equal(t, 4, r)
	for i := 0; i < r; i++ {
		for j := 0; j < 3; j++ {
			assert.False(t, math.IsNaN(poses.At(i, j)))
		}
	}

	ck, err := checkpoint.Load(filepath.Join(dir, checkpoint.FileName))
	require.NoError(t, err)
	assert.Equal(t, 2, ck.Epoch)
	assert.Equal(t, tr.RunID(), ck.RunID)
	assert.Contains(t, ck.Latents, "latent.3")
	assert.Contains(t, ck.Latents, "w")

	p := tr.Progress()
	assert.True(t, p.Done)
	assert.Equal(t, 2, p.Epoch)
	assert.Equal(t, 2, p.LastEval)
	assert.False(t, math.IsNaN(p.Loss))
}

func TestBuild_ResolvesSeed(t *testing.T) {
	opts := testOptions(t)
	opts.DataDir = writeScanDir(t)
	opts.Seed = -1

	tr, err := Build(opts, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tr.Options().Seed, int64(0))
}

func TestBuild_Errors(t *testing.T) {
	t.Run("no data", func(t *testing.T) {
		opts := testOptions(t)
		opts.DataDir = t.TempDir()
		_, err := Build(opts, nil)
		assert.ErrorIs(t, err, dataset.ErrNoScans)
	})

	t.Run("missing checkpoint", func(t *testing.T) {
		opts := testOptions(t)
		opts.DataDir = writeScanDir(t)
		opts.Model = filepath.Join(t.TempDir(), "nope.pth")
		_, err := Build(opts, nil)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestTrainEpoch(t *testing.T) {
	opts := testOptions(t)
	tr, model := newQuadTrainer(t, opts, nil)

	latentsBefore := copyRows(tr.store.Latents())
	wBefore := copyRows([]*autograd.Var{tr.store.W()})
	wrBefore := copyRows([]*autograd.Var{tr.store.WR()})
	pBefore := mat.DenseCopyOf(model.p.Value)

	l, err := tr.TrainEpoch(context.Background())
	require.NoError(t, err)
	assert.Greater(t, l, 0.0)

	assert.NotEqual(t, latentsBefore, copyRows(tr.store.Latents()))
	assert.NotEqual(t, wBefore, copyRows([]*autograd.Var{tr.store.W()}))
	assert.Equal(t, wrBefore, copyRows([]*autograd.Var{tr.store.WR()}), "w_r is not trained in single mode")
	assert.False(t, mat.Equal(pBefore, model.p.Value))
}

func TestTrainEpoch_DoubleModeTrainsWR(t *testing.T) {
	opts := testOptions(t)
	opts.Mode = "double"
	opts.BatchSize = 4
	tr, _ := newQuadTrainer(t, opts, nil)

	wrBefore := copyRows([]*autograd.Var{tr.store.WR()})
	_, err := tr.TrainEpoch(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, wrBefore, copyRows([]*autograd.Var{tr.store.WR()}))
}

func TestTrainEpoch_Cancelled(t *testing.T) {
	tr, _ := newQuadTrainer(t, testOptions(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.TrainEpoch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, tr.Run(ctx), context.Canceled)
}

func TestEvaluate_ChainsLikeTraining(t *testing.T) {
	opts := testOptions(t)
	opts.Mode = "double"
	opts.BatchSize = 4
	tr, model := newQuadTrainer(t, opts, nil)

	require.NoError(t, tr.Evaluate(context.Background(), 1))

	// the eval boundary skips instances-1, which is 3 like batch_size-1 here
	tp := autograd.NoGrad(device.NewCPUBackend())
	defer tp.Release()
	want, err := tr.chainer.Chain(tp, tr.store, []int{0, 1, 2, 3}, latent.TrainBoundary)
	require.NoError(t, err)
	require.Len(t, model.evalLatents, 4)
	for i, got := range model.evalLatents {
		assert.InDeltaSlice(t, want.Value.RawRowView(i), got, 1e-12)
	}
}

func TestEvaluate_ComposesInitPose(t *testing.T) {
	init := mat.NewDense(4, 3, []float64{
		1, 0, 0,
		2, 1, 0.5,
		3, -1, -0.5,
		0, 4, math.Pi / 2,
	})
	opts := testOptions(t)
	tr, _ := newQuadTrainer(t, opts, init)

	require.NoError(t, tr.Evaluate(context.Background(), 3))

	got, err := dataset.LoadPoses(filepath.Join(tr.Dir(), PoseFile))
	require.NoError(t, err)
	// zero estimates compose to the initial poses
	assert.True(t, mat.EqualApprox(init, got, 1e-12), "got %v", mat.Formatted(got))
}

func TestEvaluate_PublishFailureIsNotFatal(t *testing.T) {
	opts := testOptions(t)
	tr, _ := newQuadTrainer(t, opts, nil)

	pub := &mockPublisher{}
	pub.On("PublishPoses", mock.Anything, 5, mock.MatchedBy(func(m mat.Matrix) bool {
		r, c := m.Dims()
		return r == 4 && c == 3
	})).Return(errors.New("unavailable")).Once()
	tr.publisher = pub

	require.NoError(t, tr.Evaluate(context.Background(), 5))
	pub.AssertExpectations(t)
	assert.Equal(t, 5, tr.Progress().LastEval)
}

func TestSaveRestore(t *testing.T) {
	opts := testOptions(t)
	opts.Mode = "double"
	a, modelA := newQuadTrainer(t, opts, nil)
	_, err := a.TrainEpoch(context.Background())
	require.NoError(t, err)

	path := filepath.Join(a.Dir(), checkpoint.FileName)
	require.NoError(t, a.Save(context.Background(), path, 1))

	b, modelB := newQuadTrainer(t, opts, nil)
	require.False(t, mat.Equal(modelA.p.Value, modelB.p.Value))
	require.NoError(t, b.Restore(path))

	assert.True(t, mat.Equal(modelA.p.Value, modelB.p.Value))
	assert.Equal(t, copyRows(a.store.All()), copyRows(b.store.All()))
	if diff := cmp.Diff(a.optimizer.State(), b.optimizer.State()); diff != "" {
		t.Errorf("optimizer state mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_LaunchesEvalScript(t *testing.T) {
	requireCommand(t, "true")
	opts := testOptions(t)
	opts.NEpochs = 4
	opts.EvalScript = "true"
	tr, _ := newQuadTrainer(t, opts, nil)

	require.NoError(t, tr.Run(context.Background()))

	runs := tr.Progress().EvalScript
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].Epoch)
	assert.FileExists(t, filepath.Join(tr.Dir(), checkpoint.OptionsFile))
}

func TestStackRows(t *testing.T) {
	got := stackRows([]*mat.Dense{
		mat.NewDense(1, 2, []float64{1, 2}),
		mat.NewDense(2, 2, []float64{3, 4, 5, 6}),
	})
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got.RawMatrix().Data)

	empty := stackRows(nil)
	r, c := empty.Dims()
	assert.Zero(t, r)
	assert.Zero(t, c)
}
