package checkpoint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/optim"
)

func params() []*autograd.Var {
	return []*autograd.Var{
		autograd.NewParam("loc.0.weight", mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})),
		autograd.NewParam("loc.0.bias", mat.NewDense(1, 3, []float64{-1, 0, 1})),
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := params()
	saved := Snapshot(src)
	assert.Equal(t, Tensor{Rows: 2, Cols: 3, Data: []float64{1, 2, 3, 4, 5, 6}}, saved["loc.0.weight"])

	dst := []*autograd.Var{
		autograd.NewParam("loc.0.weight", mat.NewDense(2, 3, nil)),
		autograd.NewParam("loc.0.bias", mat.NewDense(1, 3, nil)),
	}
	require.NoError(t, Restore(dst, saved))
	for i := range src {
		assert.True(t, mat.Equal(src[i].Value, dst[i].Value), src[i].Name)
	}

	// snapshots are copies
	src[0].Value.Set(0, 0, 100)
	assert.Equal(t, 1.0, saved["loc.0.weight"].Data[0])
}

func TestRestore_Errors(t *testing.T) {
	saved := Snapshot(params())

	wrong := []*autograd.Var{autograd.NewParam("loc.0.weight", mat.NewDense(3, 2, nil))}
	assert.ErrorIs(t, Restore(wrong, saved), ErrShapeMismatch)

	missing := []*autograd.Var{autograd.NewParam("occ.0.weight", mat.NewDense(1, 1, nil))}
	err := Restore(missing, saved)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrShapeMismatch)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	ck := &Checkpoint{
		RunID:       "0d9c6a5e-1111-4a4a-8b8b-123456789abc",
		Epoch:       40,
		SavedAtUnix: 1700000000,
		Params:      Snapshot(params()),
		Latents: map[string]Tensor{
			"latent.0": {Rows: 1, Cols: 2, Data: []float64{0.5, -0.5}},
			"w":        {Rows: 1, Cols: 2, Data: []float64{1, 1}},
		},
		Optimizer: optim.State{Moments: map[string]optim.Moment{
			"w": {Step: 3, Rows: 1, Cols: 2, M: []float64{0.1, 0.2}, V: []float64{0.01, 0.04}},
		}},
	}
	require.NoError(t, Save(path, ck))
	assert.Equal(t, Version, ck.Version)

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(ck, got); diff != "" {
		t.Errorf("checkpoint round trip (-want +got):\n%s", diff)
	}

	// overwriting leaves no temp files behind
	ck.Epoch = 50
	require.NoError(t, Save(path, ck))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.pth"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	garbage := filepath.Join(dir, "garbage.pth")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0x00, 0x13}, 0o644))
	_, err = Load(garbage)
	assert.Error(t, err)

	future := filepath.Join(dir, "future.pth")
	data, err := cbor.Marshal(Checkpoint{Version: Version + 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(future, data, 0o644))
	_, err = Load(future)
	assert.ErrorContains(t, err, "unsupported version")
}

func TestSaveOptions(t *testing.T) {
	dir := t.TempDir()
	opts := struct {
		Name      string  `json:"name"`
		BatchSize int     `json:"batch_size"`
		LR        float64 `json:"lr"`
		Seed      uint64  `json:"seed"`
		Init      *string `json:"init"`
	}{Name: "run", BatchSize: 32, LR: 0.001, Seed: 18446744073709551615}

	require.NoError(t, SaveOptions(dir, opts))
	raw, err := os.ReadFile(filepath.Join(dir, OptionsFile))
	require.NoError(t, err)

	want := strings.Join([]string{
		"{",
		`    "batch_size": 32,`,
		`    "init": null,`,
		`    "lr": 0.001,`,
		`    "name": "run",`,
		`    "seed": 18446744073709551615`,
		"}",
		"",
	}, "\n")
	assert.Equal(t, want, string(raw))

	assert.Error(t, SaveOptions(dir, []int{1, 2}))
}
