// Package checkpoint persists training state (model parameters, latent
// codes, optimizer moments) and the run's options record.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-deepmap/internal/autograd"
	"github.com/23skdu/longbow-deepmap/internal/optim"
)

const (
	// FileName is rewritten every time results are logged.
	FileName    = "model_best.pth"
	OptionsFile = "opt.json"
	Version     = 1
)

var ErrShapeMismatch = errors.New("checkpoint: shape mismatch")

// Tensor is a row-major matrix.
type Tensor struct {
	Rows int       `cbor:"rows"`
	Cols int       `cbor:"cols"`
	Data []float64 `cbor:"data"`
}

// Checkpoint is the on-disk training state.
type Checkpoint struct {
	Version     int               `cbor:"version"`
	RunID       string            `cbor:"run_id"`
	Epoch       int               `cbor:"epoch"`
	SavedAtUnix int64             `cbor:"saved_at"`
	Params      map[string]Tensor `cbor:"params"`
	Latents     map[string]Tensor `cbor:"latents"`
	Optimizer   optim.State       `cbor:"optimizer"`
}

// Snapshot copies the values of params keyed by name.
func Snapshot(params []*autograd.Var) map[string]Tensor {
	out := make(map[string]Tensor, len(params))
	for _, p := range params {
		r, c := p.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		out[p.Name] = Tensor{Rows: r, Cols: c, Data: data}
	}
	return out
}

// Restore copies saved values into params. Every parameter must be present
// with the same shape; extra saved entries are ignored.
func Restore(params []*autograd.Var, saved map[string]Tensor) error {
	for _, p := range params {
		t, ok := saved[p.Name]
		if !ok {
			return fmt.Errorf("checkpoint: no saved value for %q", p.Name)
		}
		if err := loadDense(p, t); err != nil {
			return err
		}
	}
	return nil
}

func loadDense(p *autograd.Var, t Tensor) error {
	r, c := p.Dims()
	if t.Rows != r || t.Cols != c || len(t.Data) != r*c {
		return fmt.Errorf("%w: %q saved as %dx%d (%d values), parameter is %dx%d",
			ErrShapeMismatch, p.Name, t.Rows, t.Cols, len(t.Data), r, c)
	}
	for i := 0; i < r; i++ {
		copy(p.Value.RawRowView(i), t.Data[i*c:(i+1)*c])
	}
	return nil
}

// Save writes ck to path through a temporary file so readers never see a
// partial checkpoint.
func Save(path string, ck *Checkpoint) error {
	if ck.Version == 0 {
		ck.Version = Version
	}
	data, err := cbor.Marshal(ck)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding: %w", err)
	}
	return writeAtomic(path, data)
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	var ck Checkpoint
	if err := cbor.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding %s: %w", filepath.Base(path), err)
	}
	if ck.Version != Version {
		return nil, fmt.Errorf("checkpoint: unsupported version %d", ck.Version)
	}
	return &ck, nil
}

// SaveOptions writes opts to dir/opt.json with sorted keys and a four space
// indent.
func SaveOptions(dir string, opts any) error {
	raw, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("checkpoint: encoding options: %w", err)
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("checkpoint: options must encode as an object: %w", err)
	}
	out, err := json.MarshalIndent(fields, "", "    ")
	if err != nil {
		return fmt.Errorf("checkpoint: encoding options: %w", err)
	}
	return writeAtomic(filepath.Join(dir, OptionsFile), append(out, '\n'))
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}
