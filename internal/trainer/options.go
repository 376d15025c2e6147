package trainer

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/23skdu/longbow-deepmap/internal/latent"
	"github.com/23skdu/longbow-deepmap/internal/loss"
)

var ErrInvalidOptions = errors.New("trainer: invalid options")

// Options is the full run configuration. It is written to opt.json as is, so
// the json names follow the command line flags.
type Options struct {
	Name        string  `json:"name"`
	NEpochs     int     `json:"n_epochs"`
	BatchSize   int     `json:"batch_size"`
	Loss        string  `json:"loss"`
	NSamples    int     `json:"n_samples"`
	LR          float64 `json:"lr"`
	DataDir     string  `json:"data_dir"`
	Model       string  `json:"model"`
	Init        string  `json:"init"`
	LogInterval int     `json:"log_interval"`
	Seed        int64   `json:"seed"`
	// ConvSize is recorded but not used by any model.
	ConvSize   int    `json:"conv_size"`
	LatentSize int    `json:"latent_size"`
	Mode       string `json:"mode"`
	Op         string `json:"op"`
	GPU        string `json:"gpu"`

	Results       string `json:"results"`
	Instances     int    `json:"instances"`
	EvalScript    string `json:"eval_script"`
	SaveGlobal    bool   `json:"save_global"`
	Plot          bool   `json:"plot"`
	Listen        string `json:"listen"`
	OTel          bool   `json:"otel"`
	CPUProfile    string `json:"cpuprofile"`
	Flight        string `json:"flight"`
	FlightDataset string `json:"flight_dataset"`
	LogLevel      string `json:"log_level"`
}

// DefaultOptions returns the command line defaults. Seed -1 means a random
// seed is drawn at startup.
func DefaultOptions() Options {
	return Options{
		Name:          "test",
		NEpochs:       1000,
		BatchSize:     32,
		Loss:          string(loss.BCECh),
		NSamples:      19,
		LR:            0.001,
		DataDir:       "../data/2D/",
		LogInterval:   10,
		Seed:          -1,
		LatentSize:    64,
		Mode:          "maxpool",
		Op:            "add",
		GPU:           "1",
		Results:       "../results/2D",
		Instances:     256,
		EvalScript:    "./run_eval_2D.sh",
		FlightDataset: "deepmap_poses",
		LogLevel:      "info",
	}
}

// Validate rejects values the trainer cannot run with.
func (o Options) Validate() error {
	switch {
	case o.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidOptions)
	case o.NEpochs <= 0:
		return fmt.Errorf("%w: n_epochs must be positive, got %d", ErrInvalidOptions, o.NEpochs)
	case o.BatchSize <= 0:
		return fmt.Errorf("%w: batch_size must be positive, got %d", ErrInvalidOptions, o.BatchSize)
	case o.LogInterval <= 0:
		return fmt.Errorf("%w: log_interval must be positive, got %d", ErrInvalidOptions, o.LogInterval)
	case o.LatentSize <= 0:
		return fmt.Errorf("%w: latent_size must be positive, got %d", ErrInvalidOptions, o.LatentSize)
	case o.NSamples < 0:
		return fmt.Errorf("%w: n_samples must not be negative, got %d", ErrInvalidOptions, o.NSamples)
	case o.LR <= 0:
		return fmt.Errorf("%w: lr must be positive, got %g", ErrInvalidOptions, o.LR)
	case o.Instances <= 0:
		return fmt.Errorf("%w: instances must be positive, got %d", ErrInvalidOptions, o.Instances)
	}
	if _, err := loss.Lookup(o.Loss); err != nil {
		return err
	}
	if _, err := latent.ParseMergeOp(o.Op); err != nil {
		return err
	}
	return nil
}

// CheckpointDir is where the run writes its results.
func (o Options) CheckpointDir() string {
	return filepath.Join(o.Results, o.Name)
}
