package main

import (
	"flag"
	"io"

	"github.com/23skdu/longbow-deepmap/internal/trainer"
)

// parseOptions reads the command line into trainer options. Flags that have
// a one-letter form accept both spellings.
func parseOptions(args []string, output io.Writer) (trainer.Options, error) {
	o := trainer.DefaultOptions()
	fs := flag.NewFlagSet("deepmap", flag.ContinueOnError)
	fs.SetOutput(output)

	stringVar := func(p *string, name, short, usage string) {
		fs.StringVar(p, name, *p, usage)
		if short != "" {
			fs.StringVar(p, short, *p, usage+" (shorthand)")
		}
	}
	intVar := func(p *int, name, short, usage string) {
		fs.IntVar(p, name, *p, usage)
		if short != "" {
			fs.IntVar(p, short, *p, usage+" (shorthand)")
		}
	}

	stringVar(&o.Name, "name", "", "experiment name")
	intVar(&o.NEpochs, "n_epochs", "e", "number of epochs")
	intVar(&o.BatchSize, "batch_size", "b", "batch_size")
	stringVar(&o.Loss, "loss", "l", "loss function (bce, bce_ch, ch)")
	intVar(&o.NSamples, "n_samples", "n", "number of sampled unoccupied points along rays")
	fs.Float64Var(&o.LR, "lr", o.LR, "learning rate")
	stringVar(&o.DataDir, "data_dir", "d", "dataset path")
	stringVar(&o.Model, "model", "m", "pretrained model checkpoint")
	stringVar(&o.Init, "init", "i", "init pose (.npy, Sx3)")
	intVar(&o.LogInterval, "log_interval", "", "logging interval of saving results")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "random start seed (-1 picks one)")
	fs.Int64Var(&o.Seed, "s", o.Seed, "random start seed (shorthand)")
	intVar(&o.ConvSize, "conv_size", "k", "convsize of latent vector (unused)")
	intVar(&o.LatentSize, "latent_size", "", "latent size of latent vector")
	stringVar(&o.Mode, "mode", "", "mode of latent gen (double enables the reverse pass)")
	stringVar(&o.Op, "op", "", "operation on forward and reverse latent (add, cat, maxpool)")
	stringVar(&o.GPU, "gpu", "g", "gpu index")

	stringVar(&o.Results, "results", "", "results root directory")
	intVar(&o.Instances, "instances", "", "number of scans and latent codes")
	stringVar(&o.EvalScript, "eval_script", "", "script run every 4 logging intervals (empty disables)")
	fs.BoolVar(&o.SaveGlobal, "save_global", o.SaveGlobal, "write obs_global_est.npy at every evaluation")
	fs.BoolVar(&o.Plot, "plot", o.Plot, "write global_map_e<epoch>.png at every evaluation")
	stringVar(&o.Listen, "listen", "", "address for the status HTTP server (e.g. :8080)")
	fs.BoolVar(&o.OTel, "otel", o.OTel, "Enable OpenTelemetry tracing (stdout)")
	stringVar(&o.CPUProfile, "cpuprofile", "", "Write cpu profile to file")
	stringVar(&o.Flight, "flight", "", "Longbow Flight server address for pose publishing")
	stringVar(&o.FlightDataset, "flight_dataset", "", "target dataset name on the Flight server")
	stringVar(&o.LogLevel, "log_level", "", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return trainer.Options{}, err
	}
	if err := o.Validate(); err != nil {
		return trainer.Options{}, err
	}
	return o, nil
}
