//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"sort"

	"github.com/23skdu/longbow-deepmap/internal/checkpoint"
)

// TensorDump holds the summary of a saved tensor for verification
type TensorDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float64 `json:"first_few"`
	LastFew  []float64 `json:"last_few"`
	Sum      float64   `json:"sum"`
	AdamStep int       `json:"adam_step,omitempty"`
}

type Dump struct {
	RunID   string       `json:"run_id"`
	Epoch   int          `json:"epoch"`
	Params  []TensorDump `json:"params"`
	Latents []TensorDump `json:"latents,omitempty"`
}

func main() {
	path := flag.String("model", "model_best.pth", "Path to checkpoint")
	latents := flag.Bool("latents", false, "Include latent codes")
	flag.Parse()

	ck, err := checkpoint.Load(*path)
	if err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}

	dump := func(set map[string]checkpoint.Tensor) []TensorDump {
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		sort.Strings(names)

		out := make([]TensorDump, 0, len(names))
		for _, name := range names {
			t := set[name]
			td := TensorDump{Name: name, Rows: t.Rows, Cols: t.Cols}
			if n := len(t.Data); n > 0 {
				count := min(5, n)
				td.FirstFew = t.Data[:count]
				td.LastFew = t.Data[n-count:]
				for _, v := range t.Data {
					td.Sum += v
				}
			}
			if m, ok := ck.Optimizer.Moments[name]; ok {
				td.AdamStep = m.Step
			}
			out = append(out, td)
		}
		return out
	}

	d := Dump{RunID: ck.RunID, Epoch: ck.Epoch, Params: dump(ck.Params)}
	if *latents {
		d.Latents = dump(ck.Latents)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		log.Fatalf("Failed to encode dump: %v", err)
	}
}
