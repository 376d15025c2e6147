//go:build ignore

package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-deepmap/internal/dataset"
)

type segment struct{ x0, y0, x1, y1 float64 }

// room is a 20x12 box with two pillars.
var room = []segment{
	{-10, -6, 10, -6}, {10, -6, 10, 6}, {10, 6, -10, 6}, {-10, 6, -10, -6},
	{-4, -1, -2, -1}, {-2, -1, -2, 1}, {-2, 1, -4, 1}, {-4, 1, -4, -1},
	{3, 2, 5, 2}, {5, 2, 5, 3}, {5, 3, 3, 3}, {3, 3, 3, 2},
}

// castRay returns the distance to the nearest wall along (dx, dy).
func castRay(px, py, dx, dy float64) (float64, bool) {
	best, hit := math.Inf(1), false
	for _, s := range room {
		ex, ey := s.x1-s.x0, s.y1-s.y0
		den := dx*ey - dy*ex
		if math.Abs(den) < 1e-12 {
			continue
		}
		wx, wy := s.x0-px, s.y0-py
		t := (wx*ey - wy*ex) / den
		u := (wx*dy - wy*dx) / den
		if t > 0 && u >= 0 && u <= 1 && t < best {
			best, hit = t, true
		}
	}
	return best, hit
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	out := flag.String("out", "../data/2D/room", "Output directory")
	scans := flag.Int("scans", 256, "Number of scans")
	beams := flag.Int("beams", 256, "Beams per scan")
	maxRange := flag.Float64("range", 8, "Sensor range; beams beyond it are invalid")
	noise := flag.Float64("noise", 0.01, "Range noise std dev")
	initNoise := flag.Float64("init_noise", 0.1, "Std dev of the perturbed init poses")
	seed := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewPCG(*seed, 0))
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}

	gt := mat.NewDense(*scans, 3, nil)
	initPose := mat.NewDense(*scans, 3, nil)
	for k := 0; k < *scans; k++ {
		// ellipse around the room
		a := 2 * math.Pi * float64(k) / float64(*scans)
		x, y := 6*math.Cos(a), 3.5*math.Sin(a)
		theta := a + math.Pi/2
		gt.SetRow(k, []float64{x, y, theta})
		initPose.SetRow(k, []float64{
			x + rng.NormFloat64()*(*initNoise),
			y + rng.NormFloat64()*(*initNoise),
			theta + rng.NormFloat64()*(*initNoise)/5,
		})

		pts := mat.NewDense(*beams, 2, nil)
		s, c := math.Sincos(theta)
		for b := 0; b < *beams; b++ {
			phi := 2 * math.Pi * float64(b) / float64(*beams)
			dx, dy := math.Cos(theta+phi), math.Sin(theta+phi)
			d, ok := castRay(x, y, dx, dy)
			if !ok || d > *maxRange {
				continue // stays (0, 0)
			}
			d += rng.NormFloat64() * (*noise)
			gx, gy := d*dx, d*dy
			// into the sensor frame
			pts.Set(b, 0, c*gx+s*gy)
			pts.Set(b, 1, -s*gx+c*gy)
		}

		name := filepath.Join(*out, fmt.Sprintf("%05d.pcd", k))
		f, err := os.Create(name)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create scan file")
		}
		if err := dataset.WritePCD(f, pts); err != nil {
			log.Fatal().Err(err).Str("file", name).Msg("Failed to write scan")
		}
		if err := f.Close(); err != nil {
			log.Fatal().Err(err).Msg("Failed to close scan file")
		}
	}

	if err := dataset.WriteArray(filepath.Join(*out, "gt_pose.npy"), gt); err != nil {
		log.Fatal().Err(err).Msg("Failed to write ground truth")
	}
	if err := dataset.WriteArray(filepath.Join(*out, "init_pose.npy"), initPose); err != nil {
		log.Fatal().Err(err).Msg("Failed to write init poses")
	}
	log.Info().Str("dir", *out).Int("scans", *scans).Int("beams", *beams).Msg("Scans generated")
}
