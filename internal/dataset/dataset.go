// Package dataset loads a sequence of 2D LiDAR scans and serves them in
// unshuffled batches.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// ValidEpsilon is the magnitude below which a padded coordinate counts as
// empty. A point is valid when any coordinate exceeds it.
const ValidEpsilon = 1e-6

// ScansFile is the single-array alternative to a directory of PCD files.
const ScansFile = "scans.npy"

var ErrNoScans = errors.New("dataset: no scans found")

// Dataset is a fixed-order sequence of scans padded to NObs points each.
type Dataset struct {
	// Scans are NObs×2, already moved by the initial pose when one is given.
	Scans []*mat.Dense
	// Valid marks the real (non-padding) points of each scan.
	Valid [][]bool
	// Centers are the sensor positions in the frame of Scans.
	Centers [][2]float64
	NObs    int
}

// New pads the scans to a common length, computes validity and applies the
// initial pose (S×3 rows of x, y, theta) when initPose is not nil.
func New(scans []*mat.Dense, initPose *mat.Dense) (*Dataset, error) {
	if len(scans) == 0 {
		return nil, ErrNoScans
	}
	if initPose != nil {
		r, c := initPose.Dims()
		if c != 3 || r < len(scans) {
			return nil, fmt.Errorf("dataset: init pose is %dx%d, need at least %dx3", r, c, len(scans))
		}
	}

	nObs := 0
	for _, s := range scans {
		n, _ := s.Dims()
		nObs = max(nObs, n)
	}

	d := &Dataset{
		Scans:   make([]*mat.Dense, len(scans)),
		Valid:   make([][]bool, len(scans)),
		Centers: make([][2]float64, len(scans)),
		NObs:    nObs,
	}
	for k, s := range scans {
		n, _ := s.Dims()
		padded := mat.NewDense(nObs, 2, nil)
		valid := make([]bool, nObs)
		for i := 0; i < n; i++ {
			x, y := s.At(i, 0), s.At(i, 1)
			padded.Set(i, 0, x)
			padded.Set(i, 1, y)
			valid[i] = math.Abs(x) > ValidEpsilon || math.Abs(y) > ValidEpsilon
		}
		if initPose != nil {
			tx, ty, theta := initPose.At(k, 0), initPose.At(k, 1), initPose.At(k, 2)
			TransformPoints(padded, tx, ty, theta)
			d.Centers[k] = [2]float64{tx, ty}
		}
		d.Scans[k] = padded
		d.Valid[k] = valid
	}
	return d, nil
}

// TransformPoints applies the pose (tx, ty, theta) to the N×2 points in place.
func TransformPoints(pts *mat.Dense, tx, ty, theta float64) {
	s, c := math.Sincos(theta)
	n, _ := pts.Dims()
	for i := 0; i < n; i++ {
		x, y := pts.At(i, 0), pts.At(i, 1)
		pts.Set(i, 0, c*x-s*y+tx)
		pts.Set(i, 1, s*x+c*y+ty)
	}
}

// Len is the number of scans.
func (d *Dataset) Len() int { return len(d.Scans) }

// ValidPoints returns the per-scan validity masks.
func (d *Dataset) ValidPoints() [][]bool { return d.Valid }

// Load reads up to instances scans from dir (all of them when instances is
// not positive). Sorted *.pcd files are preferred; otherwise dir must hold
// scans.npy of shape S×N×2 or S×N×3.
func Load(dir string, instances int, initPose *mat.Dense) (*Dataset, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.pcd"))
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	sort.Strings(files)

	var scans []*mat.Dense
	if len(files) > 0 {
		if instances > 0 && len(files) > instances {
			files = files[:instances]
		}
		for _, name := range files {
			pts, err := readPCDFile(name)
			if err != nil {
				return nil, err
			}
			scans = append(scans, pts)
		}
	} else {
		scans, err = ReadScans(filepath.Join(dir, ScansFile))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrNoScans, dir)
		}
		if err != nil {
			return nil, err
		}
		if instances > 0 && len(scans) > instances {
			scans = scans[:instances]
		}
	}

	d, err := New(scans, initPose)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("dir", dir).
		Int("scans", d.Len()).
		Int("n_obs", d.NObs).
		Bool("init_pose", initPose != nil).
		Msg("Dataset loaded")
	return d, nil
}

func readPCDFile(name string) (*mat.Dense, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer f.Close()

	pts, err := ReadPCD(f)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", filepath.Base(name), err)
	}
	return pts, nil
}
