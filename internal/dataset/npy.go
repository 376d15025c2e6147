package dataset

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// readFloats decodes a little-endian float32 or float64 array of any shape.
// The returned data is always in row-major order.
func readFloats(r io.Reader) ([]float64, []int, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	shape := nr.Header.Descr.Shape
	var data []float64
	switch nr.Header.Descr.Type {
	case "<f8", "f8":
		if err := nr.Read(&data); err != nil {
			return nil, nil, err
		}
	case "<f4", "f4":
		var data32 []float32
		if err := nr.Read(&data32); err != nil {
			return nil, nil, err
		}
		data = make([]float64, len(data32))
		for i, v := range data32 {
			data[i] = float64(v)
		}
	default:
		return nil, nil, fmt.Errorf("unsupported dtype %q", nr.Header.Descr.Type)
	}
	if nr.Header.Descr.Fortran && len(shape) > 1 {
		data = toRowMajor(data, shape)
	}
	return data, shape, nil
}

// toRowMajor reorders column-major data of the given shape.
func toRowMajor(src []float64, shape []int) []float64 {
	dst := make([]float64, len(src))
	idx := make([]int, len(shape))
	for i := range dst {
		// idx is the multi-index of dst[i]; the first axis varies slowest.
		off, stride := 0, 1
		for k, n := range shape {
			off += idx[k] * stride
			stride *= n
		}
		dst[i] = src[off]
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}
	return dst
}

func readFloatsFile(path string) ([]float64, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data, shape, err := readFloats(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return data, shape, nil
}

// LoadPoses reads an S×3 pose array (x, y, theta per row).
func LoadPoses(path string) (*mat.Dense, error) {
	data, shape, err := readFloatsFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: loading poses: %w", err)
	}
	if len(shape) != 2 || shape[1] != 3 {
		return nil, fmt.Errorf("dataset: pose array has shape %v, want Sx3", shape)
	}
	return mat.NewDense(shape[0], 3, data), nil
}

// ReadScans reads an S×N×2 or S×N×3 array and keeps the x and y columns.
func ReadScans(path string) ([]*mat.Dense, error) {
	data, shape, err := readFloatsFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: reading scans: %w", err)
	}
	if len(shape) != 3 || (shape[2] != 2 && shape[2] != 3) || shape[0] == 0 || shape[1] == 0 {
		return nil, fmt.Errorf("dataset: scan array has shape %v, want SxNx2 or SxNx3", shape)
	}

	s, n, k := shape[0], shape[1], shape[2]
	scans := make([]*mat.Dense, s)
	for i := range scans {
		pts := mat.NewDense(n, 2, nil)
		for j := 0; j < n; j++ {
			off := (i*n + j) * k
			pts.Set(j, 0, data[off])
			pts.Set(j, 1, data[off+1])
		}
		scans[i] = pts
	}
	return scans, nil
}

// WriteArray writes m as a 2D float64 .npy file, replacing any existing file.
func WriteArray(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("dataset: writing %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
