package dataset

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

type pcdHeader struct {
	fields []string
	size   []int
	typ    []string
	count  []int
	points int
	data   string
}

func (h *pcdHeader) fieldOffset(name string) (offset, index int, ok bool) {
	for i, f := range h.fields {
		if f == name {
			return offset, i, true
		}
		offset += h.size[i] * h.count[i]
	}
	return 0, 0, false
}

func (h *pcdHeader) recordSize() int {
	n := 0
	for i := range h.fields {
		n += h.size[i] * h.count[i]
	}
	return n
}

func (h *pcdHeader) validate() error {
	n := len(h.fields)
	if n == 0 {
		return fmt.Errorf("pcd: missing FIELDS")
	}
	if h.count == nil {
		h.count = make([]int, n)
		for i := range h.count {
			h.count[i] = 1
		}
	}
	if len(h.size) != n || len(h.typ) != n || len(h.count) != n {
		return fmt.Errorf("pcd: FIELDS/SIZE/TYPE/COUNT disagree (%d/%d/%d/%d)", n, len(h.size), len(h.typ), len(h.count))
	}
	for _, name := range []string{"x", "y"} {
		_, i, ok := h.fieldOffset(name)
		if !ok {
			return fmt.Errorf("pcd: no %q field", name)
		}
		if h.typ[i] != "F" || (h.size[i] != 4 && h.size[i] != 8) {
			return fmt.Errorf("pcd: field %q must be F4 or F8, got %s%d", name, h.typ[i], h.size[i])
		}
	}
	return nil
}

func parseInts(tokens []string) ([]int, error) {
	out := make([]int, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.Atoi(tok)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func readPCDHeader(in *bufio.Reader) (pcdHeader, error) {
	var h pcdHeader
	for h.data == "" {
		line, err := in.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("pcd: reading header: %w", err)
		}
		line, _, _ = strings.Cut(line, "#")
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		key, vals := tokens[0], tokens[1:]
		switch key {
		case "FIELDS":
			h.fields = vals
		case "SIZE":
			if h.size, err = parseInts(vals); err != nil {
				return h, fmt.Errorf("pcd: invalid SIZE: %w", err)
			}
		case "TYPE":
			h.typ = vals
		case "COUNT":
			if h.count, err = parseInts(vals); err != nil {
				return h, fmt.Errorf("pcd: invalid COUNT: %w", err)
			}
		case "POINTS":
			if len(vals) != 1 {
				return h, fmt.Errorf("pcd: invalid POINTS line %q", line)
			}
			if h.points, err = strconv.Atoi(vals[0]); err != nil {
				return h, fmt.Errorf("pcd: invalid POINTS: %w", err)
			}
		case "DATA":
			if len(vals) != 1 {
				return h, fmt.Errorf("pcd: invalid DATA line %q", line)
			}
			h.data = vals[0]
		}
	}
	return h, h.validate()
}

// ReadPCD reads the x and y columns of an ASCII or binary PCD file into an
// N×2 matrix, keeping point order and duplicates.
func ReadPCD(r io.Reader) (*mat.Dense, error) {
	in := bufio.NewReader(r)
	h, err := readPCDHeader(in)
	if err != nil {
		return nil, err
	}
	if h.points <= 0 {
		return nil, fmt.Errorf("pcd: no points")
	}

	switch h.data {
	case "ascii":
		return readPCDASCII(in, h)
	case "binary":
		return readPCDBinary(in, h)
	default:
		return nil, fmt.Errorf("pcd: unsupported DATA %q", h.data)
	}
}

func readPCDASCII(in *bufio.Reader, h pcdHeader) (*mat.Dense, error) {
	_, xi, _ := h.fieldOffset("x")
	_, yi, _ := h.fieldOffset("y")
	// token position of each field on a line
	pos := make([]int, len(h.fields))
	for i := 1; i < len(pos); i++ {
		pos[i] = pos[i-1] + h.count[i-1]
	}

	out := mat.NewDense(h.points, 2, nil)
	sc := bufio.NewScanner(in)
	row := 0
	for row < h.points && sc.Scan() {
		tokens := strings.Fields(sc.Text())
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) <= pos[xi] || len(tokens) <= pos[yi] {
			return nil, fmt.Errorf("pcd: point %d has %d values", row, len(tokens))
		}
		x, err := strconv.ParseFloat(tokens[pos[xi]], 64)
		if err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", row, err)
		}
		y, err := strconv.ParseFloat(tokens[pos[yi]], 64)
		if err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", row, err)
		}
		out.Set(row, 0, x)
		out.Set(row, 1, y)
		row++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pcd: %w", err)
	}
	if row != h.points {
		return nil, fmt.Errorf("pcd: expected %d points, read %d", h.points, row)
	}
	return out, nil
}

func readPCDBinary(in *bufio.Reader, h pcdHeader) (*mat.Dense, error) {
	xo, xi, _ := h.fieldOffset("x")
	yo, yi, _ := h.fieldOffset("y")
	decode := func(buf []byte, size int) float64 {
		if size == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf))
	}

	out := mat.NewDense(h.points, 2, nil)
	rec := make([]byte, h.recordSize())
	for row := 0; row < h.points; row++ {
		if _, err := io.ReadFull(in, rec); err != nil {
			return nil, fmt.Errorf("pcd: point %d: %w", row, err)
		}
		out.Set(row, 0, decode(rec[xo:], h.size[xi]))
		out.Set(row, 1, decode(rec[yo:], h.size[yi]))
	}
	return out, nil
}

// WritePCD writes an N×2 matrix as an ASCII PCD file with z = 0.
func WritePCD(w io.Writer, pts mat.Matrix) error {
	n, _ := pts.Dims()
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\nFIELDS x y z\nSIZE 8 8 8\nTYPE F F F\nCOUNT 1 1 1\n")
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA ascii\n", n, n)
	for i := 0; i < n; i++ {
		fmt.Fprintf(bw, "%s %s 0\n",
			strconv.FormatFloat(pts.At(i, 0), 'g', -1, 64),
			strconv.FormatFloat(pts.At(i, 1), 'g', -1, 64))
	}
	return bw.Flush()
}
