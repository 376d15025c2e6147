package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"
)

// PoseSchema is the layout of published pose records.
var PoseSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "index", Type: arrow.PrimitiveTypes.Int32},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
		{Name: "theta", Type: arrow.PrimitiveTypes.Float64},
		{Name: "epoch", Type: arrow.PrimitiveTypes.Int32},
	},
	nil,
)

// PoseRecordBuilder turns pose estimates into Arrow record batches.
type PoseRecordBuilder struct {
	mem memory.Allocator
}

func NewPoseRecordBuilder(mem memory.Allocator) *PoseRecordBuilder {
	return &PoseRecordBuilder{mem: mem}
}

// Build converts S×3 poses (x, y, theta) into one row per scan. It returns
// nil for an empty pose set.
func (b *PoseRecordBuilder) Build(epoch int, poses mat.Matrix) (arrow.RecordBatch, error) {
	rows, cols := poses.Dims()
	if rows == 0 {
		return nil, nil
	}
	if cols != 3 {
		return nil, fmt.Errorf("client: poses have %d columns, want 3", cols)
	}

	index := array.NewInt32Builder(b.mem)
	defer index.Release()
	x := array.NewFloat64Builder(b.mem)
	defer x.Release()
	y := array.NewFloat64Builder(b.mem)
	defer y.Release()
	theta := array.NewFloat64Builder(b.mem)
	defer theta.Release()
	ep := array.NewInt32Builder(b.mem)
	defer ep.Release()

	for i := 0; i < rows; i++ {
		index.Append(int32(i))
		x.Append(poses.At(i, 0))
		y.Append(poses.At(i, 1))
		theta.Append(poses.At(i, 2))
		ep.Append(int32(epoch))
	}

	arrs := []arrow.Array{index.NewArray(), x.NewArray(), y.NewArray(), theta.NewArray(), ep.NewArray()}
	defer func() {
		for _, a := range arrs {
			a.Release()
		}
	}()
	return array.NewRecordBatch(PoseSchema, arrs, int64(rows)), nil
}
