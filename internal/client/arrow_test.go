package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPoseRecordBuilder(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewPoseRecordBuilder(pool)

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.Build(0, &mat.Dense{})
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Wrong width", func(t *testing.T) {
		_, err := builder.Build(0, mat.NewDense(2, 2, nil))
		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		poses := mat.NewDense(2, 3, []float64{
			1, 2, 0.5,
			-3, 4, -0.25,
		})
		rb, err := builder.Build(7, poses)
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		assert.True(t, rb.Schema().Equal(PoseSchema))
		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(5), rb.NumCols())

		index := rb.Column(0).(*array.Int32)
		assert.Equal(t, []int32{0, 1}, index.Int32Values())
		assert.Equal(t, []float64{1, -3}, rb.Column(1).(*array.Float64).Float64Values())
		assert.Equal(t, []float64{2, 4}, rb.Column(2).(*array.Float64).Float64Values())
		assert.Equal(t, []float64{0.5, -0.25}, rb.Column(3).(*array.Float64).Float64Values())
		assert.Equal(t, []int32{7, 7}, rb.Column(4).(*array.Int32).Int32Values())
	})
}
