package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func TestBatchNorm2d_TrainingNormalizes(t *testing.T) {
	layer, err := NewBatchNorm2d(2, 1e-5, 0.1)
	require.NoError(t, err)
	require.True(t, layer.Training())

	data := make([]float32, 2*2*3*3)
	for i := range data {
		data[i] = float32(i)*0.25 - 2
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, 2, 3, 3})
	require.NoError(t, err)

	out, err := layer.Forward(x)
	require.NoError(t, err)
	require.True(t, out.Shape().Equal(x.Shape()))

	// Fresh layer has identity affine parameters, so the training output is
	// standardized per channel.
	outData := out.AsFloat32()
	spatial := 9
	for c := 0; c < 2; c++ {
		var sum float64
		for nb := 0; nb < 2; nb++ {
			base := (nb*2 + c) * spatial
			for i := 0; i < spatial; i++ {
				sum += float64(outData[base+i])
			}
		}
		mean := sum / 18
		assert.InDelta(t, 0, mean, 1e-5, "channel %d mean", c)

		var varSum float64
		for nb := 0; nb < 2; nb++ {
			base := (nb*2 + c) * spatial
			for i := 0; i < spatial; i++ {
				d := float64(outData[base+i]) - mean
				varSum += d * d
			}
		}
		assert.InDelta(t, 1, varSum/18, 1e-3, "channel %d variance", c)
	}

	// Running stats moved away from their init values.
	assert.NotEqual(t, float32(0), layer.RunningMean.AsFloat32()[0])
	assert.NotEqual(t, float32(1), layer.RunningVar.AsFloat32()[0])
}

func TestBatchNorm2d_EvalUsesRunningStats(t *testing.T) {
	layer, err := NewBatchNorm2d(2, 1e-5, 0.1)
	require.NoError(t, err)

	data := make([]float32, 2*2*2*2)
	for i := range data {
		data[i] = float32(i % 5)
	}
	x, err := tensor.FromSlice(data, tensor.Shape{2, 2, 2, 2})
	require.NoError(t, err)

	// Train once to populate the running stats, then freeze.
	_, err = layer.Forward(x)
	require.NoError(t, err)
	layer.Eval()
	require.False(t, layer.Training())

	rmBefore := append([]float32(nil), layer.RunningMean.AsFloat32()...)
	rvBefore := append([]float32(nil), layer.RunningVar.AsFloat32()...)

	out, err := layer.Forward(x)
	require.NoError(t, err)

	// Eval mode mutates nothing.
	assert.Equal(t, rmBefore, layer.RunningMean.AsFloat32())
	assert.Equal(t, rvBefore, layer.RunningVar.AsFloat32())

	// And applies exactly (x - rm) / sqrt(rv + eps).
	outData := out.AsFloat32()
	spatial := 4
	for nb := 0; nb < 2; nb++ {
		for c := 0; c < 2; c++ {
			invstd := 1 / math.Sqrt(float64(rvBefore[c])+1e-5)
			base := (nb*2 + c) * spatial
			for i := 0; i < spatial; i++ {
				want := (float64(data[base+i]) - float64(rmBefore[c])) * invstd
				assert.InDelta(t, want, float64(outData[base+i]), 1e-4)
			}
		}
	}
}

func TestBatchNorm1d_RankValidation(t *testing.T) {
	layer, err := NewBatchNorm1d(3, 1e-5, 0.1)
	require.NoError(t, err)

	// (N, C) and (N, C, L) are accepted.
	x2, err := tensor.Zeros[float32](tensor.Shape{4, 3})
	require.NoError(t, err)
	_, err = layer.Forward(x2)
	require.NoError(t, err)

	x3, err := tensor.Zeros[float32](tensor.Shape{4, 3, 5})
	require.NoError(t, err)
	_, err = layer.Forward(x3)
	require.NoError(t, err)

	// (N, C, H, W) is not.
	x4, err := tensor.Zeros[float32](tensor.Shape{4, 3, 5, 5})
	require.NoError(t, err)
	_, err = layer.Forward(x4)
	require.Error(t, err)

	// Channel mismatch.
	bad, err := tensor.Zeros[float32](tensor.Shape{4, 2})
	require.NoError(t, err)
	_, err = layer.Forward(bad)
	require.Error(t, err)
}

func TestNewBatchNorm_InvalidFeatures(t *testing.T) {
	_, err := NewBatchNorm1d(0, 1e-5, 0.1)
	require.Error(t, err)
}

func TestMaxNorm_CapsRowNorms(t *testing.T) {
	constraint := NewMaxNorm(1)

	param, err := tensor.FromSlice([]float32{3, 4, 0.3, 0.4}, tensor.Shape{2, 2})
	require.NoError(t, err)

	require.NoError(t, constraint.Apply(param))

	data := param.AsFloat32()
	// Row 0 had norm 5, now scaled onto the bound.
	norm0 := math.Hypot(float64(data[0]), float64(data[1]))
	assert.InDelta(t, 1, norm0, 1e-3)
	// Row 1 was under the bound and stays untouched.
	assert.Equal(t, float32(0.3), data[2])
	assert.Equal(t, float32(0.4), data[3])
}

func TestMaxNorm_RejectsNonContiguous(t *testing.T) {
	constraint := NewMaxNorm(1)
	param, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	require.NoError(t, err)

	err = constraint.Apply(param.Permute(1, 0))
	require.Error(t, err)
}
