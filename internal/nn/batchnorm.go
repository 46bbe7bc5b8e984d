// Package nn provides layer modules built on the normalization core:
// BatchNorm1d/BatchNorm2d layers owning their affine parameters and running
// statistics, and a MaxNorm weight constraint.
package nn

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/norm"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// BatchNorm applies Batch Normalization over a channel dimension.
//
// Formula: Y = weight * (X - mean) / sqrt(var + eps) + bias
//
// Where mean and var are per-channel batch statistics in training mode, or
// the tracked running statistics in eval mode. The layer owns its weight,
// bias and running statistics; running statistics are updated in place on
// every training-mode Forward call.
//
// Use NewBatchNorm1d for (N, C) or (N, C, L) inputs and NewBatchNorm2d for
// (N, C, H, W) inputs.
type BatchNorm struct {
	Weight      *tensor.RawTensor // learnable scale [C]
	Bias        *tensor.RawTensor // learnable shift [C]
	RunningMean *tensor.RawTensor // EMA of batch means [C]
	RunningVar  *tensor.RawTensor // EMA of unbiased batch variances [C]

	Momentum float64
	Epsilon  float64

	numFeatures    int
	minRank        int
	maxRank        int
	training       bool
	backendEnabled bool
}

// NewBatchNorm1d creates a batch-norm layer for (N, C) or (N, C, L) inputs.
// Weight starts at ones, bias at zeros, running mean at zeros and running
// var at ones, matching the identity transform before any training step.
func NewBatchNorm1d(numFeatures int, epsilon, momentum float64) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, epsilon, momentum, 2, 3)
}

// NewBatchNorm2d creates a batch-norm layer for (N, C, H, W) inputs.
func NewBatchNorm2d(numFeatures int, epsilon, momentum float64) (*BatchNorm, error) {
	return newBatchNorm(numFeatures, epsilon, momentum, 4, 4)
}

func newBatchNorm(numFeatures int, epsilon, momentum float64, minRank, maxRank int) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("batch norm layer: numFeatures must be positive, got %d", numFeatures)
	}
	shape := tensor.Shape{numFeatures}
	weight, err := tensor.Ones[float32](shape)
	if err != nil {
		return nil, err
	}
	bias, err := tensor.Zeros[float32](shape)
	if err != nil {
		return nil, err
	}
	runningMean, err := tensor.Zeros[float32](shape)
	if err != nil {
		return nil, err
	}
	runningVar, err := tensor.Ones[float32](shape)
	if err != nil {
		return nil, err
	}
	return &BatchNorm{
		Weight:         weight,
		Bias:           bias,
		RunningMean:    runningMean,
		RunningVar:     runningVar,
		Momentum:       momentum,
		Epsilon:        epsilon,
		numFeatures:    numFeatures,
		minRank:        minRank,
		maxRank:        maxRank,
		training:       true,
		backendEnabled: true,
	}, nil
}

// Train puts the layer in training mode: Forward computes batch statistics
// and updates the running statistics.
func (l *BatchNorm) Train() { l.training = true }

// Eval puts the layer in evaluation mode: Forward normalizes with the
// tracked running statistics and mutates nothing.
func (l *BatchNorm) Eval() { l.training = false }

// Training reports whether the layer is in training mode.
func (l *BatchNorm) Training() bool { return l.training }

// SetBackendEnabled toggles accelerated backends for this layer's calls.
func (l *BatchNorm) SetBackendEnabled(enabled bool) { l.backendEnabled = enabled }

// Forward normalizes x per channel and returns a tensor of the same shape.
func (l *BatchNorm) Forward(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	rank := len(x.Shape())
	if rank < l.minRank || rank > l.maxRank {
		return nil, fmt.Errorf("batch norm layer: expected rank %d to %d, got %d",
			l.minRank, l.maxRank, rank)
	}
	if x.Shape()[1] != l.numFeatures {
		return nil, fmt.Errorf("batch norm layer: expected %d channels, got %d",
			l.numFeatures, x.Shape()[1])
	}
	return norm.BatchNorm(x, l.Weight, l.Bias, l.RunningMean, l.RunningVar,
		l.training, l.Momentum, l.Epsilon, l.backendEnabled)
}
