// Copyright 2025 The Kiln Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package norm provides the public API for kiln's normalization operators:
// batch normalization with the backend-selection protocol, instance
// normalization, running-statistic updates, and max-norm renormalization.
//
// Example:
//
//	out, err := norm.BatchNorm(x, weight, bias, runningMean, runningVar,
//	    true /* training */, 0.1, 1e-5, true)
package norm

import (
	"github.com/kiln-ml/kiln/internal/norm"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Impl identifies which backend implementation produced a forward result.
// The value must be threaded unchanged to the paired backward call.
type Impl = norm.Impl

// Implementation indices.
const (
	ImplNative Impl = norm.ImplNative
	ImplWebGPU Impl = norm.ImplWebGPU
	ImplBLAS   Impl = norm.ImplBLAS
)

// Validation errors, usable with errors.Is.
var (
	ErrRankTooSmall        = norm.ErrRankTooSmall
	ErrChannelMismatch     = norm.ErrChannelMismatch
	ErrMissingRunningStats = norm.ErrMissingRunningStats
	ErrNonPositivePower    = norm.ErrNonPositivePower
	ErrNegativeMaxNorm     = norm.ErrNegativeMaxNorm
	ErrDimOutOfRange       = norm.ErrDimOutOfRange
	ErrMissingStats        = norm.ErrMissingStats
)

// BatchNorm normalizes input per channel. See the internal package for the
// full contract; weight, bias, runningMean and runningVar may be nil.
func BatchNorm(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64, backendEnabled bool,
) (*tensor.RawTensor, error) {
	return norm.BatchNorm(input, weight, bias, runningMean, runningVar,
		training, momentum, eps, backendEnabled)
}

// BatchNormForwardWithBackend runs the forward pass and returns the saved
// statistics, the opaque reserve buffer and the implementation index
// required by BatchNormBackward.
func BatchNormForwardWithBackend(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64, backendEnabled bool,
) (output, saveMean, saveInvstd *tensor.RawTensor, reserve []byte, impl Impl, err error) {
	return norm.BatchNormForwardWithBackend(input, weight, bias, runningMean, runningVar,
		training, momentum, eps, backendEnabled)
}

// BatchNormBackward computes the gradients selected by outputMask.
func BatchNormBackward(
	impl Impl,
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	training bool, eps float64, outputMask [3]bool, reserve []byte,
) (gradInput, gradWeight, gradBias *tensor.RawTensor, err error) {
	return norm.BatchNormBackward(impl, gradOut, input, weight, runningMean, runningVar,
		saveMean, saveInvstd, training, eps, outputMask, reserve)
}

// BatchNormUpdateStats computes batch statistics and updates the running
// statistics in place.
func BatchNormUpdateStats(
	input *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	momentum float64,
) (batchMean, batchVar *tensor.RawTensor, err error) {
	return norm.BatchNormUpdateStats(input, runningMean, runningVar, momentum)
}

// InstanceNorm normalizes each sample's channels independently.
func InstanceNorm(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	useInputStats bool, momentum, eps float64, backendEnabled bool,
) (*tensor.RawTensor, error) {
	return norm.InstanceNorm(input, weight, bias, runningMean, runningVar,
		useInputStats, momentum, eps, backendEnabled)
}

// Renorm caps the Lp norm of every slice along dim at maxnorm.
func Renorm(input *tensor.RawTensor, p float64, dim int, maxnorm float64) (*tensor.RawTensor, error) {
	return norm.Renorm(input, p, dim, maxnorm)
}
