// Copyright 2025 The Kiln Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides layer modules built on kiln's normalization core.
//
// Example:
//
//	layer, err := nn.NewBatchNorm2d(64, 1e-5, 0.1)
//	out, err := layer.Forward(x) // (N, 64, H, W) -> same shape
package nn

import (
	"github.com/kiln-ml/kiln/internal/nn"
)

// BatchNorm is a batch-normalization layer owning its affine parameters
// and running statistics.
type BatchNorm = nn.BatchNorm

// NewBatchNorm1d creates a batch-norm layer for (N, C) or (N, C, L) inputs.
func NewBatchNorm1d(numFeatures int, epsilon, momentum float64) (*BatchNorm, error) {
	return nn.NewBatchNorm1d(numFeatures, epsilon, momentum)
}

// NewBatchNorm2d creates a batch-norm layer for (N, C, H, W) inputs.
func NewBatchNorm2d(numFeatures int, epsilon, momentum float64) (*BatchNorm, error) {
	return nn.NewBatchNorm2d(numFeatures, epsilon, momentum)
}

// MaxNorm constrains parameter slices to a maximum Lp norm.
type MaxNorm = nn.MaxNorm

// NewMaxNorm creates a Euclidean max-norm constraint over dimension 0.
func NewMaxNorm(max float64) *MaxNorm {
	return nn.NewMaxNorm(max)
}
