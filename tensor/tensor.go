// Copyright 2025 The Kiln Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public API for tensor values in kiln.
//
// It re-exports the core types: RawTensor with strided views, Shape with
// row-major and channel-last stride helpers, and the constructors used to
// build tensors from Go slices.
//
// Example:
//
//	x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
package tensor

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Float is the constraint satisfied by supported element types.
type Float = tensor.Float

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
)

// Device identifies where tensor data lives.
type Device = tensor.Device

// Device constants.
const (
	CPU    Device = tensor.CPU
	WebGPU Device = tensor.WebGPU
)

// Shape describes tensor dimensions.
type Shape = tensor.Shape

// RawTensor is a reference-counted buffer with a strided view on top.
type RawTensor = tensor.RawTensor

// NewRaw allocates a zeroed row-major contiguous tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// NewRawChannelsLast allocates a zeroed channel-last contiguous tensor.
func NewRawChannelsLast(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRawChannelsLast(shape, dtype, device)
}

// FromSlice builds a row-major contiguous tensor from data.
func FromSlice[T Float](data []T, shape Shape) (*RawTensor, error) {
	return tensor.FromSlice(data, shape)
}

// FromSliceChannelsLast builds a channel-last tensor from row-major data.
func FromSliceChannelsLast[T Float](data []T, shape Shape) (*RawTensor, error) {
	return tensor.FromSliceChannelsLast(data, shape)
}

// Zeros builds a tensor filled with zeros.
func Zeros[T Float](shape Shape) (*RawTensor, error) {
	return tensor.Zeros[T](shape)
}

// Ones builds a tensor filled with ones.
func Ones[T Float](shape Shape) (*RawTensor, error) {
	return tensor.Ones[T](shape)
}

// Full builds a tensor filled with value.
func Full[T Float](shape Shape, value T) (*RawTensor, error) {
	return tensor.Full(shape, value)
}
