package tensor

import "fmt"

// FromSlice creates a row-major contiguous tensor from a Go slice.
// The data is copied; the tensor does not alias the slice.
func FromSlice[T Float](data []T, shape Shape) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}

	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), CPU)
	if err != nil {
		return nil, err
	}

	switch inferDataType(dummy) {
	case Float32:
		copy(raw.AsFloat32(), any(data).([]float32))
	case Float64:
		copy(raw.AsFloat64(), any(data).([]float64))
	}
	return raw, nil
}

// FromSliceChannelsLast creates a channel-last tensor from row-major data.
// The input slice is interpreted in row-major [N, C, D...] order and
// scattered into channel-last memory, so the logical content matches
// FromSlice with the same arguments.
func FromSliceChannelsLast[T Float](data []T, shape Shape) (*RawTensor, error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("channel-last layout requires rank >= 2, got %d", len(shape))
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}

	var dummy T
	raw, err := NewRawChannelsLast(shape, inferDataType(dummy), CPU)
	if err != nil {
		return nil, err
	}

	switch inferDataType(dummy) {
	case Float32:
		scatterStrided(raw.AsFloat32(), any(data).([]float32), shape, raw.Strides())
	case Float64:
		scatterStrided(raw.AsFloat64(), any(data).([]float64), shape, raw.Strides())
	}
	return raw, nil
}

// Full creates a contiguous tensor with every element set to value.
func Full[T Float](shape Shape, value T) (*RawTensor, error) {
	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), CPU)
	if err != nil {
		return nil, err
	}
	switch inferDataType(dummy) {
	case Float32:
		v := any(value).(float32)
		data := raw.AsFloat32()
		for i := range data {
			data[i] = v
		}
	case Float64:
		v := any(value).(float64)
		data := raw.AsFloat64()
		for i := range data {
			data[i] = v
		}
	}
	return raw, nil
}

// Zeros creates a zeroed contiguous tensor.
func Zeros[T Float](shape Shape) (*RawTensor, error) {
	var dummy T
	return NewRaw(shape, inferDataType(dummy), CPU)
}

// Ones creates a contiguous tensor filled with 1.
func Ones[T Float](shape Shape) (*RawTensor, error) {
	return Full[T](shape, 1)
}

// Repeat tiles a 1-D tensor n times into a new 1-D tensor of length
// n * len. Used by instance norm to expand per-channel parameters to
// per-instance parameters.
func Repeat(t *RawTensor, n int) (*RawTensor, error) {
	if len(t.Shape()) != 1 {
		return nil, fmt.Errorf("repeat: expected 1-D tensor, got %dD", len(t.Shape()))
	}
	length := t.Shape()[0]
	out, err := NewRaw(Shape{n * length}, t.DType(), t.Device())
	if err != nil {
		return nil, err
	}

	switch t.DType() {
	case Float32:
		src := t.AsFloat32()
		dst := out.AsFloat32()
		for i := 0; i < n; i++ {
			copy(dst[i*length:(i+1)*length], src)
		}
	case Float64:
		src := t.AsFloat64()
		dst := out.AsFloat64()
		for i := 0; i < n; i++ {
			copy(dst[i*length:(i+1)*length], src)
		}
	}
	return out, nil
}

// scatterStrided copies row-major src into dst addressed through dstStride.
func scatterStrided[T Float](dst, src []T, shape Shape, dstStride []int) {
	ndim := len(shape)
	n := shape.NumElements()
	if n == 0 {
		return
	}

	idx := make([]int, ndim)
	dstOff := 0
	for i := 0; i < n; i++ {
		dst[dstOff] = src[i]
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			dstOff += dstStride[d]
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			dstOff -= shape[d] * dstStride[d]
		}
	}
}
