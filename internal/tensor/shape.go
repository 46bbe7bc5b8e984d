package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions >= 0).
// Zero-sized dimensions are allowed: batch-norm has a defined contract for
// empty inputs.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// ChannelsLastStrides calculates strides for the channel-last memory layout
// of a [N, C, D1, ..., Dk] shape: the channel dimension varies fastest, the
// spatial dimensions next, the batch dimension slowest.
//
// Example: shape [N, C, H, W] gets strides [H*W*C, 1, W*C, C], so element
// (n, c, h, w) lives at n*H*W*C + h*W*C + w*C + c.
func (s Shape) ChannelsLastStrides() []int {
	ndim := len(s)
	strides := make([]int, ndim)
	if ndim < 2 {
		return s.ComputeStrides()
	}

	strides[1] = 1
	acc := s[1]
	for i := ndim - 1; i >= 2; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	strides[0] = acc
	return strides
}

// stridesEqual reports whether two stride slices match element-wise.
func stridesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
