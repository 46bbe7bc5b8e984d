package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents the compute device for tensor operations.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// tensorBuffer is a reference-counted shared buffer. Views created by
// Permute share the buffer with the base tensor.
type tensorBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex // For safe deallocation
}

// newTensorBuffer creates a new reference-counted buffer with refCount = 1.
func newTensorBuffer(size int) *tensorBuffer {
	buf := &tensorBuffer{
		data: make([]byte, size),
	}
	buf.refCount.Store(1)
	return buf
}

// addRef increments the reference count (for Clone/view operations).
func (tb *tensorBuffer) addRef() {
	tb.refCount.Add(1)
}

// release decrements the reference count and deallocates if it reaches 0.
func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.data = nil
	}
}

// RawTensor is the low-level tensor representation: a shared byte buffer
// plus shape, strides (in elements), dtype and device. Strides other than
// the row-major default arise from Permute views and from channel-last
// construction.
type RawTensor struct {
	buffer *tensorBuffer
	shape  Shape
	stride []int // Memory strides in elements
	dtype  DataType
	device Device
	offset int // Byte offset for views
}

// NewRaw creates a new RawTensor with the given shape and type.
// Memory is allocated zeroed, laid out row-major contiguous.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	numElements := shape.NumElements()
	byteSize := numElements * dtype.Size()

	return &RawTensor{
		buffer: newTensorBuffer(byteSize),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
		offset: 0,
	}, nil
}

// NewRawChannelsLast creates a zeroed tensor whose memory uses the
// channel-last layout. Requires rank >= 2.
func NewRawChannelsLast(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if len(shape) < 2 {
		return nil, fmt.Errorf("channel-last layout requires rank >= 2, got %d", len(shape))
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	byteSize := shape.NumElements() * dtype.Size()
	return &RawTensor{
		buffer: newTensorBuffer(byteSize),
		shape:  shape.Clone(),
		stride: shape.ChannelsLastStrides(),
		dtype:  dtype,
		device: device,
		offset: 0,
	}, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// Strides returns the tensor's memory strides in elements.
func (r *RawTensor) Strides() []int {
	return r.stride
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the tensor's compute device.
func (r *RawTensor) Device() Device {
	return r.device
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (r *RawTensor) Data() []byte {
	return r.buffer.data[r.offset:]
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	n := r.NumElements()
	if n == 0 {
		return nil
	}
	data := r.buffer.data[r.offset:]
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), n)
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	n := r.NumElements()
	if n == 0 {
		return nil
	}
	data := r.buffer.data[r.offset:]
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), n)
}

// IsContiguous reports whether the tensor uses the default row-major layout.
func (r *RawTensor) IsContiguous() bool {
	return stridesEqual(r.stride, r.shape.ComputeStrides())
}

// IsChannelsLastContiguous reports whether the tensor uses the channel-last
// layout. Always false for rank < 3: with no spatial dimensions the two
// layouts coincide and the row-major path handles it.
func (r *RawTensor) IsChannelsLastContiguous() bool {
	if len(r.shape) < 3 {
		return false
	}
	return stridesEqual(r.stride, r.shape.ChannelsLastStrides())
}

// Clone creates a shallow copy sharing the underlying buffer.
func (r *RawTensor) Clone() *RawTensor {
	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  r.shape.Clone(),
		stride: append([]int(nil), r.stride...),
		dtype:  r.dtype,
		device: r.device,
		offset: r.offset,
	}
}

// Release decrements the reference count and deallocates if it reaches 0.
func (r *RawTensor) Release() {
	r.buffer.release()
}

// Permute returns a view with dimensions reordered by axes. The view shares
// memory with the receiver; no data moves. Panics on an invalid permutation,
// which is a programming error rather than a data error.
func (r *RawTensor) Permute(axes ...int) *RawTensor {
	ndim := len(r.shape)
	if len(axes) != ndim {
		panic(fmt.Sprintf("permute: axes length %d != ndim %d", len(axes), ndim))
	}
	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim {
			panic(fmt.Sprintf("permute: invalid axis %d for %dD tensor", ax, ndim))
		}
		if seen[ax] {
			panic(fmt.Sprintf("permute: duplicate axis %d", ax))
		}
		seen[ax] = true
	}

	newShape := make(Shape, ndim)
	newStride := make([]int, ndim)
	for i, ax := range axes {
		newShape[i] = r.shape[ax]
		newStride[i] = r.stride[ax]
	}

	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  newShape,
		stride: newStride,
		dtype:  r.dtype,
		device: r.device,
		offset: r.offset,
	}
}

// View returns a reshaped view sharing memory with the receiver. The
// receiver must be row-major contiguous and the element counts must match.
func (r *RawTensor) View(newShape Shape) (*RawTensor, error) {
	if !r.IsContiguous() {
		return nil, fmt.Errorf("view: tensor is not contiguous")
	}
	if err := newShape.Validate(); err != nil {
		return nil, fmt.Errorf("view: invalid shape: %w", err)
	}
	if newShape.NumElements() != r.NumElements() {
		return nil, fmt.Errorf("view: incompatible shapes: %v -> %v (different number of elements)",
			r.shape, newShape)
	}

	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  newShape.Clone(),
		stride: newShape.ComputeStrides(),
		dtype:  r.dtype,
		device: r.device,
		offset: r.offset,
	}, nil
}

// Contiguous returns a row-major contiguous tensor with the same logical
// content. If the receiver already is contiguous, it returns a shared view;
// otherwise it gathers elements through the strides into fresh memory.
func (r *RawTensor) Contiguous() *RawTensor {
	if r.IsContiguous() {
		return r.Clone()
	}

	out, err := NewRaw(r.shape, r.dtype, r.device)
	if err != nil {
		panic(fmt.Sprintf("contiguous: %v", err))
	}

	switch r.dtype {
	case Float32:
		gatherStrided(out.AsFloat32(), r.AsFloat32(), r.shape, r.stride)
	case Float64:
		gatherStrided(out.AsFloat64(), r.AsFloat64(), r.shape, r.stride)
	default:
		panic(fmt.Sprintf("contiguous: unsupported dtype %s", r.dtype))
	}
	return out
}

// gatherStrided copies src (addressed through srcStride) into dst in
// row-major order.
func gatherStrided[T Float](dst, src []T, shape Shape, srcStride []int) {
	ndim := len(shape)
	n := shape.NumElements()
	if n == 0 {
		return
	}
	if ndim == 0 {
		dst[0] = src[0]
		return
	}

	idx := make([]int, ndim)
	srcOff := 0
	for i := 0; i < n; i++ {
		dst[i] = src[srcOff]
		for d := ndim - 1; d >= 0; d-- {
			idx[d]++
			srcOff += srcStride[d]
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			srcOff -= shape[d] * srcStride[d]
		}
	}
}
