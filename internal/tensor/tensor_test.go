package tensor

import (
	"testing"
)

func TestComputeStrides(t *testing.T) {
	s := Shape{2, 3, 4}
	strides := s.ComputeStrides()
	expected := []int{12, 4, 1}
	if !stridesEqual(strides, expected) {
		t.Errorf("Expected strides %v, got %v", expected, strides)
	}
}

func TestChannelsLastStrides(t *testing.T) {
	// [N, C, H, W] -> element (n, c, h, w) at n*H*W*C + h*W*C + w*C + c
	s := Shape{2, 3, 4, 5}
	strides := s.ChannelsLastStrides()
	expected := []int{60, 1, 15, 3}
	if !stridesEqual(strides, expected) {
		t.Errorf("Expected strides %v, got %v", expected, strides)
	}

	// Rank 3: [N, C, L]
	s = Shape{2, 3, 4}
	strides = s.ChannelsLastStrides()
	expected = []int{12, 1, 3}
	if !stridesEqual(strides, expected) {
		t.Errorf("Expected strides %v, got %v", expected, strides)
	}
}

func TestNewRaw_Contiguity(t *testing.T) {
	x, err := NewRaw(Shape{2, 3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if !x.IsContiguous() {
		t.Error("Expected row-major tensor to be contiguous")
	}
	if x.IsChannelsLastContiguous() {
		t.Error("Row-major tensor must not report channel-last contiguity")
	}

	cl, err := NewRawChannelsLast(Shape{2, 3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRawChannelsLast: %v", err)
	}
	if !cl.IsChannelsLastContiguous() {
		t.Error("Expected channel-last tensor to report channel-last contiguity")
	}
	if cl.IsContiguous() {
		t.Error("Channel-last tensor must not report row-major contiguity")
	}
}

func TestChannelsLastContiguity_Rank2(t *testing.T) {
	// With no spatial dimensions the two layouts coincide; the channel-last
	// predicate stays false so the row-major path handles rank-2 tensors.
	x, err := NewRawChannelsLast(Shape{2, 3}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRawChannelsLast: %v", err)
	}
	if x.IsChannelsLastContiguous() {
		t.Error("Rank-2 tensor must not report channel-last contiguity")
	}
	if !x.IsContiguous() {
		t.Error("Rank-2 channel-last layout equals row-major, expected contiguous")
	}
}

func TestPermute_SharesMemory(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}

	y := x.Permute(1, 0)
	if !y.Shape().Equal(Shape{3, 2}) {
		t.Errorf("Expected shape [3 2], got %v", y.Shape())
	}
	if y.IsContiguous() {
		t.Error("Permuted view must not be contiguous")
	}

	// Writing through the base must be visible through the view.
	x.AsFloat32()[0] = 42
	if y.AsFloat32()[0] != 42 {
		t.Error("Permute must return a view sharing memory")
	}
}

func TestPermute_InvalidAxesPanics(t *testing.T) {
	x, _ := NewRaw(Shape{2, 3}, Float32, CPU)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for duplicate axes")
		}
	}()
	x.Permute(0, 0)
}

func TestContiguous_MaterializesPermutedView(t *testing.T) {
	// x = [[1 2 3], [4 5 6]]
	x, _ := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})
	y := x.Permute(1, 0).Contiguous()

	if !y.IsContiguous() {
		t.Fatal("Contiguous() result must be contiguous")
	}
	// y = [[1 4], [2 5], [3 6]]
	expected := []float32{1, 4, 2, 5, 3, 6}
	got := y.AsFloat32()
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Element %d: expected %v, got %v", i, expected[i], got[i])
		}
	}

	// Materialized copy must be independent.
	x.AsFloat32()[0] = 99
	if y.AsFloat32()[0] == 99 {
		t.Error("Contiguous() of a view must copy, not alias")
	}
}

func TestFromSliceChannelsLast_RoundTrip(t *testing.T) {
	data := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	x, err := FromSliceChannelsLast(data, Shape{2, 3, 2})
	if err != nil {
		t.Fatalf("FromSliceChannelsLast: %v", err)
	}
	if !x.IsChannelsLastContiguous() {
		t.Fatal("Expected channel-last contiguity")
	}

	// Contiguous() must recover the row-major ordering of the source data.
	back := x.Contiguous()
	got := back.AsFloat32()
	for i := range data {
		if got[i] != data[i] {
			t.Errorf("Element %d: expected %v, got %v", i, data[i], got[i])
		}
	}
}

func TestView(t *testing.T) {
	x, _ := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3})

	y, err := x.View(Shape{3, 2})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if !y.Shape().Equal(Shape{3, 2}) {
		t.Errorf("Expected shape [3 2], got %v", y.Shape())
	}
	// Views share memory.
	x.AsFloat32()[5] = 60
	if y.AsFloat32()[5] != 60 {
		t.Error("View must share memory")
	}

	// Element count mismatch.
	if _, err := x.View(Shape{4, 2}); err == nil {
		t.Error("Expected error for incompatible view shape")
	}

	// Non-contiguous receiver.
	if _, err := x.Permute(1, 0).View(Shape{6}); err == nil {
		t.Error("Expected error viewing a non-contiguous tensor")
	}
}

func TestRepeat(t *testing.T) {
	x, _ := FromSlice([]float32{1, 2, 3}, Shape{3})
	y, err := Repeat(x, 2)
	if err != nil {
		t.Fatalf("Repeat: %v", err)
	}
	if !y.Shape().Equal(Shape{6}) {
		t.Errorf("Expected shape [6], got %v", y.Shape())
	}
	expected := []float32{1, 2, 3, 1, 2, 3}
	got := y.AsFloat32()
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Element %d: expected %v, got %v", i, expected[i], got[i])
		}
	}
}

func TestZeroElementTensor(t *testing.T) {
	x, err := NewRaw(Shape{0, 3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if x.NumElements() != 0 {
		t.Errorf("Expected 0 elements, got %d", x.NumElements())
	}
	if x.AsFloat32() != nil {
		t.Error("Expected nil slice for zero-element tensor")
	}
}

func TestFull(t *testing.T) {
	x, err := Full(Shape{2, 2}, float64(3.5))
	if err != nil {
		t.Fatalf("Full: %v", err)
	}
	if x.DType() != Float64 {
		t.Errorf("Expected Float64, got %s", x.DType())
	}
	for i, v := range x.AsFloat64() {
		if v != 3.5 {
			t.Errorf("Element %d: expected 3.5, got %v", i, v)
		}
	}
}
