package webgpu

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/tensor"
)

func TestReserveRoundTrip(t *testing.T) {
	mean := []float32{0.5, -1.25, 3}
	invstd := []float32{1, 0.125, 2.5}

	buf := encodeReserve(mean, invstd)
	if len(buf) != 8*len(mean) {
		t.Fatalf("Expected %d bytes, got %d", 8*len(mean), len(buf))
	}

	gotMean := make([]float32, 3)
	gotInvstd := make([]float32, 3)
	decodeReserve(buf, gotMean, gotInvstd)

	for i := range mean {
		if gotMean[i] != mean[i] {
			t.Errorf("mean[%d]: expected %v, got %v", i, mean[i], gotMean[i])
		}
		if gotInvstd[i] != invstd[i] {
			t.Errorf("invstd[%d]: expected %v, got %v", i, invstd[i], gotInvstd[i])
		}
	}
}

func TestCollectStatsHost(t *testing.T) {
	// [N=2, C=2, S=2]: channel 0 holds {1, 2, 5, 6}, channel 1 {3, 4, 7, 8}.
	in := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	eps := 1e-5

	mean := make([]float32, 2)
	invstd := make([]float32, 2)
	collectStatsHost(in, 2, 2, 2, eps, mean, invstd)

	wantMean := []float64{3.5, 5.5}
	wantVar := 4.25
	for f := 0; f < 2; f++ {
		if math.Abs(float64(mean[f])-wantMean[f]) > 1e-6 {
			t.Errorf("Channel %d mean: expected %v, got %v", f, wantMean[f], mean[f])
		}
		wantInvstd := 1 / math.Sqrt(wantVar+eps)
		if math.Abs(float64(invstd[f])-wantInvstd) > 1e-6 {
			t.Errorf("Channel %d invstd: expected %v, got %v", f, wantInvstd, invstd[f])
		}
	}
}

func TestForward_GPU(t *testing.T) {
	if !Available() {
		t.Skip("WebGPU adapter not available")
	}
	backend, err := Shared()
	if err != nil {
		t.Fatalf("Shared: %v", err)
	}

	data := make([]float32, 2*3*4)
	for i := range data {
		data[i] = float32(i)*0.5 - 3
	}
	x, _ := tensor.FromSlice(data, tensor.Shape{2, 3, 4})
	weight, _ := tensor.Ones[float32](tensor.Shape{3})
	bias, _ := tensor.Zeros[float32](tensor.Shape{3})

	out, saveMean, saveInvstd, reserve, err := backend.Forward(x, weight, bias, nil, nil, true, 0.1, 1e-5)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !out.Shape().Equal(x.Shape()) {
		t.Fatalf("Expected shape %v, got %v", x.Shape(), out.Shape())
	}
	if len(reserve) != 8*3 {
		t.Errorf("Expected 24 reserve bytes, got %d", len(reserve))
	}

	// GPU output must match the host-side alpha/beta transform.
	sm := saveMean.AsFloat32()
	si := saveInvstd.AsFloat32()
	outData := out.AsFloat32()
	for nb := 0; nb < 2; nb++ {
		for c := 0; c < 3; c++ {
			for i := 0; i < 4; i++ {
				idx := (nb*3+c)*4 + i
				want := (data[idx] - sm[c]) * si[c]
				if math.Abs(float64(outData[idx]-want)) > 1e-4 {
					t.Errorf("Element %d: expected %v, got %v", idx, want, outData[idx])
				}
			}
		}
	}
}
