package cpu

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// sequentialConfig forces single-goroutine execution.
func sequentialConfig() parallel.Config {
	return parallel.Config{Enabled: false, NumWorkers: 1, MinItems: 1}
}

// fillSequential writes 0, 0.5, 1, ... into the tensor so every channel has
// a distinct, easily checkable distribution.
func fillSequential(x *tensor.RawTensor) {
	data := x.AsFloat32()
	for i := range data {
		data[i] = float32(i) * 0.5
	}
}

// channelStats is the reference loop: mean and biased variance of channel f
// of a contiguous [N, C, S] tensor, accumulated in float64.
func channelStats(x *tensor.RawTensor, f int) (mean, biasedVar float64) {
	shape := x.Shape()
	nBatch, channels := shape[0], shape[1]
	spatial := x.NumElements() / nBatch / channels
	data := x.AsFloat32()

	var sum float64
	for nb := 0; nb < nBatch; nb++ {
		for i := 0; i < spatial; i++ {
			sum += float64(data[(nb*channels+f)*spatial+i])
		}
	}
	n := float64(nBatch * spatial)
	mean = sum / n

	var varSum float64
	for nb := 0; nb < nBatch; nb++ {
		for i := 0; i < spatial; i++ {
			d := float64(data[(nb*channels+f)*spatial+i]) - mean
			varSum += d * d
		}
	}
	return mean, varSum / n
}

func TestCollectStats_VarPolicy(t *testing.T) {
	backend := New()

	x, _ := tensor.NewRaw(tensor.Shape{2, 3, 4}, tensor.Float32, tensor.CPU)
	fillSequential(x)

	saveMean, saveVar := backend.CollectStats(x, PolicyVar, 0, nil, nil, 0.1)

	for f := 0; f < 3; f++ {
		wantMean, wantVar := channelStats(x, f)
		gotMean := float64(saveMean.AsFloat32()[f])
		gotVar := float64(saveVar.AsFloat32()[f])
		if math.Abs(gotMean-wantMean) > 1e-5 {
			t.Errorf("Channel %d mean: expected %v, got %v", f, wantMean, gotMean)
		}
		if math.Abs(gotVar-wantVar) > 1e-4 {
			t.Errorf("Channel %d var: expected %v, got %v", f, wantVar, gotVar)
		}
	}
}

func TestCollectStats_InvStdPolicy(t *testing.T) {
	backend := New()
	eps := 1e-5

	x, _ := tensor.NewRaw(tensor.Shape{2, 3, 4}, tensor.Float32, tensor.CPU)
	fillSequential(x)

	saveMean, saveInvstd := backend.CollectStats(x, PolicyInvStd, eps, nil, nil, 0.1)

	for f := 0; f < 3; f++ {
		wantMean, wantVar := channelStats(x, f)
		wantInvstd := 1 / math.Sqrt(wantVar+eps)
		gotMean := float64(saveMean.AsFloat32()[f])
		gotInvstd := float64(saveInvstd.AsFloat32()[f])
		if math.Abs(gotMean-wantMean) > 1e-5 {
			t.Errorf("Channel %d mean: expected %v, got %v", f, wantMean, gotMean)
		}
		if math.Abs(gotInvstd-wantInvstd) > 1e-4*wantInvstd {
			t.Errorf("Channel %d invstd: expected %v, got %v", f, wantInvstd, gotInvstd)
		}
	}
}

func TestCollectStats_InvStdZeroGuard(t *testing.T) {
	backend := New()

	// Constant input: variance is exactly 0. With eps 0 the InvStd policy
	// must yield 0 instead of dividing by zero.
	x, _ := tensor.Full(tensor.Shape{2, 2, 3}, float32(7))

	_, saveInvstd := backend.CollectStats(x, PolicyInvStd, 0, nil, nil, 0.1)

	for f := 0; f < 2; f++ {
		got := saveInvstd.AsFloat32()[f]
		if got != 0 {
			t.Errorf("Channel %d: expected invstd 0 for zero variance and zero eps, got %v", f, got)
		}
	}

	// With a non-zero eps the guard must not trigger.
	_, saveInvstd = backend.CollectStats(x, PolicyInvStd, 1e-5, nil, nil, 0.1)
	want := 1 / math.Sqrt(1e-5)
	for f := 0; f < 2; f++ {
		got := float64(saveInvstd.AsFloat32()[f])
		if math.Abs(got-want) > 1e-2 {
			t.Errorf("Channel %d: expected invstd %v, got %v", f, want, got)
		}
	}
}

func TestCollectStats_RunningUpdate(t *testing.T) {
	backend := New()
	momentum := 0.1

	x, _ := tensor.NewRaw(tensor.Shape{2, 3, 4}, tensor.Float32, tensor.CPU)
	fillSequential(x)

	runningMean, _ := tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{3})
	runningVar, _ := tensor.FromSlice([]float32{4, 5, 6}, tensor.Shape{3})
	oldMean := append([]float32(nil), runningMean.AsFloat32()...)
	oldVar := append([]float32(nil), runningVar.AsFloat32()...)

	backend.CollectStats(x, PolicyInvStd, 1e-5, runningMean, runningVar, momentum)

	n := float64(2 * 4)
	for f := 0; f < 3; f++ {
		batchMean, batchVar := channelStats(x, f)
		unbiased := batchVar * n / (n - 1)

		wantMean := momentum*batchMean + (1-momentum)*float64(oldMean[f])
		wantVar := momentum*unbiased + (1-momentum)*float64(oldVar[f])

		gotMean := float64(runningMean.AsFloat32()[f])
		gotVar := float64(runningVar.AsFloat32()[f])
		if math.Abs(gotMean-wantMean) > 1e-4 {
			t.Errorf("Channel %d running mean: expected %v, got %v", f, wantMean, gotMean)
		}
		if math.Abs(gotVar-wantVar) > 1e-3 {
			t.Errorf("Channel %d running var: expected %v, got %v", f, wantVar, gotVar)
		}
	}
}

func TestCollectStats_Float64(t *testing.T) {
	backend := New()

	x, _ := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6, 7, 8}, tensor.Shape{2, 2, 2})

	saveMean, saveVar := backend.CollectStats(x, PolicyVar, 0, nil, nil, 0.1)

	// Channel 0 holds {1, 2, 5, 6}; channel 1 holds {3, 4, 7, 8}.
	wantMean := []float64{3.5, 5.5}
	wantVar := []float64{4.25, 4.25}
	for f := 0; f < 2; f++ {
		if math.Abs(saveMean.AsFloat64()[f]-wantMean[f]) > 1e-12 {
			t.Errorf("Channel %d mean: expected %v, got %v", f, wantMean[f], saveMean.AsFloat64()[f])
		}
		if math.Abs(saveVar.AsFloat64()[f]-wantVar[f]) > 1e-12 {
			t.Errorf("Channel %d var: expected %v, got %v", f, wantVar[f], saveVar.AsFloat64()[f])
		}
	}
}

func TestCollectStats_SequentialMatchesParallel(t *testing.T) {
	seq := NewWithConfig(sequentialConfig())
	par := New()

	x, _ := tensor.NewRaw(tensor.Shape{4, 8, 16}, tensor.Float32, tensor.CPU)
	fillSequential(x)

	seqMean, seqStat := seq.CollectStats(x, PolicyInvStd, 1e-5, nil, nil, 0.1)
	parMean, parStat := par.CollectStats(x, PolicyInvStd, 1e-5, nil, nil, 0.1)

	for f := 0; f < 8; f++ {
		// Per-channel accumulation is serial either way, so the results must
		// match bit for bit.
		if seqMean.AsFloat32()[f] != parMean.AsFloat32()[f] {
			t.Errorf("Channel %d mean differs between sequential and parallel", f)
		}
		if seqStat.AsFloat32()[f] != parStat.AsFloat32()[f] {
			t.Errorf("Channel %d invstd differs between sequential and parallel", f)
		}
	}
}
