// Package blas implements batch normalization on top of gonum's BLAS
// bindings. It serves as an opaque accelerated provider behind the backend
// selector: float32 only, operating on row-major contiguous operands, with
// reductions expressed as level-1 BLAS calls over per-channel segments.
package blas

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Backend executes batch-norm through gonum BLAS kernels.
type Backend struct {
	cfg parallel.Config
}

// New creates a BLAS backend.
func New() *Backend {
	return &Backend{cfg: parallel.DefaultConfig()}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "BLAS"
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Forward runs the batch-norm forward pass. In training mode it computes
// batch statistics, updates the running statistics in place when defined,
// and returns the saved mean/invstd; in eval mode the running statistics
// supply the normalization terms and the saved tensors are nil.
//
// Operands must be float32; non-contiguous inputs are materialized first.
func (b *Backend) Forward(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64,
) (output, saveMean, saveInvstd *tensor.RawTensor) {
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("blas batch norm: unsupported dtype %s", input.DType()))
	}

	contig := input.Contiguous()
	defer contig.Release()

	shape := contig.Shape()
	nBatch := shape[0]
	channels := shape[1]
	segLen := 0
	if nBatch*channels > 0 {
		segLen = contig.NumElements() / nBatch / channels
	}
	n := float32(nBatch * segLen)

	in := contig.AsFloat32()
	ones := make([]float32, segLen)
	for i := range ones {
		ones[i] = 1
	}

	mean := make([]float32, channels)
	invstd := make([]float32, channels)

	if training {
		var err error
		saveMean, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.CPU)
		if err != nil {
			panic(fmt.Sprintf("blas batch norm: %v", err))
		}
		saveInvstd, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.CPU)
		if err != nil {
			panic(fmt.Sprintf("blas batch norm: %v", err))
		}
		saveMeanData := saveMean.AsFloat32()
		saveInvstdData := saveInvstd.AsFloat32()

		var rm, rv []float32
		if runningMean != nil {
			rm = runningMean.AsFloat32()
		}
		if runningVar != nil {
			rv = runningVar.AsFloat32()
		}

		parallel.For(channels, func(f int) {
			var sum, sq float32
			for nb := 0; nb < nBatch; nb++ {
				seg := vec(in[(nb*channels+f)*segLen : (nb*channels+f+1)*segLen])
				sum += blas32.Dot(seg, vec(ones))
				sq += blas32.Dot(seg, seg)
			}
			m := sum / n
			varSum := sq - n*m*m

			mean[f] = m
			invstd[f] = float32(1 / math.Sqrt(float64(varSum)/float64(n)+eps))
			saveMeanData[f] = m
			saveInvstdData[f] = invstd[f]

			if rm != nil {
				rm[f] = float32(momentum)*m + float32(1-momentum)*rm[f]
			}
			if rv != nil {
				unbiased := varSum / (n - 1)
				rv[f] = float32(momentum)*unbiased + float32(1-momentum)*rv[f]
			}
		}, b.cfg)
	} else {
		rm := runningMean.AsFloat32()
		rv := runningVar.AsFloat32()
		for f := 0; f < channels; f++ {
			mean[f] = rm[f]
			invstd[f] = float32(1 / math.Sqrt(float64(rv[f])+eps))
		}
	}

	var err error
	output, err = tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		panic(fmt.Sprintf("blas batch norm: %v", err))
	}
	out := output.AsFloat32()

	var wData, bData []float32
	if weight != nil {
		wData = weight.AsFloat32()
	}
	if bias != nil {
		bData = bias.AsFloat32()
	}

	parallel.For(channels, func(f int) {
		w := float32(1)
		if wData != nil {
			w = wData[f]
		}
		bv := float32(0)
		if bData != nil {
			bv = bData[f]
		}
		alpha := invstd[f] * w
		beta := bv - mean[f]*alpha

		for nb := 0; nb < nBatch; nb++ {
			lo := (nb*channels + f) * segLen
			hi := lo + segLen
			seg := out[lo:hi]
			copy(seg, in[lo:hi])
			blas32.Scal(alpha, vec(seg))
			blas32.Axpy(beta, vec(ones), vec(seg))
		}
	}, b.cfg)

	return output, saveMean, saveInvstd
}

// Backward computes gradients with per-channel BLAS reductions. mask selects
// which outputs to produce; unselected outputs are nil.
func (b *Backend) Backward(
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	train bool, eps float64, mask [3]bool,
) (gradInput, gradWeight, gradBias *tensor.RawTensor) {
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("blas batch norm backward: unsupported dtype %s", input.DType()))
	}

	inC := input.Contiguous()
	defer inC.Release()
	goC := gradOut.Contiguous()
	defer goC.Release()

	shape := inC.Shape()
	nBatch := shape[0]
	channels := shape[1]
	segLen := 0
	if nBatch*channels > 0 {
		segLen = inC.NumElements() / nBatch / channels
	}
	n := float32(nBatch * segLen)

	in := inC.AsFloat32()
	gradOutData := goC.AsFloat32()
	ones := make([]float32, segLen)
	for i := range ones {
		ones[i] = 1
	}

	mean := make([]float32, channels)
	invstd := make([]float32, channels)
	if train {
		copy(mean, saveMean.AsFloat32())
		copy(invstd, saveInvstd.AsFloat32())
	} else {
		copy(mean, runningMean.AsFloat32())
		rv := runningVar.AsFloat32()
		for f := 0; f < channels; f++ {
			invstd[f] = float32(1 / math.Sqrt(float64(rv[f])+eps))
		}
	}

	var err error
	if mask[0] {
		gradInput, err = tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
		if err != nil {
			panic(fmt.Sprintf("blas batch norm backward: %v", err))
		}
	}
	if mask[1] {
		gradWeight, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.CPU)
		if err != nil {
			panic(fmt.Sprintf("blas batch norm backward: %v", err))
		}
	}
	if mask[2] {
		gradBias, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.CPU)
		if err != nil {
			panic(fmt.Sprintf("blas batch norm backward: %v", err))
		}
	}

	var wData []float32
	if weight != nil {
		wData = weight.AsFloat32()
	}

	parallel.For(channels, func(f int) {
		w := float32(1)
		if wData != nil {
			w = wData[f]
		}

		var sum, xdot float32
		for nb := 0; nb < nBatch; nb++ {
			lo := (nb*channels + f) * segLen
			hi := lo + segLen
			goSeg := vec(gradOutData[lo:hi])
			sum += blas32.Dot(goSeg, vec(ones))
			xdot += blas32.Dot(vec(in[lo:hi]), goSeg)
		}
		dotp := xdot - mean[f]*sum

		if mask[0] {
			gi := gradInput.AsFloat32()
			if train {
				k := dotp * invstd[f] * invstd[f] / n
				gradMean := sum / n
				shift := k*mean[f] - gradMean
				for nb := 0; nb < nBatch; nb++ {
					lo := (nb*channels + f) * segLen
					hi := lo + segLen
					seg := gi[lo:hi]
					copy(seg, gradOutData[lo:hi])
					blas32.Axpy(-k, vec(in[lo:hi]), vec(seg))
					blas32.Axpy(shift, vec(ones), vec(seg))
					blas32.Scal(invstd[f]*w, vec(seg))
				}
			} else {
				for nb := 0; nb < nBatch; nb++ {
					lo := (nb*channels + f) * segLen
					hi := lo + segLen
					seg := gi[lo:hi]
					copy(seg, gradOutData[lo:hi])
					blas32.Scal(invstd[f]*w, vec(seg))
				}
			}
		}
		if mask[1] {
			gradWeight.AsFloat32()[f] = dotp * invstd[f]
		}
		if mask[2] {
			gradBias.AsFloat32()[f] = sum
		}
	}, b.cfg)

	return gradInput, gradWeight, gradBias
}
