package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Forward runs the batch-norm forward pass on the GPU. Statistics are
// collected host-side (one serial pass per channel, accumulating in
// float64), the fused per-channel transform runs as a compute shader, and
// the saved statistics are additionally serialized into the reserve buffer
// so the paired Backward can replay them without round-tripping tensors.
//
// In training mode running statistics are updated in place when defined and
// the saved mean/invstd are returned; in eval mode the saved tensors are
// nil and the reserve buffer is empty.
func (b *Backend) Forward(
	input, weight, bias *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	training bool, momentum, eps float64,
) (output, saveMean, saveInvstd *tensor.RawTensor, reserve []byte, err error) {
	if input.DType() != tensor.Float32 {
		return nil, nil, nil, nil, fmt.Errorf("webgpu batch norm: unsupported dtype %s", input.DType())
	}

	contig := input.Contiguous()
	defer contig.Release()

	shape := contig.Shape()
	nBatch := shape[0]
	channels := shape[1]
	spatial := 0
	if nBatch*channels > 0 {
		spatial = contig.NumElements() / nBatch / channels
	}

	in := contig.AsFloat32()

	mean := make([]float32, channels)
	invstd := make([]float32, channels)
	if training {
		collectStatsHost(in, nBatch, channels, spatial, eps, mean, invstd)

		if runningMean != nil {
			rm := runningMean.AsFloat32()
			for f := 0; f < channels; f++ {
				rm[f] = float32(momentum)*mean[f] + float32(1-momentum)*rm[f]
			}
		}
		if runningVar != nil {
			rv := runningVar.AsFloat32()
			n := float64(nBatch * spatial)
			for f := 0; f < channels; f++ {
				// Recover var_sum from invstd to form the unbiased variance.
				v := 1/float64(invstd[f]*invstd[f]) - eps
				unbiased := v * n / (n - 1)
				rv[f] = float32(momentum*unbiased + (1-momentum)*float64(rv[f]))
			}
		}

		saveMean, err = tensor.FromSlice(mean, tensor.Shape{channels})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		saveInvstd, err = tensor.FromSlice(invstd, tensor.Shape{channels})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		reserve = encodeReserve(mean, invstd)
	} else {
		rm := runningMean.AsFloat32()
		rv := runningVar.AsFloat32()
		for f := 0; f < channels; f++ {
			mean[f] = rm[f]
			invstd[f] = float32(1 / math.Sqrt(float64(rv[f])+eps))
		}
		reserve = []byte{}
	}

	alpha := make([]float32, channels)
	beta := make([]float32, channels)
	var wData, bData []float32
	if weight != nil {
		wData = weight.AsFloat32()
	}
	if bias != nil {
		bData = bias.AsFloat32()
	}
	for c := 0; c < channels; c++ {
		w := float32(1)
		if wData != nil {
			w = wData[c]
		}
		bv := float32(0)
		if bData != nil {
			bv = bData[c]
		}
		alpha[c] = invstd[c] * w
		beta[c] = bv - mean[c]*alpha[c]
	}

	outData, err := b.runForward(contig, alpha, beta, channels, spatial)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	output, err = tensor.NewRaw(shape, tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	copy(output.Data(), outData)

	return output, saveMean, saveInvstd, reserve, nil
}

// Backward computes gradients on the GPU. The reserve buffer written by the
// paired Forward supplies the training statistics; when it is absent the
// saved/running tensors are used instead.
func (b *Backend) Backward(
	gradOut, input, weight *tensor.RawTensor,
	runningMean, runningVar *tensor.RawTensor,
	saveMean, saveInvstd *tensor.RawTensor,
	train bool, eps float64, mask [3]bool, reserve []byte,
) (gradInput, gradWeight, gradBias *tensor.RawTensor, err error) {
	if input.DType() != tensor.Float32 {
		return nil, nil, nil, fmt.Errorf("webgpu batch norm backward: unsupported dtype %s", input.DType())
	}

	inC := input.Contiguous()
	defer inC.Release()
	goC := gradOut.Contiguous()
	defer goC.Release()

	shape := inC.Shape()
	nBatch := shape[0]
	channels := shape[1]
	spatial := 0
	if nBatch*channels > 0 {
		spatial = inC.NumElements() / nBatch / channels
	}

	mean := make([]float32, channels)
	invstd := make([]float32, channels)
	switch {
	case train && len(reserve) == 8*channels:
		decodeReserve(reserve, mean, invstd)
	case train:
		copy(mean, saveMean.AsFloat32())
		copy(invstd, saveInvstd.AsFloat32())
	default:
		copy(mean, runningMean.AsFloat32())
		rv := runningVar.AsFloat32()
		for f := 0; f < channels; f++ {
			invstd[f] = float32(1 / math.Sqrt(float64(rv[f])+eps))
		}
	}

	w := make([]float32, channels)
	if weight != nil {
		copy(w, weight.AsFloat32())
	} else {
		for f := range w {
			w[f] = 1
		}
	}

	giData, gwData, gbData, err := b.runBackward(inC, goC, mean, invstd, w, nBatch, channels, spatial, train, mask)
	if err != nil {
		return nil, nil, nil, err
	}

	if mask[0] {
		gradInput, err = tensor.NewRaw(shape, tensor.Float32, tensor.WebGPU)
		if err != nil {
			return nil, nil, nil, err
		}
		copy(gradInput.Data(), giData)
	}
	if mask[1] {
		gradWeight, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.WebGPU)
		if err != nil {
			return nil, nil, nil, err
		}
		copy(gradWeight.Data(), gwData)
	}
	if mask[2] {
		gradBias, err = tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, tensor.WebGPU)
		if err != nil {
			return nil, nil, nil, err
		}
		copy(gradBias.Data(), gbData)
	}

	return gradInput, gradWeight, gradBias, nil
}

// collectStatsHost computes per-channel mean and invstd over a row-major
// contiguous [N, C, S] buffer, accumulating in float64.
func collectStatsHost(in []float32, nBatch, channels, spatial int, eps float64, mean, invstd []float32) {
	n := float64(nBatch * spatial)
	for f := 0; f < channels; f++ {
		var sum float64
		for nb := 0; nb < nBatch; nb++ {
			base := (nb*channels + f) * spatial
			for i := 0; i < spatial; i++ {
				sum += float64(in[base+i])
			}
		}
		m := sum / n

		var varSum float64
		for nb := 0; nb < nBatch; nb++ {
			base := (nb*channels + f) * spatial
			for i := 0; i < spatial; i++ {
				d := float64(in[base+i]) - m
				varSum += d * d
			}
		}

		mean[f] = float32(m)
		invstd[f] = float32(1 / math.Sqrt(varSum/n+eps))
	}
}

func encodeReserve(mean, invstd []float32) []byte {
	buf := make([]byte, 8*len(mean))
	for i, v := range mean {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	off := 4 * len(mean)
	for i, v := range invstd {
		binary.LittleEndian.PutUint32(buf[off+4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeReserve(buf []byte, mean, invstd []float32) {
	for i := range mean {
		mean[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	off := 4 * len(mean)
	for i := range invstd {
		invstd[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4*i:]))
	}
}

// runForward dispatches the fused transform shader.
func (b *Backend) runForward(input *tensor.RawTensor, alpha, beta []float32, channels, spatial int) ([]byte, error) {
	numElements := input.NumElements()

	shader := b.compileShader("bn_forward", bnForwardShader)
	pipeline := b.getOrCreatePipeline("bn_forward", shader)

	bufferInput := b.createBuffer(input.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferInput.Release()
	bufferAlpha := b.createBuffer(floatBytes(alpha), wgpu.BufferUsageStorage)
	defer bufferAlpha.Release()
	bufferBeta := b.createBuffer(floatBytes(beta), wgpu.BufferUsageStorage)
	defer bufferBeta.Release()

	//nolint:gosec // G115: ByteSize() returns a non-negative int
	resultSize := uint64(input.ByteSize())
	bufferResult := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  resultSize,
	})
	defer bufferResult.Release()

	params := make([]byte, 16)
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[0:4], uint32(numElements))
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[4:8], uint32(channels))
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[8:12], uint32(spatial))
	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	//nolint:gosec // G115: buffer sizes are non-negative
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferInput, 0, resultSize),
		wgpu.BufferBindingEntry(1, bufferAlpha, 0, uint64(4*len(alpha))),
		wgpu.BufferBindingEntry(2, bufferBeta, 0, uint64(4*len(beta))),
		wgpu.BufferBindingEntry(3, bufferResult, 0, resultSize),
		wgpu.BufferBindingEntry(4, bufferParams, 0, 16),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: workgroup count is non-negative
	workgroups := uint32((numElements + workgroupSize - 1) / workgroupSize)
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	return b.readBuffer(bufferResult, resultSize)
}

// runBackward dispatches the per-channel gradient shader. One invocation
// owns one channel.
func (b *Backend) runBackward(
	input, gradOut *tensor.RawTensor,
	mean, invstd, weight []float32,
	nBatch, channels, spatial int,
	train bool, mask [3]bool,
) (gi, gw, gb []byte, err error) {
	shader := b.compileShader("bn_backward", bnBackwardShader)
	pipeline := b.getOrCreatePipeline("bn_backward", shader)

	bufferInput := b.createBuffer(input.Data(), wgpu.BufferUsageStorage)
	defer bufferInput.Release()
	bufferGradOut := b.createBuffer(gradOut.Data(), wgpu.BufferUsageStorage)
	defer bufferGradOut.Release()
	bufferMean := b.createBuffer(floatBytes(mean), wgpu.BufferUsageStorage)
	defer bufferMean.Release()
	bufferInvstd := b.createBuffer(floatBytes(invstd), wgpu.BufferUsageStorage)
	defer bufferInvstd.Release()
	bufferWeight := b.createBuffer(floatBytes(weight), wgpu.BufferUsageStorage)
	defer bufferWeight.Release()

	//nolint:gosec // G115: ByteSize() returns a non-negative int
	giSize := uint64(input.ByteSize())
	//nolint:gosec // G115: tensor dimensions are non-negative
	chanSize := uint64(4 * channels)
	bufferGradIn := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  giSize,
	})
	defer bufferGradIn.Release()
	bufferGradWeight := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  chanSize,
	})
	defer bufferGradWeight.Release()
	bufferGradBias := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  chanSize,
	})
	defer bufferGradBias.Release()

	params := make([]byte, 32)
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[0:4], uint32(nBatch))
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[4:8], uint32(channels))
	//nolint:gosec // G115: tensor dimensions are non-negative
	binary.LittleEndian.PutUint32(params[8:12], uint32(spatial))
	binary.LittleEndian.PutUint32(params[12:16], boolU32(train))
	binary.LittleEndian.PutUint32(params[16:20], boolU32(mask[0]))
	binary.LittleEndian.PutUint32(params[20:24], boolU32(mask[1]))
	binary.LittleEndian.PutUint32(params[24:28], boolU32(mask[2]))
	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferInput, 0, giSize),
		wgpu.BufferBindingEntry(1, bufferGradOut, 0, giSize),
		wgpu.BufferBindingEntry(2, bufferMean, 0, chanSize),
		wgpu.BufferBindingEntry(3, bufferInvstd, 0, chanSize),
		wgpu.BufferBindingEntry(4, bufferWeight, 0, chanSize),
		wgpu.BufferBindingEntry(5, bufferGradIn, 0, giSize),
		wgpu.BufferBindingEntry(6, bufferGradWeight, 0, chanSize),
		wgpu.BufferBindingEntry(7, bufferGradBias, 0, chanSize),
		wgpu.BufferBindingEntry(8, bufferParams, 0, 32),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	//nolint:gosec // G115: workgroup count is non-negative
	workgroups := uint32((channels + 63) / 64)
	computePass.DispatchWorkgroups(workgroups, 1, 1)
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	if mask[0] {
		gi, err = b.readBuffer(bufferGradIn, giSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[1] {
		gw, err = b.readBuffer(bufferGradWeight, chanSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[2] {
		gb, err = b.readBuffer(bufferGradBias, chanSize)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return gi, gw, gb, nil
}

func floatBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
