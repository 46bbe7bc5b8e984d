package cpu

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// dimIter2 walks every position of shape whose index along dim is fixed at
// j, in row-major order over the remaining dimensions, invoking fn with the
// flat element offsets computed from the two stride layouts. A nil stride
// slice yields offset 0 throughout, which lets callers skip a layout.
//
// The walk is strictly sequential so accumulation order is deterministic.
func dimIter2(shape tensor.Shape, dim, j int, sa, sb []int, fn func(a, b int)) {
	ndim := len(shape)
	count := 1
	for d := 0; d < ndim; d++ {
		if d != dim {
			count *= shape[d]
		}
	}
	if count == 0 {
		return
	}

	aOff, bOff := 0, 0
	if sa != nil {
		aOff = j * sa[dim]
	}
	if sb != nil {
		bOff = j * sb[dim]
	}

	idx := make([]int, ndim)
	for i := 0; i < count; i++ {
		fn(aOff, bOff)
		for d := ndim - 1; d >= 0; d-- {
			if d == dim {
				continue
			}
			idx[d]++
			if sa != nil {
				aOff += sa[d]
			}
			if sb != nil {
				bOff += sb[d]
			}
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			if sa != nil {
				aOff -= shape[d] * sa[d]
			}
			if sb != nil {
				bOff -= shape[d] * sb[d]
			}
		}
	}
}

// dimIter3 is dimIter2 for three stride layouts.
func dimIter3(shape tensor.Shape, dim, j int, sa, sb, sc []int, fn func(a, b, c int)) {
	ndim := len(shape)
	count := 1
	for d := 0; d < ndim; d++ {
		if d != dim {
			count *= shape[d]
		}
	}
	if count == 0 {
		return
	}

	aOff, bOff, cOff := 0, 0, 0
	if sa != nil {
		aOff = j * sa[dim]
	}
	if sb != nil {
		bOff = j * sb[dim]
	}
	if sc != nil {
		cOff = j * sc[dim]
	}

	idx := make([]int, ndim)
	for i := 0; i < count; i++ {
		fn(aOff, bOff, cOff)
		for d := ndim - 1; d >= 0; d-- {
			if d == dim {
				continue
			}
			idx[d]++
			if sa != nil {
				aOff += sa[d]
			}
			if sb != nil {
				bOff += sb[d]
			}
			if sc != nil {
				cOff += sc[d]
			}
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
			if sa != nil {
				aOff -= shape[d] * sa[d]
			}
			if sb != nil {
				bOff -= shape[d] * sb[d]
			}
			if sc != nil {
				cOff -= shape[d] * sc[d]
			}
		}
	}
}
