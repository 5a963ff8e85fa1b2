package tensor

import (
	"fmt"
)

// MatMulOp implements batched matrix multiplication. The right operand is either
// batched like the left one or a single [K, N] matrix shared by every batch.
type MatMulOp struct {
	inputs  []*Tensor
	batch   int
	m, k, n int
	shared  bool
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	m, k, n := op.m, op.k, op.n
	if a.requiresGrad {
		// dA = G · Bᵀ
		ga := Zeros(a.Shape)
		for bt := 0; bt < op.batch; bt++ {
			g := gradOut.Data[bt*m*n : (bt+1)*m*n]
			bm := op.rhs(b.Data, bt)
			dst := ga.Data[bt*m*k : (bt+1)*m*k]
			for i := 0; i < m; i++ {
				for p := 0; p < k; p++ {
					var s float32
					for j := 0; j < n; j++ {
						s += g[i*n+j] * bm[p*n+j]
					}
					dst[i*k+p] = s
				}
			}
		}
		grads[0] = ga
	}
	if b.requiresGrad {
		// dB = Aᵀ · G, summed over batches when B is shared
		gb := Zeros(b.Shape)
		for bt := 0; bt < op.batch; bt++ {
			g := gradOut.Data[bt*m*n : (bt+1)*m*n]
			am := a.Data[bt*m*k : (bt+1)*m*k]
			dst := op.rhs(gb.Data, bt)
			for i := 0; i < m; i++ {
				for p := 0; p < k; p++ {
					av := am[i*k+p]
					if av == 0 {
						continue
					}
					for j := 0; j < n; j++ {
						dst[p*n+j] += av * g[i*n+j]
					}
				}
			}
		}
		grads[1] = gb
	}
	return grads
}

func (op *MatMulOp) rhs(data []float32, bt int) []float32 {
	if op.shared {
		return data
	}
	return data[bt*op.k*op.n : (bt+1)*op.k*op.n]
}

// MatMul multiplies the last two axes of a [..., M, K] by b [..., K, N] or [K, N]
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		panic(fmt.Errorf("matmul: %w", shapeErr("operands must be at least 2-D, got %v and %v", a.Shape, b.Shape)))
	}
	ra, rb := len(a.Shape), len(b.Shape)
	m, k := a.Shape[ra-2], a.Shape[ra-1]
	kb, n := b.Shape[rb-2], b.Shape[rb-1]
	if k != kb {
		panic(fmt.Errorf("matmul: %w", shapeErr("inner dimensions differ: %v @ %v", a.Shape, b.Shape)))
	}
	shared := rb == 2
	if !shared && !shapesEqual(a.Shape[:ra-2], b.Shape[:rb-2]) {
		panic(fmt.Errorf("matmul: %w", shapeErr("batch dimensions differ: %v @ %v", a.Shape, b.Shape)))
	}
	batch := calculateNumElements(a.Shape[:ra-2])

	outShape := append(copyInts(a.Shape[:ra-2]), m, n)
	out := Zeros(outShape)
	op := &MatMulOp{inputs: []*Tensor{a, b}, batch: batch, m: m, k: k, n: n, shared: shared}
	for bt := 0; bt < batch; bt++ {
		am := a.Data[bt*m*k : (bt+1)*m*k]
		bm := op.rhs(b.Data, bt)
		dst := out.Data[bt*m*n : (bt+1)*m*n]
		for i := 0; i < m; i++ {
			for p := 0; p < k; p++ {
				av := am[i*k+p]
				if av == 0 {
					continue
				}
				row := bm[p*n : (p+1)*n]
				for j, bv := range row {
					dst[i*n+j] += av * bv
				}
			}
		}
	}
	return attach(out, op, a, b)
}

// PermuteOp reorders axes
type PermuteOp struct {
	input *Tensor
	perm  []int
}

func (op *PermuteOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *PermuteOp) Backward(gradOut *Tensor) []*Tensor {
	inv := make([]int, len(op.perm))
	for i, p := range op.perm {
		inv[p] = i
	}
	return []*Tensor{permuteData(gradOut, inv)}
}

func permuteData(a *Tensor, perm []int) *Tensor {
	rank := len(a.Shape)
	outShape := make([]int, rank)
	srcStrides := make([]int, rank)
	for i, p := range perm {
		outShape[i] = a.Shape[p]
		srcStrides[i] = a.Strides[p]
	}
	out := Zeros(outShape)
	forEachBroadcast(outShape, srcStrides, make([]int, rank), func(o, ia, _ int) {
		out.Data[o] = a.Data[ia]
	})
	return out
}

// Permute reorders the axes of a so that output axis i is input axis perm[i]
func Permute(a *Tensor, perm ...int) *Tensor {
	if len(perm) != len(a.Shape) {
		panic(fmt.Errorf("permute: %w", shapeErr("permutation %v does not match rank of %v", perm, a.Shape)))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			panic(fmt.Errorf("permute: %w", shapeErr("invalid permutation %v", perm)))
		}
		seen[p] = true
	}
	return attach(permuteData(a, perm), &PermuteOp{input: a, perm: copyInts(perm)}, a)
}

// Transpose swaps two axes
func Transpose(a *Tensor, axis1, axis2 int) *Tensor {
	rank := len(a.Shape)
	axis1, axis2 = normalizeAxis(axis1, rank), normalizeAxis(axis2, rank)
	perm := make([]int, rank)
	for i := range perm {
		perm[i] = i
	}
	perm[axis1], perm[axis2] = perm[axis2], perm[axis1]
	return Permute(a, perm...)
}

// ReshapeOp changes the shape of a tensor without moving data
type ReshapeOp struct {
	input *Tensor
}

func (op *ReshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *ReshapeOp) Backward(gradOut *Tensor) []*Tensor {
	g := gradOut.Detach()
	g.Shape = copyInts(op.input.Shape)
	g.Strides = calculateStrides(g.Shape)
	return []*Tensor{g}
}

// Reshape returns a view of a with a new shape; one dimension may be -1
func Reshape(a *Tensor, shape ...int) *Tensor {
	resolved := copyInts(shape)
	infer := -1
	known := 1
	for i, d := range resolved {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			panic(fmt.Errorf("reshape: %w", shapeErr("invalid target shape %v", shape)))
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || a.NumElems%known != 0 {
			panic(fmt.Errorf("reshape: %w", shapeErr("cannot infer %v from %d elements", shape, a.NumElems)))
		}
		resolved[infer] = a.NumElems / known
	}
	if calculateNumElements(resolved) != a.NumElems {
		panic(fmt.Errorf("reshape: %w", shapeErr("cannot reshape %v into %v", a.Shape, shape)))
	}
	out := &Tensor{
		Shape:    resolved,
		Strides:  calculateStrides(resolved),
		Device:   a.Device,
		Data:     a.Data,
		NumElems: a.NumElems,
	}
	return attach(out, &ReshapeOp{input: a}, a)
}

// NarrowOp selects a contiguous range of one axis
type NarrowOp struct {
	input         *Tensor
	axis          int
	start, length int
}

func (op *NarrowOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *NarrowOp) Backward(gradOut *Tensor) []*Tensor {
	outer, n, inner := axisLayout(op.input.Shape, op.axis)
	g := Zeros(op.input.Shape)
	for o := 0; o < outer; o++ {
		src := gradOut.Data[o*op.length*inner : (o+1)*op.length*inner]
		copy(g.Data[(o*n+op.start)*inner:], src)
	}
	return []*Tensor{g}
}

// Narrow returns elements [start, start+length) along axis
func Narrow(a *Tensor, axis, start, length int) *Tensor {
	axis = normalizeAxis(axis, len(a.Shape))
	if start < 0 || length <= 0 || start+length > a.Shape[axis] {
		panic(fmt.Errorf("narrow: %w", shapeErr("range [%d, %d) outside axis %d of %v", start, start+length, axis, a.Shape)))
	}
	outer, n, inner := axisLayout(a.Shape, axis)
	outShape := copyInts(a.Shape)
	outShape[axis] = length
	out := Zeros(outShape)
	for o := 0; o < outer; o++ {
		copy(out.Data[o*length*inner:(o+1)*length*inner], a.Data[(o*n+start)*inner:(o*n+start+length)*inner])
	}
	return attach(out, &NarrowOp{input: a, axis: axis, start: start, length: length}, a)
}

// ConcatOp joins tensors along one axis
type ConcatOp struct {
	inputs []*Tensor
	axis   int
}

func (op *ConcatOp) Inputs() []*Tensor { return op.inputs }

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	grads := make([]*Tensor, len(op.inputs))
	offset := 0
	for i, in := range op.inputs {
		length := in.Shape[op.axis]
		if in.requiresGrad {
			grads[i] = narrowData(gradOut, op.axis, offset, length)
		}
		offset += length
	}
	return grads
}

func narrowData(a *Tensor, axis, start, length int) *Tensor {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)
	return Narrow(a, axis, start, length)
}

// Concat joins tensors that agree on every axis except axis
func Concat(xs []*Tensor, axis int) *Tensor {
	if len(xs) == 0 {
		panic(fmt.Errorf("concat: %w", shapeErr("no tensors")))
	}
	rank := len(xs[0].Shape)
	axis = normalizeAxis(axis, rank)
	outShape := copyInts(xs[0].Shape)
	outShape[axis] = 0
	for _, x := range xs {
		if len(x.Shape) != rank {
			panic(fmt.Errorf("concat: %w", shapeErr("rank mismatch %v vs %v", xs[0].Shape, x.Shape)))
		}
		for d := range x.Shape {
			if d != axis && x.Shape[d] != xs[0].Shape[d] {
				panic(fmt.Errorf("concat: %w", shapeErr("shape mismatch %v vs %v on axis %d", xs[0].Shape, x.Shape, d)))
			}
		}
		outShape[axis] += x.Shape[axis]
	}
	out := Zeros(outShape)
	outer, total, inner := axisLayout(outShape, axis)
	offset := 0
	for _, x := range xs {
		length := x.Shape[axis]
		for o := 0; o < outer; o++ {
			copy(out.Data[(o*total+offset)*inner:(o*total+offset+length)*inner], x.Data[o*length*inner:(o+1)*length*inner])
		}
		offset += length
	}
	return attach(out, &ConcatOp{inputs: xs, axis: axis}, xs...)
}
