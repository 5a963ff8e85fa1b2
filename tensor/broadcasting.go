package tensor

import (
	"fmt"
)

// BroadcastShapes determines if two shapes are broadcastable and returns the resulting shape.
// Follows NumPy rules: trailing dimensions are compared, and a dimension is compatible
// when equal, 1, or missing.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	rank := len(shape1)
	if len(shape2) > rank {
		rank = len(shape2)
	}
	result := make([]int, rank)
	for i := 0; i < rank; i++ {
		d1, d2 := 1, 1
		if j := len(shape1) - rank + i; j >= 0 {
			d1 = shape1[j]
		}
		if j := len(shape2) - rank + i; j >= 0 {
			d2 = shape2[j]
		}
		switch {
		case d1 == d2:
			result[i] = d1
		case d1 == 1:
			result[i] = d2
		case d2 == 1:
			result[i] = d1
		default:
			return nil, shapeErr("cannot broadcast %v with %v", shape1, shape2)
		}
	}
	return result, nil
}

// alignedStrides maps the strides of a tensor with shape onto outShape, using 0 for
// broadcast axes.
func alignedStrides(shape []int, outShape []int) []int {
	strides := calculateStrides(shape)
	aligned := make([]int, len(outShape))
	offset := len(outShape) - len(shape)
	for d := range outShape {
		td := d - offset
		if td < 0 || (shape[td] == 1 && outShape[d] != 1) {
			continue
		}
		aligned[d] = strides[td]
	}
	return aligned
}

// forEachBroadcast walks outShape in row-major order and hands the matching flat
// offsets of both operands to fn
func forEachBroadcast(outShape, sa, sb []int, fn func(o, ia, ib int)) {
	rank := len(outShape)
	n := calculateNumElements(outShape)
	idx := make([]int, rank)
	ia, ib := 0, 0
	for o := 0; o < n; o++ {
		fn(o, ia, ib)
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			ia += sa[d]
			ib += sb[d]
			if idx[d] < outShape[d] {
				break
			}
			ia -= sa[d] * outShape[d]
			ib -= sb[d] * outShape[d]
			idx[d] = 0
		}
	}
}

func broadcastBinary(a, b *Tensor, f func(x, y float32) float32) (*Tensor, error) {
	if shapesEqual(a.Shape, b.Shape) {
		out := Zeros(a.Shape)
		for i := range out.Data {
			out.Data[i] = f(a.Data[i], b.Data[i])
		}
		return out, nil
	}
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out := Zeros(outShape)
	forEachBroadcast(outShape, alignedStrides(a.Shape, outShape), alignedStrides(b.Shape, outShape), func(o, ia, ib int) {
		out.Data[o] = f(a.Data[ia], b.Data[ib])
	})
	return out, nil
}

// sumToShape reduces a broadcast gradient back onto the operand shape
func sumToShape(g *Tensor, shape []int) *Tensor {
	if shapesEqual(g.Shape, shape) {
		return g
	}
	out := Zeros(shape)
	st := alignedStrides(shape, g.Shape)
	forEachBroadcast(g.Shape, st, make([]int, len(g.Shape)), func(o, it, _ int) {
		out.Data[it] += g.Data[o]
	})
	return out
}

func mustBinary(name string, a, b *Tensor, f func(x, y float32) float32) *Tensor {
	out, err := broadcastBinary(a, b, f)
	if err != nil {
		panic(fmt.Errorf("%s: %w", name, err))
	}
	return out
}

// AddOp implements the Operation interface for broadcast addition
type AddOp struct {
	inputs []*Tensor
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	// ∂(a + b)/∂a = 1, ∂(a + b)/∂b = 1, reduced over broadcast axes
	return []*Tensor{
		sumToShape(gradOut, op.inputs[0].Shape),
		sumToShape(gradOut, op.inputs[1].Shape),
	}
}

// Add returns a + b with broadcasting
func Add(a, b *Tensor) *Tensor {
	out := mustBinary("add", a, b, func(x, y float32) float32 { return x + y })
	return attach(out, &AddOp{inputs: []*Tensor{a, b}}, a, b)
}

// SubOp implements the Operation interface for broadcast subtraction
type SubOp struct {
	inputs []*Tensor
}

func (op *SubOp) Inputs() []*Tensor { return op.inputs }

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	neg := Zeros(gradOut.Shape)
	for i, v := range gradOut.Data {
		neg.Data[i] = -v
	}
	return []*Tensor{
		sumToShape(gradOut, op.inputs[0].Shape),
		sumToShape(neg, op.inputs[1].Shape),
	}
}

// Sub returns a - b with broadcasting
func Sub(a, b *Tensor) *Tensor {
	out := mustBinary("sub", a, b, func(x, y float32) float32 { return x - y })
	return attach(out, &SubOp{inputs: []*Tensor{a, b}}, a, b)
}

// MulOp implements the Operation interface for broadcast element-wise multiplication
type MulOp struct {
	inputs []*Tensor
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, 2)
	mul := func(x, y float32) float32 { return x * y }
	if a.requiresGrad {
		ga, _ := broadcastBinary(gradOut, b, mul)
		grads[0] = sumToShape(ga, a.Shape)
	}
	if b.requiresGrad {
		gb, _ := broadcastBinary(gradOut, a, mul)
		grads[1] = sumToShape(gb, b.Shape)
	}
	return grads
}

// Mul returns a * b element-wise with broadcasting
func Mul(a, b *Tensor) *Tensor {
	out := mustBinary("mul", a, b, func(x, y float32) float32 { return x * y })
	return attach(out, &MulOp{inputs: []*Tensor{a, b}}, a, b)
}

type scaleOp struct {
	input  *Tensor
	factor float32
}

func (op *scaleOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *scaleOp) Backward(gradOut *Tensor) []*Tensor {
	g := Zeros(gradOut.Shape)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.factor
	}
	return []*Tensor{g}
}

// Scale multiplies every element by a constant
func Scale(a *Tensor, factor float32) *Tensor {
	out := Zeros(a.Shape)
	for i, v := range a.Data {
		out.Data[i] = v * factor
	}
	return attach(out, &scaleOp{input: a, factor: factor}, a)
}

type addScalarOp struct {
	input *Tensor
}

func (op *addScalarOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *addScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

// AddScalar adds a constant to every element
func AddScalar(a *Tensor, value float32) *Tensor {
	out := Zeros(a.Shape)
	for i, v := range a.Data {
		out.Data[i] = v + value
	}
	return attach(out, &addScalarOp{input: a}, a)
}
