package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// unaryOp records an element-wise function whose derivative is expressed in terms of
// the input x and output y
type unaryOp struct {
	input  *Tensor
	output *Tensor
	deriv  func(x, y float32) float32
}

func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *unaryOp) Backward(gradOut *Tensor) []*Tensor {
	g := Zeros(gradOut.Shape)
	for i, v := range gradOut.Data {
		g.Data[i] = v * op.deriv(op.input.Data[i], op.output.Data[i])
	}
	return []*Tensor{g}
}

func applyUnary(a *Tensor, f func(x float32) float32, deriv func(x, y float32) float32) *Tensor {
	out := Zeros(a.Shape)
	for i, v := range a.Data {
		out.Data[i] = f(v)
	}
	return attach(out, &unaryOp{input: a, output: out, deriv: deriv}, a)
}

// LeakyReLU applies max(x, slope*x)
func LeakyReLU(a *Tensor, slope float32) *Tensor {
	return applyUnary(a,
		func(x float32) float32 {
			if x > 0 {
				return x
			}
			return slope * x
		},
		func(x, _ float32) float32 {
			if x > 0 {
				return 1
			}
			return slope
		})
}

// ReLU applies max(x, 0)
func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// Tanh applies the hyperbolic tangent
func Tanh(a *Tensor) *Tensor {
	return applyUnary(a, math32.Tanh, func(_, y float32) float32 { return 1 - y*y })
}

// Sigmoid applies the logistic function
func Sigmoid(a *Tensor) *Tensor {
	return applyUnary(a, sigmoid, func(_, y float32) float32 { return y * (1 - y) })
}

// Sin applies the sine function
func Sin(a *Tensor) *Tensor {
	return applyUnary(a, math32.Sin, func(x, _ float32) float32 { return math32.Cos(x) })
}

// Mish applies x * tanh(softplus(x))
func Mish(a *Tensor) *Tensor {
	return applyUnary(a,
		func(x float32) float32 { return x * math32.Tanh(softplus(x)) },
		func(x, _ float32) float32 {
			t := math32.Tanh(softplus(x))
			return t + x*(1-t*t)*sigmoid(x)
		})
}

func sigmoid(x float32) float32 {
	if x >= 0 {
		return 1 / (1 + math32.Exp(-x))
	}
	e := math32.Exp(x)
	return e / (1 + e)
}

// softplus is log(1 + exp(x)) without overflow
func softplus(x float32) float32 {
	return math32.Log1p(math32.Exp(-math32.Abs(x))) + math32.Max(x, 0)
}

// SigmoidValue exposes the stable logistic function for callers working on raw data
func SigmoidValue(x float32) float32 {
	return sigmoid(x)
}

// axisLayout splits shape around axis into outer, length and inner extents
func axisLayout(shape []int, axis int) (outer, n, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[axis], inner
}

// SoftmaxOp implements softmax over the last axis
type SoftmaxOp struct {
	input  *Tensor
	output *Tensor
}

func (op *SoftmaxOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *SoftmaxOp) Backward(gradOut *Tensor) []*Tensor {
	n := op.output.Shape[len(op.output.Shape)-1]
	g := Zeros(gradOut.Shape)
	for row := 0; row < len(g.Data)/n; row++ {
		y := op.output.Data[row*n : (row+1)*n]
		gy := gradOut.Data[row*n : (row+1)*n]
		var dot float32
		for j := range y {
			dot += gy[j] * y[j]
		}
		for j := range y {
			g.Data[row*n+j] = y[j] * (gy[j] - dot)
		}
	}
	return []*Tensor{g}
}

// Softmax normalises the last axis into a probability distribution
func Softmax(a *Tensor) *Tensor {
	out := Zeros(a.Shape)
	softmaxRows(a.Data, out.Data, a.Shape[len(a.Shape)-1])
	return attach(out, &SoftmaxOp{input: a, output: out}, a)
}

func softmaxRows(src, dst []float32, n int) {
	for row := 0; row < len(src)/n; row++ {
		x := src[row*n : (row+1)*n]
		y := dst[row*n : (row+1)*n]
		maxVal := x[0]
		for _, v := range x[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for j, v := range x {
			y[j] = math32.Exp(v - maxVal)
			sum += y[j]
		}
		for j := range y {
			y[j] /= sum
		}
	}
}

// SumOp reduces one axis by summation
type SumOp struct {
	input *Tensor
	axis  int
	scale float32
}

func (op *SumOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *SumOp) Backward(gradOut *Tensor) []*Tensor {
	outer, n, inner := axisLayout(op.input.Shape, op.axis)
	g := Zeros(op.input.Shape)
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			for i := 0; i < inner; i++ {
				g.Data[(o*n+k)*inner+i] = gradOut.Data[o*inner+i] * op.scale
			}
		}
	}
	return []*Tensor{g}
}

func reduceAxis(a *Tensor, axis int, scale float32) *Tensor {
	axis = normalizeAxis(axis, len(a.Shape))
	outer, n, inner := axisLayout(a.Shape, axis)
	outShape := make([]int, 0, len(a.Shape)-1)
	outShape = append(outShape, a.Shape[:axis]...)
	outShape = append(outShape, a.Shape[axis+1:]...)
	if len(outShape) == 0 {
		outShape = []int{1}
	}
	out := Zeros(outShape)
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			for i := 0; i < inner; i++ {
				out.Data[o*inner+i] += a.Data[(o*n+k)*inner+i]
			}
		}
	}
	if scale != 1 {
		for i := range out.Data {
			out.Data[i] *= scale
		}
	}
	return attach(out, &SumOp{input: a, axis: axis, scale: scale}, a)
}

// Sum reduces axis by summation, dropping it from the shape
func Sum(a *Tensor, axis int) *Tensor {
	return reduceAxis(a, axis, 1)
}

// Mean reduces axis by averaging, dropping it from the shape
func Mean(a *Tensor, axis int) *Tensor {
	axis = normalizeAxis(axis, len(a.Shape))
	return reduceAxis(a, axis, 1/float32(a.Shape[axis]))
}

type sumAllOp struct {
	input *Tensor
	scale float32
}

func (op *sumAllOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *sumAllOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Full(op.input.Shape, gradOut.Data[0]*op.scale)}
}

// SumAll reduces every element to a [1] tensor
func SumAll(a *Tensor) *Tensor {
	var s float32
	for _, v := range a.Data {
		s += v
	}
	return attach(Scalar(s), &sumAllOp{input: a, scale: 1}, a)
}

// MeanAll averages every element into a [1] tensor
func MeanAll(a *Tensor) *Tensor {
	var s float32
	for _, v := range a.Data {
		s += v
	}
	scale := 1 / float32(a.NumElems)
	return attach(Scalar(s*scale), &sumAllOp{input: a, scale: scale}, a)
}

// ArgMaxLast returns the index of the largest value of every row of the last axis
func ArgMaxLast(a *Tensor) []int {
	n := a.Shape[len(a.Shape)-1]
	rows := a.NumElems / n
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for j := 1; j < n; j++ {
			if a.Data[r*n+j] > a.Data[r*n+best] {
				best = j
			}
		}
		out[r] = best
	}
	return out
}

// HasNaN reports whether any element is NaN or infinite
func HasNaN(a *Tensor) bool {
	for _, v := range a.Data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func mustRank(name string, a *Tensor, rank int) {
	if len(a.Shape) != rank {
		panic(fmt.Errorf("%s: %w", name, shapeErr("expected rank %d, got shape %v", rank, a.Shape)))
	}
}
