package tensor

import (
	"fmt"

	"github.com/chewxy/math32"
)

// LayerNormOp normalises the last axis to zero mean and unit variance
type LayerNormOp struct {
	input  *Tensor
	xhat   []float32
	invStd []float32
	n      int
}

func (op *LayerNormOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *LayerNormOp) Backward(gradOut *Tensor) []*Tensor {
	n := op.n
	g := Zeros(gradOut.Shape)
	fn := float32(n)
	for row := range op.invStd {
		gy := gradOut.Data[row*n : (row+1)*n]
		xh := op.xhat[row*n : (row+1)*n]
		var sumG, sumGX float32
		for j := range gy {
			sumG += gy[j]
			sumGX += gy[j] * xh[j]
		}
		for j := range gy {
			g.Data[row*n+j] = op.invStd[row] * (gy[j] - sumG/fn - xh[j]*sumGX/fn)
		}
	}
	return []*Tensor{g}
}

// LayerNormalize standardises every row of the last axis using the biased variance
func LayerNormalize(a *Tensor, eps float32) *Tensor {
	n := a.Shape[len(a.Shape)-1]
	rows := a.NumElems / n
	out := Zeros(a.Shape)
	invStd := make([]float32, rows)
	for row := 0; row < rows; row++ {
		x := a.Data[row*n : (row+1)*n]
		var mean float32
		for _, v := range x {
			mean += v
		}
		mean /= float32(n)
		var variance float32
		for _, v := range x {
			d := v - mean
			variance += d * d
		}
		variance /= float32(n)
		invStd[row] = 1 / math32.Sqrt(variance+eps)
		for j, v := range x {
			out.Data[row*n+j] = (v - mean) * invStd[row]
		}
	}
	return attach(out, &LayerNormOp{input: a, xhat: out.Data, invStd: invStd, n: n}, a)
}

// BatchNormOp normalises every channel of an NCHW tensor with batch statistics
type BatchNormOp struct {
	input  *Tensor
	xhat   []float32
	invStd []float32
}

func (op *BatchNormOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *BatchNormOp) Backward(gradOut *Tensor) []*Tensor {
	n, c, hw := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2]*op.input.Shape[3]
	m := float32(n * hw)
	g := Zeros(gradOut.Shape)
	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float32
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				sumG += gradOut.Data[base+i]
				sumGX += gradOut.Data[base+i] * op.xhat[base+i]
			}
		}
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				g.Data[base+i] = op.invStd[ch] / m * (m*gradOut.Data[base+i] - sumG - op.xhat[base+i]*sumGX)
			}
		}
	}
	return []*Tensor{g}
}

// BatchNormalize standardises every channel of a [N,C,H,W] tensor with the batch mean
// and biased variance. It also returns the batch mean and unbiased variance per channel
// so callers can maintain running statistics.
func BatchNormalize(a *Tensor, eps float32) (*Tensor, []float32, []float32) {
	mustRank("batchnorm", a, 4)
	n, c, hw := a.Shape[0], a.Shape[1], a.Shape[2]*a.Shape[3]
	m := n * hw
	out := Zeros(a.Shape)
	means := make([]float32, c)
	unbiased := make([]float32, c)
	invStd := make([]float32, c)
	for ch := 0; ch < c; ch++ {
		var mean float32
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				mean += a.Data[base+i]
			}
		}
		mean /= float32(m)
		var ss float32
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				d := a.Data[base+i] - mean
				ss += d * d
			}
		}
		means[ch] = mean
		if m > 1 {
			unbiased[ch] = ss / float32(m-1)
		}
		invStd[ch] = 1 / math32.Sqrt(ss/float32(m)+eps)
		for b := 0; b < n; b++ {
			base := (b*c + ch) * hw
			for i := 0; i < hw; i++ {
				out.Data[base+i] = (a.Data[base+i] - mean) * invStd[ch]
			}
		}
	}
	return attach(out, &BatchNormOp{input: a, xhat: out.Data, invStd: invStd}, a), means, unbiased
}

// ConvOutputSize applies the standard convolution output arithmetic
func ConvOutputSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}

// Conv2DOp is a direct (non-im2col) 2-D convolution over NCHW input
type Conv2DOp struct {
	inputs      []*Tensor
	stride, pad [2]int
	outH, outW  int
}

func (op *Conv2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, w := op.inputs[0], op.inputs[1]
	grads := make([]*Tensor, len(op.inputs))
	var gx, gw *Tensor
	if x.requiresGrad {
		gx = Zeros(x.Shape)
	}
	if w.requiresGrad {
		gw = Zeros(w.Shape)
	}
	op.walk(x, w, func(xi, wi, oi int) {
		g := gradOut.Data[oi]
		if gx != nil {
			gx.Data[xi] += g * w.Data[wi]
		}
		if gw != nil {
			gw.Data[wi] += g * x.Data[xi]
		}
	})
	grads[0], grads[1] = gx, gw
	if len(op.inputs) == 3 && op.inputs[2].requiresGrad {
		cout := w.Shape[0]
		gb := Zeros([]int{cout})
		plane := op.outH * op.outW
		for i, v := range gradOut.Data {
			gb.Data[(i/plane)%cout] += v
		}
		grads[2] = gb
	}
	return grads
}

// walk visits every (input, weight, output) flat-offset triple that contributes to the
// convolution, skipping padded positions
func (op *Conv2DOp) walk(x, w *Tensor, fn func(xi, wi, oi int)) {
	n, cin, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	cout, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	for b := 0; b < n; b++ {
		for co := 0; co < cout; co++ {
			for oy := 0; oy < op.outH; oy++ {
				for ox := 0; ox < op.outW; ox++ {
					oi := ((b*cout+co)*op.outH+oy)*op.outW + ox
					for ci := 0; ci < cin; ci++ {
						for ky := 0; ky < kh; ky++ {
							iy := oy*op.stride[0] - op.pad[0] + ky
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < kw; kx++ {
								ix := ox*op.stride[1] - op.pad[1] + kx
								if ix < 0 || ix >= wd {
									continue
								}
								fn(((b*cin+ci)*h+iy)*wd+ix, ((co*cin+ci)*kh+ky)*kw+kx, oi)
							}
						}
					}
				}
			}
		}
	}
}

// Conv2D convolves x [N,Cin,H,W] with weight [Cout,Cin,KH,KW] and an optional bias [Cout]
func Conv2D(x, weight, bias *Tensor, stride, pad [2]int) *Tensor {
	mustRank("conv2d input", x, 4)
	mustRank("conv2d weight", weight, 4)
	if x.Shape[1] != weight.Shape[1] {
		panic(fmt.Errorf("conv2d: %w", shapeErr("input channels %d, weight expects %d", x.Shape[1], weight.Shape[1])))
	}
	if stride[0] <= 0 || stride[1] <= 0 || pad[0] < 0 || pad[1] < 0 {
		panic(fmt.Errorf("conv2d: %w", shapeErr("invalid stride %v or padding %v", stride, pad)))
	}
	outH := ConvOutputSize(x.Shape[2], weight.Shape[2], stride[0], pad[0])
	outW := ConvOutputSize(x.Shape[3], weight.Shape[3], stride[1], pad[1])
	if outH <= 0 || outW <= 0 {
		panic(fmt.Errorf("conv2d: %w", shapeErr("kernel %v larger than padded input %v", weight.Shape[2:], x.Shape[2:])))
	}
	cout := weight.Shape[0]
	out := Zeros([]int{x.Shape[0], cout, outH, outW})
	inputs := []*Tensor{x, weight}
	if bias != nil {
		if bias.NumElems != cout {
			panic(fmt.Errorf("conv2d: %w", shapeErr("bias %v for %d output channels", bias.Shape, cout)))
		}
		inputs = append(inputs, bias)
	}
	op := &Conv2DOp{inputs: inputs, stride: stride, pad: pad, outH: outH, outW: outW}
	op.walk(x, weight, func(xi, wi, oi int) {
		out.Data[oi] += x.Data[xi] * weight.Data[wi]
	})
	if bias != nil {
		plane := outH * outW
		for i := range out.Data {
			out.Data[i] += bias.Data[(i/plane)%cout]
		}
	}
	return attach(out, op, inputs...)
}

// AvgPoolOp averages sliding windows of the last axis
type AvgPoolOp struct {
	input          *Tensor
	kernel, stride int
	outLen         int
}

func (op *AvgPoolOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *AvgPoolOp) Backward(gradOut *Tensor) []*Tensor {
	n := op.input.Shape[len(op.input.Shape)-1]
	g := Zeros(op.input.Shape)
	scale := 1 / float32(op.kernel)
	for row := 0; row < op.input.NumElems/n; row++ {
		for o := 0; o < op.outLen; o++ {
			v := gradOut.Data[row*op.outLen+o] * scale
			start := row*n + o*op.stride
			for k := 0; k < op.kernel; k++ {
				g.Data[start+k] += v
			}
		}
	}
	return []*Tensor{g}
}

// AvgPoolLast averages windows of size kernel taken every stride elements of the last axis
func AvgPoolLast(a *Tensor, kernel, stride int) *Tensor {
	n := a.Shape[len(a.Shape)-1]
	if kernel <= 0 || stride <= 0 || kernel > n {
		panic(fmt.Errorf("avgpool: %w", shapeErr("kernel %d stride %d on length %d", kernel, stride, n)))
	}
	outLen := (n-kernel)/stride + 1
	outShape := copyInts(a.Shape)
	outShape[len(outShape)-1] = outLen
	out := Zeros(outShape)
	scale := 1 / float32(kernel)
	for row := 0; row < a.NumElems/n; row++ {
		for o := 0; o < outLen; o++ {
			var s float32
			start := row*n + o*stride
			for k := 0; k < kernel; k++ {
				s += a.Data[start+k]
			}
			out.Data[row*outLen+o] = s * scale
		}
	}
	return attach(out, &AvgPoolOp{input: a, kernel: kernel, stride: stride, outLen: outLen}, a)
}
