package layers

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Conv2DLayer implements a 2-D convolution over NCHW input with rectangular kernels
type Conv2DLayer struct {
	mode
	name           string
	inputChannels  int
	outputChannels int
	kernel         [2]int
	stride         [2]int
	padding        [2]int
	weight         *tensor.Tensor // [out, in, kh, kw]
	bias           *tensor.Tensor
}

// NewConv2D creates a new Conv2D layer with KaimingUniform weights
func NewConv2D(name string, inputChannels, outputChannels int, kernel, stride, padding [2]int, bias bool, rng *rand.Rand) (*Conv2DLayer, error) {
	if inputChannels <= 0 || outputChannels <= 0 {
		return nil, fmt.Errorf("conv2d %s: invalid channels %d -> %d", name, inputChannels, outputChannels)
	}
	for i := 0; i < 2; i++ {
		if kernel[i] <= 0 || stride[i] <= 0 || padding[i] < 0 {
			return nil, fmt.Errorf("conv2d %s: invalid kernel %v, stride %v or padding %v", name, kernel, stride, padding)
		}
	}
	weight, err := tensor.NewParameter(name+".weight", []int{outputChannels, inputChannels, kernel[0], kernel[1]}, nil)
	if err != nil {
		return nil, err
	}
	fanIn := inputChannels * kernel[0] * kernel[1]
	fanOut := outputChannels * kernel[0] * kernel[1]
	KaimingUniform(weight, fanIn, fanOut, rng)

	c := &Conv2DLayer{
		mode:           mode{training: true},
		name:           name,
		inputChannels:  inputChannels,
		outputChannels: outputChannels,
		kernel:         kernel,
		stride:         stride,
		padding:        padding,
		weight:         weight,
	}
	if bias {
		b, err := tensor.NewParameter(name+".bias", []int{outputChannels}, nil)
		if err != nil {
			return nil, err
		}
		KaimingUniform(b, fanIn, fanOut, rng)
		c.bias = b
	}
	return c, nil
}

func (c *Conv2DLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := c.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return Guard(func() (*tensor.Tensor, error) {
		return tensor.Conv2D(input, c.weight, c.bias, c.stride, c.padding), nil
	})
}

func (c *Conv2DLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, rankErr("conv2d "+c.name, in, 4)
	}
	if in[1] != c.inputChannels {
		return nil, fmt.Errorf("conv2d %s: %w: expected %d input channels, got %v", c.name, tensor.ErrShapeMismatch, c.inputChannels, in)
	}
	h := tensor.ConvOutputSize(in[2], c.kernel[0], c.stride[0], c.padding[0])
	w := tensor.ConvOutputSize(in[3], c.kernel[1], c.stride[1], c.padding[1])
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("conv2d %s: %w: kernel %v does not fit input %v with padding %v", c.name, tensor.ErrShapeMismatch, c.kernel, in, c.padding)
	}
	return []int{in[0], c.outputChannels, h, w}, nil
}

func (c *Conv2DLayer) Describe() LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: c.name,
		Parameters: map[string]interface{}{
			"input_channels":  c.inputChannels,
			"output_channels": c.outputChannels,
			"kernel_size":     c.kernel,
			"stride":          c.stride,
			"padding":         c.padding,
			"use_bias":        c.bias != nil,
		},
	}
}

func (c *Conv2DLayer) Parameters() []*tensor.Tensor {
	if c.bias != nil {
		return []*tensor.Tensor{c.weight, c.bias}
	}
	return []*tensor.Tensor{c.weight}
}

// AvgPoolLayer averages windows along the last axis
type AvgPoolLayer struct {
	mode
	noParams
	name   string
	kernel int
	stride int
}

// NewAvgPool creates an average pooling layer over the last axis
func NewAvgPool(name string, kernel, stride int) (*AvgPoolLayer, error) {
	if kernel <= 0 || stride <= 0 {
		return nil, fmt.Errorf("avgpool %s: invalid kernel %d or stride %d", name, kernel, stride)
	}
	return &AvgPoolLayer{mode: mode{training: true}, name: name, kernel: kernel, stride: stride}, nil
}

func (p *AvgPoolLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := p.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return tensor.AvgPoolLast(input, p.kernel, p.stride), nil
}

func (p *AvgPoolLayer) OutputShape(in []int) ([]int, error) {
	if len(in) == 0 {
		return nil, rankErr("avgpool "+p.name, in, 1)
	}
	n := in[len(in)-1]
	if n < p.kernel {
		return nil, fmt.Errorf("avgpool %s: %w: kernel %d longer than axis %d", p.name, tensor.ErrShapeMismatch, p.kernel, n)
	}
	out := copyShape(in)
	out[len(out)-1] = (n-p.kernel)/p.stride + 1
	return out, nil
}

func (p *AvgPoolLayer) Describe() LayerSpec {
	return LayerSpec{Type: AvgPool, Name: p.name, Parameters: map[string]interface{}{"kernel": p.kernel, "stride": p.stride}}
}
