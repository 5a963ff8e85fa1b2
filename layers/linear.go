package layers

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Linear implements a fully connected layer on the last axis: y = xW + b
type Linear struct {
	mode
	name       string
	inputSize  int
	outputSize int
	weight     *tensor.Tensor // [inputSize, outputSize]
	bias       *tensor.Tensor // [outputSize] or nil
}

// NewLinear creates a new Linear layer initialised with KaimingUniform weights and a
// uniform bias in the same range
func NewLinear(name string, inputSize, outputSize int, bias bool, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear %s: invalid sizes %d -> %d", name, inputSize, outputSize)
	}
	weight, err := tensor.NewParameter(name+".weight", []int{inputSize, outputSize}, nil)
	if err != nil {
		return nil, err
	}
	KaimingUniform(weight, inputSize, outputSize, rng)

	l := &Linear{
		mode:       mode{training: true},
		name:       name,
		inputSize:  inputSize,
		outputSize: outputSize,
		weight:     weight,
	}
	if bias {
		b, err := tensor.NewParameter(name+".bias", []int{outputSize}, nil)
		if err != nil {
			return nil, err
		}
		KaimingUniform(b, inputSize, outputSize, rng)
		l.bias = b
	}
	return l, nil
}

// Reinit redraws the weights with init and zeroes the bias
func (l *Linear) Reinit(init Initializer, rng *rand.Rand) {
	init(l.weight, l.inputSize, l.outputSize, rng)
	if l.bias != nil {
		for i := range l.bias.Data {
			l.bias.Data[i] = 0
		}
	}
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.Shape[len(input.Shape)-1] != l.inputSize {
		return nil, fmt.Errorf("linear %s: %w: expected last axis %d, got shape %v", l.name, tensor.ErrShapeMismatch, l.inputSize, input.Shape)
	}
	return Guard(func() (*tensor.Tensor, error) {
		out := l.project(input)
		if l.bias != nil {
			out = tensor.Add(out, l.bias)
		}
		return out, nil
	})
}

func (l *Linear) project(input *tensor.Tensor) *tensor.Tensor {
	if len(input.Shape) == 2 {
		return tensor.MatMul(input, l.weight)
	}
	lead := input.Shape[:len(input.Shape)-1]
	flat := tensor.Reshape(input, -1, l.inputSize)
	out := tensor.MatMul(flat, l.weight)
	return tensor.Reshape(out, append(copyShape(lead), l.outputSize)...)
}

func (l *Linear) OutputShape(in []int) ([]int, error) {
	if len(in) < 2 || in[len(in)-1] != l.inputSize {
		return nil, fmt.Errorf("linear %s: %w: expected last axis %d, got %v", l.name, tensor.ErrShapeMismatch, l.inputSize, in)
	}
	out := copyShape(in)
	out[len(out)-1] = l.outputSize
	return out, nil
}

func (l *Linear) Describe() LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: l.name,
		Parameters: map[string]interface{}{
			"input_size":  l.inputSize,
			"output_size": l.outputSize,
			"use_bias":    l.bias != nil,
		},
	}
}

func (l *Linear) Parameters() []*tensor.Tensor {
	if l.bias != nil {
		return []*tensor.Tensor{l.weight, l.bias}
	}
	return []*tensor.Tensor{l.weight}
}

// Weight exposes the [in, out] weight matrix
func (l *Linear) Weight() *tensor.Tensor { return l.weight }
