package layers

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// LSTMLayer is a single-layer unidirectional LSTM over [B, T, In] returning every
// hidden state as [B, T, H]. Gates are ordered input, forget, cell, output.
type LSTMLayer struct {
	mode
	name      string
	inputSize int
	hidden    int
	inputProj *Linear // In -> 4H with bias
	recurrent *Linear // H -> 4H without bias
}

func NewLSTM(name string, inputSize, hidden int, rng *rand.Rand) (*LSTMLayer, error) {
	if hidden <= 0 {
		return nil, fmt.Errorf("lstm %s: invalid hidden size %d", name, hidden)
	}
	inputProj, err := NewLinear(name+".weight_ih", inputSize, 4*hidden, true, rng)
	if err != nil {
		return nil, err
	}
	recurrent, err := NewLinear(name+".weight_hh", hidden, 4*hidden, false, rng)
	if err != nil {
		return nil, err
	}
	return &LSTMLayer{
		mode:      mode{training: true},
		name:      name,
		inputSize: inputSize,
		hidden:    hidden,
		inputProj: inputProj,
		recurrent: recurrent,
	}, nil
}

func (l *LSTMLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := l.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return Guard(func() (*tensor.Tensor, error) {
		b, steps, h := input.Shape[0], input.Shape[1], l.hidden
		projected, err := l.inputProj.Forward(input)
		if err != nil {
			return nil, err
		}
		hState := tensor.Zeros([]int{b, h})
		cState := tensor.Zeros([]int{b, h})
		outputs := make([]*tensor.Tensor, steps)
		for t := 0; t < steps; t++ {
			xt := tensor.Reshape(tensor.Narrow(projected, 1, t, 1), b, 4*h)
			rec, err := l.recurrent.Forward(hState)
			if err != nil {
				return nil, err
			}
			gates := tensor.Add(xt, rec)
			i := tensor.Sigmoid(tensor.Narrow(gates, 1, 0, h))
			f := tensor.Sigmoid(tensor.Narrow(gates, 1, h, h))
			g := tensor.Tanh(tensor.Narrow(gates, 1, 2*h, h))
			o := tensor.Sigmoid(tensor.Narrow(gates, 1, 3*h, h))
			cState = tensor.Add(tensor.Mul(f, cState), tensor.Mul(i, g))
			hState = tensor.Mul(o, tensor.Tanh(cState))
			outputs[t] = tensor.Reshape(hState, b, 1, h)
		}
		return tensor.Concat(outputs, 1), nil
	})
}

func (l *LSTMLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 3 {
		return nil, rankErr("lstm "+l.name, in, 3)
	}
	if in[2] != l.inputSize {
		return nil, fmt.Errorf("lstm %s: %w: expected %d features, got %v", l.name, tensor.ErrShapeMismatch, l.inputSize, in)
	}
	return []int{in[0], in[1], l.hidden}, nil
}

func (l *LSTMLayer) Describe() LayerSpec {
	return LayerSpec{Type: Custom, Name: l.name, Parameters: map[string]interface{}{
		"block":       "lstm",
		"input_size":  l.inputSize,
		"hidden_size": l.hidden,
	}}
}

func (l *LSTMLayer) Parameters() []*tensor.Tensor {
	return ParameterTensors(l.inputProj, l.recurrent)
}
