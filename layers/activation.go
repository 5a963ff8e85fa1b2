package layers

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// ActivationLayer applies an element-wise non-linearity
type ActivationLayer struct {
	mode
	noParams
	name  string
	kind  LayerType
	slope float32
}

// NewLeakyReLU creates a leaky ReLU with the given negative slope
func NewLeakyReLU(name string, slope float32) *ActivationLayer {
	return &ActivationLayer{mode: mode{training: true}, name: name, kind: LeakyReLU, slope: slope}
}

// NewMish creates a Mish activation
func NewMish(name string) *ActivationLayer {
	return &ActivationLayer{mode: mode{training: true}, name: name, kind: Mish}
}

// NewTanh creates a tanh activation
func NewTanh(name string) *ActivationLayer {
	return &ActivationLayer{mode: mode{training: true}, name: name, kind: Tanh}
}

func (a *ActivationLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	switch a.kind {
	case LeakyReLU:
		return tensor.LeakyReLU(input, a.slope), nil
	case Mish:
		return tensor.Mish(input), nil
	case Tanh:
		return tensor.Tanh(input), nil
	default:
		return nil, fmt.Errorf("activation %s: unsupported kind %s", a.name, a.kind)
	}
}

func (a *ActivationLayer) OutputShape(in []int) ([]int, error) {
	return copyShape(in), nil
}

func (a *ActivationLayer) Describe() LayerSpec {
	spec := LayerSpec{Type: a.kind, Name: a.name, Parameters: map[string]interface{}{}}
	if a.kind == LeakyReLU {
		spec.Parameters["negative_slope"] = a.slope
	}
	return spec
}

// DropoutLayer zeroes elements with probability rate during training and rescales
// the survivors by 1/(1-rate)
type DropoutLayer struct {
	mode
	noParams
	name string
	rate float32
	rng  *rand.Rand
}

// NewDropout creates a dropout layer drawing its masks from rng
func NewDropout(name string, rate float32, rng *rand.Rand) (*DropoutLayer, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout %s: rate %v outside [0, 1)", name, rate)
	}
	return &DropoutLayer{mode: mode{training: true}, name: name, rate: rate, rng: rng}, nil
}

func (d *DropoutLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.rate == 0 {
		return input, nil
	}
	mask := tensor.Zeros(input.Shape)
	keep := 1 / (1 - d.rate)
	for i := range mask.Data {
		if d.rng.Float32() >= d.rate {
			mask.Data[i] = keep
		}
	}
	return tensor.Mul(input, mask), nil
}

func (d *DropoutLayer) OutputShape(in []int) ([]int, error) {
	return copyShape(in), nil
}

func (d *DropoutLayer) Describe() LayerSpec {
	return LayerSpec{Type: Dropout, Name: d.name, Parameters: map[string]interface{}{"rate": d.rate}}
}
