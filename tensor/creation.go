package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor wraps data (which must have the shape's element count) in a tensor.
// A nil data slice allocates zeros.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d for shape %v", len(data), numElems, shape)
	}
	return &Tensor{
		Shape:    copyInts(shape),
		Strides:  calculateStrides(shape),
		Device:   CPU,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

// Zeros allocates a zero-filled tensor
func Zeros(shape []int) *Tensor {
	return MustNew(shape, nil)
}

// Ones allocates a tensor filled with 1
func Ones(shape []int) *Tensor {
	return Full(shape, 1)
}

// Full allocates a tensor filled with value
func Full(shape []int, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// Scalar allocates a one-element tensor of shape [1]
func Scalar(value float32) *Tensor {
	return MustNew([]int{1}, []float32{value})
}

// RandomNormal draws every element from N(mean, std^2) using rng
func RandomNormal(shape []int, mean, std float32, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = mean + std*float32(rng.NormFloat64())
	}
	return t
}

// RandomUniform draws every element from U(low, high) using rng
func RandomUniform(shape []int, low, high float32, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.Data {
		t.Data[i] = low + (high-low)*rng.Float32()
	}
	return t
}

// NewParameter creates a named leaf tensor that requires gradients
func NewParameter(name string, shape []int, data []float32) (*Tensor, error) {
	t, err := NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("parameter %s: %w", name, err)
	}
	t.requiresGrad = true
	t.name = name
	return t, nil
}
