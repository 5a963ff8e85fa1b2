package layers

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// LayerNormLayer normalises the last axis and applies a learned scale and shift
type LayerNormLayer struct {
	mode
	name  string
	size  int
	eps   float32
	gamma *tensor.Tensor
	beta  *tensor.Tensor
}

// NewLayerNorm creates a layer norm over a last axis of length size
func NewLayerNorm(name string, size int) (*LayerNormLayer, error) {
	gamma, err := tensor.NewParameter(name+".weight", []int{size}, nil)
	if err != nil {
		return nil, err
	}
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	beta, err := tensor.NewParameter(name+".bias", []int{size}, nil)
	if err != nil {
		return nil, err
	}
	return &LayerNormLayer{mode: mode{training: true}, name: name, size: size, eps: 1e-5, gamma: gamma, beta: beta}, nil
}

func (ln *LayerNormLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := ln.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return Guard(func() (*tensor.Tensor, error) {
		return tensor.Add(tensor.Mul(tensor.LayerNormalize(input, ln.eps), ln.gamma), ln.beta), nil
	})
}

func (ln *LayerNormLayer) OutputShape(in []int) ([]int, error) {
	if len(in) == 0 || in[len(in)-1] != ln.size {
		return nil, fmt.Errorf("layernorm %s: %w: expected last axis %d, got %v", ln.name, tensor.ErrShapeMismatch, ln.size, in)
	}
	return copyShape(in), nil
}

func (ln *LayerNormLayer) Describe() LayerSpec {
	return LayerSpec{Type: LayerNorm, Name: ln.name, Parameters: map[string]interface{}{"size": ln.size, "eps": ln.eps}}
}

func (ln *LayerNormLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{ln.gamma, ln.beta}
}

// BatchNormLayer implements 2-D batch normalisation over the channel axis of NCHW
// input, tracking running statistics for evaluation
type BatchNormLayer struct {
	mode
	name        string
	numFeatures int
	eps         float32
	momentum    float32
	gamma       *tensor.Tensor
	beta        *tensor.Tensor
	runningMean *tensor.Tensor
	runningVar  *tensor.Tensor
}

// NewBatchNorm2D creates a batch norm layer with eps 1e-5 and momentum 0.1
func NewBatchNorm2D(name string, numFeatures int) (*BatchNormLayer, error) {
	gamma, err := tensor.NewParameter(name+".weight", []int{numFeatures}, nil)
	if err != nil {
		return nil, err
	}
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	beta, err := tensor.NewParameter(name+".bias", []int{numFeatures}, nil)
	if err != nil {
		return nil, err
	}
	runningMean := tensor.Zeros([]int{numFeatures})
	runningMean.SetName(name + ".running_mean")
	runningVar := tensor.Ones([]int{numFeatures})
	runningVar.SetName(name + ".running_var")
	return &BatchNormLayer{
		mode:        mode{training: true},
		name:        name,
		numFeatures: numFeatures,
		eps:         1e-5,
		momentum:    0.1,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
	}, nil
}

func (bn *BatchNormLayer) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := bn.OutputShape(input.Shape); err != nil {
		return nil, err
	}
	return Guard(func() (*tensor.Tensor, error) {
		var normed *tensor.Tensor
		if bn.training {
			var mean, variance []float32
			normed, mean, variance = tensor.BatchNormalize(input, bn.eps)
			for c := 0; c < bn.numFeatures; c++ {
				bn.runningMean.Data[c] = (1-bn.momentum)*bn.runningMean.Data[c] + bn.momentum*mean[c]
				bn.runningVar.Data[c] = (1-bn.momentum)*bn.runningVar.Data[c] + bn.momentum*variance[c]
			}
		} else {
			shift := tensor.Zeros([]int{1, bn.numFeatures, 1, 1})
			scale := tensor.Zeros([]int{1, bn.numFeatures, 1, 1})
			for c := 0; c < bn.numFeatures; c++ {
				shift.Data[c] = bn.runningMean.Data[c]
				scale.Data[c] = 1 / math32.Sqrt(bn.runningVar.Data[c]+bn.eps)
			}
			normed = tensor.Mul(tensor.Sub(input, shift), scale)
		}
		gamma := tensor.Reshape(bn.gamma, 1, bn.numFeatures, 1, 1)
		beta := tensor.Reshape(bn.beta, 1, bn.numFeatures, 1, 1)
		return tensor.Add(tensor.Mul(normed, gamma), beta), nil
	})
}

func (bn *BatchNormLayer) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, rankErr("batchnorm "+bn.name, in, 4)
	}
	if in[1] != bn.numFeatures {
		return nil, fmt.Errorf("batchnorm %s: %w: expected %d channels, got %v", bn.name, tensor.ErrShapeMismatch, bn.numFeatures, in)
	}
	return copyShape(in), nil
}

func (bn *BatchNormLayer) Describe() LayerSpec {
	return LayerSpec{Type: BatchNorm, Name: bn.name, Parameters: map[string]interface{}{
		"num_features": bn.numFeatures,
		"eps":          bn.eps,
		"momentum":     bn.momentum,
	}}
}

func (bn *BatchNormLayer) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) Buffers() []*tensor.Tensor {
	return []*tensor.Tensor{bn.runningMean, bn.runningVar}
}
