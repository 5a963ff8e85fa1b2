package layers

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	Dropout
	BatchNorm
	LayerNorm
	LeakyReLU
	Mish
	Tanh
	AvgPool
	Permute
	Reshape
	MeanReduce
	Sequential
	Residual
	MultiHeadAttention
	FeedForward
	Custom
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LayerNorm:
		return "LayerNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case Mish:
		return "Mish"
	case Tanh:
		return "Tanh"
	case AvgPool:
		return "AvgPool"
	case Permute:
		return "Permute"
	case Reshape:
		return "Reshape"
	case MeanReduce:
		return "MeanReduce"
	case Sequential:
		return "Sequential"
	case Residual:
		return "Residual"
	case MultiHeadAttention:
		return "MultiHeadAttention"
	case FeedForward:
		return "FeedForward"
	case Custom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// LayerSpec describes one compiled stage of a model
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec is the result of compiling a ModelBuilder: the validated shapes of every
// stage and the parameter inventory
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models as an ordered list of stages
type ModelBuilder struct {
	stages     []Stage
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder. inputShape includes the batch axis.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		stages:     make([]Stage, 0),
		inputShape: copyShape(inputShape),
		compiled:   false,
	}
}

// Add appends a stage to the model
func (mb *ModelBuilder) Add(stage Stage) *ModelBuilder {
	mb.stages = append(mb.stages, stage)
	mb.compiled = false // Invalidate compilation
	return mb
}

// Compile walks the stages in order, propagating the input shape, and fails on the
// first stage that cannot accept the shape produced by its predecessor. The returned
// Sequential runs exactly the compiled stages.
func (mb *ModelBuilder) Compile(name string) (*SequentialLayer, *ModelSpec, error) {
	if len(mb.stages) == 0 {
		return nil, nil, fmt.Errorf("cannot compile empty model")
	}
	for _, d := range mb.inputShape {
		if d <= 0 {
			return nil, nil, fmt.Errorf("invalid input shape %v", mb.inputShape)
		}
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.stages)),
		InputShape: copyShape(mb.inputShape),
	}

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i, stage := range mb.stages {
		layer := stage.Describe()
		layer.InputShape = copyShape(currentShape)

		outputShape, err := stage.OutputShape(currentShape)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to compile layer %d (%s): %w", i, layer.Name, err)
		}
		layer.OutputShape = copyShape(outputShape)

		for _, p := range stage.Parameters() {
			layer.ParameterShapes = append(layer.ParameterShapes, copyShape(p.Shape))
		}
		layer.ParameterCount = CountParameters(stage.Parameters())

		allParameterShapes = append(allParameterShapes, layer.ParameterShapes...)
		totalParams += layer.ParameterCount
		model.Layers[i] = layer

		currentShape = outputShape
	}

	model.OutputShape = copyShape(currentShape)
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return NewSequential(name, mb.stages...), model, nil
}

// Summary renders a human readable description of the compiled model
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model Summary:\n")
	fmt.Fprintf(&b, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&b, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&b, "Total Parameters: %s\n", humanize.Comma(ms.TotalParameters))
	fmt.Fprintf(&b, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&b, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&b, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&b, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&b, "  Params: %s\n", humanize.Comma(layer.ParameterCount))
		if len(layer.Parameters) > 0 {
			fmt.Fprintf(&b, "  Config: %v\n", layer.Parameters)
		}
		b.WriteString("\n")
	}

	return b.String()
}

// ParameterTensors returns the parameters of every stage in compile order
func ParameterTensors(stages ...Module) []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, s := range stages {
		params = append(params, s.Parameters()...)
	}
	return params
}
