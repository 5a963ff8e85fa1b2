package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch is returned (or wrapped in a panic value) when operand shapes are incompatible
var ErrShapeMismatch = errors.New("shape mismatch")

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string onto a device
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return CPU, nil
	default:
		return 0, fmt.Errorf("unsupported device %q: only cpu is available", name)
	}
}

// Operation is a node of the autograd graph. Backward receives the gradient of the
// operation output and returns one gradient per input (nil for inputs that need none).
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) []*Tensor
}

// Tensor is a dense, contiguous, row-major float32 array
type Tensor struct {
	Shape    []int
	Strides  []int
	Device   DeviceType
	Data     []float32
	NumElems int

	requiresGrad bool
	grad         *Tensor
	creator      Operation
	name         string
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad drops the accumulated gradient
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// Name returns the parameter name assigned by the owning layer, if any
func (t *Tensor) Name() string {
	return t.name
}

// SetName labels a parameter tensor for checkpointing
func (t *Tensor) SetName(name string) {
	t.name = name
}

// Creator returns the operation that produced this tensor, nil for leaves
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Detach returns a leaf tensor sharing data with t but cut from the graph
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    copyInts(t.Shape),
		Strides:  copyInts(t.Strides),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// Clone returns a deep copy of the data as a new leaf tensor
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:    copyInts(t.Shape),
		Strides:  copyInts(t.Strides),
		Device:   t.Device,
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Dim returns the number of axes
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	return t.NumElems
}

// At reads one element by coordinates
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.offset(indices)]
}

// SetAt writes one element by coordinates
func (t *Tensor) SetAt(value float32, indices ...int) {
	t.Data[t.offset(indices)] = value
}

// Item returns the value of a single-element tensor
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// SetData replaces the content in place, keeping the shape
func (t *Tensor) SetData(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

func (t *Tensor) offset(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("expected %d indices, got %d", len(t.Shape), len(indices)))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of range for axis %d of size %d", idx, i, t.Shape[i]))
		}
		off += idx * t.Strides[i]
	}
	return off
}

// PrintData renders up to maxElements values for debugging
func (t *Tensor) PrintData(maxElements int) string {
	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("%.4f", t.Data[i])
	}
	suffix := ""
	if n < len(t.Data) {
		suffix = ", ..."
	}
	return fmt.Sprintf("%v[%s%s]", t.Shape, strings.Join(parts, ", "), suffix)
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}

func copyInts(src []int) []int {
	dst := make([]int, len(src))
	copy(dst, src)
	return dst
}

// normalizeAxis resolves negative axes against rank
func normalizeAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(fmt.Sprintf("axis %d out of range for rank %d", axis, rank))
	}
	return axis
}

func shapeErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}
