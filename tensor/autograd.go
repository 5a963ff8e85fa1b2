package tensor

import (
	"fmt"
	"sync/atomic"
)

// gradEnabled switches graph recording on and off for the whole process.
// Only the training goroutine runs differentiable ops; loader workers build leaves.
var gradEnabled atomic.Bool

func init() {
	gradEnabled.Store(true)
}

// SetGradEnabled turns graph recording on or off and returns the previous setting
func SetGradEnabled(enabled bool) bool {
	return gradEnabled.Swap(enabled)
}

// GradEnabled reports whether new operations are recorded for backpropagation
func GradEnabled() bool {
	return gradEnabled.Load()
}

// NoGrad runs fn with graph recording disabled
func NoGrad(fn func() error) error {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)
	return fn()
}

// attach links out to op when any input takes part in gradient computation
func attach(out *Tensor, op Operation, inputs ...*Tensor) *Tensor {
	if !gradEnabled.Load() {
		return out
	}
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.creator = op
			out.requiresGrad = true
			return out
		}
	}
	return out
}

// Backward propagates gradients from a single-element tensor to every leaf that
// requires them. Leaf gradients accumulate across calls until ZeroGrad.
func Backward(root *Tensor) error {
	if root == nil {
		return fmt.Errorf("backward: nil tensor")
	}
	if root.NumElems != 1 {
		return fmt.Errorf("backward: root must be a single element, got shape %v", root.Shape)
	}
	if !root.requiresGrad {
		return fmt.Errorf("backward: root does not require grad")
	}

	order := topologicalOrder(root)
	grads := map[*Tensor]*Tensor{root: Ones(root.Shape)}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.grad == nil {
				node.grad = g.Clone()
			} else {
				accumulateInto(node.grad, g)
			}
			continue
		}

		inputs := node.creator.Inputs()
		inGrads := node.creator.Backward(g)
		if len(inGrads) != len(inputs) {
			return fmt.Errorf("backward: %T returned %d gradients for %d inputs", node.creator, len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || inGrads[j] == nil {
				continue
			}
			if !shapesEqual(inGrads[j].Shape, in.Shape) {
				return fmt.Errorf("backward: %T produced gradient %v for input %v", node.creator, inGrads[j].Shape, in.Shape)
			}
			if prev, ok := grads[in]; ok {
				grads[in] = addRaw(prev, inGrads[j])
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return nil
}

// topologicalOrder returns every tensor reachable from root with inputs before outputs
func topologicalOrder(root *Tensor) []*Tensor {
	type frame struct {
		t        *Tensor
		expanded bool
	}
	visited := make(map[*Tensor]bool)
	var order []*Tensor
	stack := []frame{{t: root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.expanded {
			order = append(order, top.t)
			continue
		}
		if visited[top.t] {
			continue
		}
		visited[top.t] = true
		stack = append(stack, frame{t: top.t, expanded: true})
		if top.t.creator == nil {
			continue
		}
		for _, in := range top.t.creator.Inputs() {
			if in != nil && in.requiresGrad && !visited[in] {
				stack = append(stack, frame{t: in})
			}
		}
	}
	return order
}

func accumulateInto(dst, src *Tensor) {
	for i, v := range src.Data {
		dst.Data[i] += v
	}
}

func addRaw(a, b *Tensor) *Tensor {
	out := Zeros(a.Shape)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// ZeroGrad resets gradients of all given tensors
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
