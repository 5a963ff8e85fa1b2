package optimizer

import (
	"math"
	"sync"

	"github.com/chewxy/math32"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Adam implements the Adam optimizer with L2 weight decay added to the gradient
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        uint64
	m           buffers // First moment estimates
	v           buffers // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*tensor.Tensor, config Config) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          config.LR,
		beta1:       config.Beta1,
		beta2:       config.Beta2,
		eps:         config.Epsilon,
		weightDecay: config.WeightDecay,
		m:           newBuffers("m", parameters),
		v:           newBuffers("v", parameters),
	}
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := float32(1.0 - math.Pow(adam.beta1, float64(adam.step)))
	bias2 := float32(1.0 - math.Pow(adam.beta2, float64(adam.step)))
	b1, b2 := float32(adam.beta1), float32(adam.beta2)
	lr, eps, wd := float32(adam.lr), float32(adam.eps), float32(adam.weightDecay)

	for i, param := range adam.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		m, v := adam.m.data[i], adam.v.data[i]
		for j, g := range grad.Data {
			if wd > 0 {
				g += wd * param.Data[j]
			}
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			mHat := m[j] / bias1
			vHat := v[j] / bias2
			param.Data[j] -= lr * mHat / (math32.Sqrt(vHat) + eps)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"lr":           adam.lr,
			"b1":           adam.beta1,
			"b2":           adam.beta2,
			"eps":          adam.eps,
			"weight_decay": adam.weightDecay,
		},
		StepCount: adam.step,
		StateData: append(adam.m.export(adam.parameters), adam.v.export(adam.parameters)...),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if err := adam.m.restore(state.StateData); err != nil {
		return err
	}
	if err := adam.v.restore(state.StateData); err != nil {
		return err
	}
	adam.step = state.StepCount
	if lr, ok := state.Parameters["lr"].(float64); ok {
		adam.lr = lr
	}
	return nil
}
