package optimizer

import (
	"sync"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	step         uint64
	velocities   buffers
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*tensor.Tensor, config Config) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: config.LR,
		momentum:     config.Momentum,
		weightDecay:  config.WeightDecay,
		velocities:   newBuffers("momentum", parameters),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.step++
	lr, mom, wd := float32(sgd.learningRate), float32(sgd.momentum), float32(sgd.weightDecay)
	for i, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		vel := sgd.velocities.data[i]
		for j, g := range grad.Data {
			if wd > 0 {
				g += wd * param.Data[j]
			}
			if mom > 0 {
				vel[j] = mom*vel[j] + g
				g = vel[j]
			}
			param.Data[j] -= lr * g
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.step
}

func (sgd *SGD) GetState() (*OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"lr":           sgd.learningRate,
			"momentum":     sgd.momentum,
			"weight_decay": sgd.weightDecay,
		},
		StepCount: sgd.step,
		StateData: sgd.velocities.export(sgd.parameters),
	}, nil
}

func (sgd *SGD) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	if err := sgd.velocities.restore(state.StateData); err != nil {
		return err
	}
	sgd.step = state.StepCount
	if lr, ok := state.Parameters["lr"].(float64); ok {
		sgd.learningRate = lr
	}
	return nil
}
