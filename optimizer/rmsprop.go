package optimizer

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// RMSProp scales every update by a running average of squared gradients
type RMSProp struct {
	parameters   []*tensor.Tensor
	learningRate float64
	alpha        float64 // Smoothing constant (typically 0.99)
	epsilon      float64
	weightDecay  float64
	momentum     float64
	step         uint64
	squareAvg    buffers
	momentumBuf  buffers
	mutex        sync.RWMutex
}

// NewRMSProp creates a new RMSProp optimizer
func NewRMSProp(parameters []*tensor.Tensor, config Config) *RMSProp {
	return &RMSProp{
		parameters:   parameters,
		learningRate: config.LR,
		alpha:        config.Alpha,
		epsilon:      config.Epsilon,
		weightDecay:  config.WeightDecay,
		momentum:     config.Momentum,
		squareAvg:    newBuffers("square_avg", parameters),
		momentumBuf:  newBuffers("momentum", parameters),
	}
}

func (r *RMSProp) Step() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.step++
	lr, alpha, eps := float32(r.learningRate), float32(r.alpha), float32(r.epsilon)
	wd, mom := float32(r.weightDecay), float32(r.momentum)
	for i, param := range r.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		sq, buf := r.squareAvg.data[i], r.momentumBuf.data[i]
		for j, g := range grad.Data {
			if wd > 0 {
				g += wd * param.Data[j]
			}
			sq[j] = alpha*sq[j] + (1-alpha)*g*g
			update := g / (math32.Sqrt(sq[j]) + eps)
			if mom > 0 {
				buf[j] = mom*buf[j] + update
				update = buf[j]
			}
			param.Data[j] -= lr * update
		}
	}
	return nil
}

func (r *RMSProp) ZeroGrad() {
	zeroGrad(r.parameters)
}

func (r *RMSProp) GetLR() float64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.learningRate
}

func (r *RMSProp) SetLR(lr float64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.learningRate = lr
}

func (r *RMSProp) GetStepCount() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.step
}

func (r *RMSProp) GetState() (*OptimizerState, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"lr":           r.learningRate,
			"alpha":        r.alpha,
			"eps":          r.epsilon,
			"momentum":     r.momentum,
			"weight_decay": r.weightDecay,
		},
		StepCount: r.step,
		StateData: append(r.squareAvg.export(r.parameters), r.momentumBuf.export(r.parameters)...),
	}, nil
}

func (r *RMSProp) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err := r.squareAvg.restore(state.StateData); err != nil {
		return err
	}
	if err := r.momentumBuf.restore(state.StateData); err != nil {
		return err
	}
	r.step = state.StepCount
	if lr, ok := state.Parameters["lr"].(float64); ok {
		r.learningRate = lr
	}
	return nil
}
