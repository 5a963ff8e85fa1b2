package training

import (
	"fmt"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mixer blends every example of a batch with the example a random cyclic
// shift brings onto it. Mixing coefficients come from Beta(beta, beta) folded
// onto [0.5, 1] so the original example always dominates.
type Mixer struct {
	rng  *rand.Rand
	dist distuv.Beta
}

// NewMixer returns a mixer drawing shifts and coefficients from seeded generators
func NewMixer(beta float64, seed int64) (*Mixer, error) {
	if beta <= 0 {
		return nil, fmt.Errorf("mix-up beta must be positive, got %v", beta)
	}
	return &Mixer{
		rng: rand.New(rand.NewSource(seed)),
		dist: distuv.Beta{
			Alpha: beta,
			Beta:  beta,
			Src:   exprand.NewSource(uint64(seed)),
		},
	}, nil
}

// Lambdas draws n folded coefficients
func (m *Mixer) Lambdas(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		l := m.dist.Rand()
		if 1-l > l {
			l = 1 - l
		}
		out[i] = float32(l)
	}
	return out
}

// Shift draws the roll offset in [0, n)
func (m *Mixer) Shift(n int) int {
	return m.rng.Intn(n)
}

// MixedBatch is a batch after mix-up
type MixedBatch struct {
	Data    *tensor.Tensor
	Lambdas []float32
	Shift   int
}

// Mix computes lambda*x + (1-lambda)*roll(x, shift) per example
func (m *Mixer) Mix(x *tensor.Tensor) *MixedBatch {
	n := x.Shape[0]
	shift := m.Shift(n)
	lambdas := m.Lambdas(n)
	return &MixedBatch{Data: MixWith(x, lambdas, shift), Lambdas: lambdas, Shift: shift}
}

// MixWith blends x with its cyclic roll using the given coefficients
func MixWith(x *tensor.Tensor, lambdas []float32, shift int) *tensor.Tensor {
	n := x.Shape[0]
	size := x.NumElems / n
	out := make([]float32, len(x.Data))
	for i := 0; i < n; i++ {
		src := rollIndex(i, shift, n)
		l := lambdas[i]
		dst := out[i*size : (i+1)*size]
		a := x.Data[i*size : (i+1)*size]
		b := x.Data[src*size : (src+1)*size]
		for j := range dst {
			dst[j] = l*a[j] + (1-l)*b[j]
		}
	}
	return tensor.MustNew(x.Shape, out)
}

// MixedLoss returns sum_i lambda_i*l(out_i, y_i) + (1-lambda_i)*l(out_i, y_roll_i)
func MixedLoss(loss Loss, logits *tensor.Tensor, targets Targets, lambdas []float32, shift int) (*tensor.Tensor, error) {
	own, err := loss.PerExample(logits, targets)
	if err != nil {
		return nil, err
	}
	rolled, err := loss.PerExample(logits, targets.Roll(shift))
	if err != nil {
		return nil, err
	}
	inv := make([]float32, len(lambdas))
	for i, l := range lambdas {
		inv[i] = 1 - l
	}
	n := len(lambdas)
	weighted := tensor.Add(
		tensor.Mul(own, tensor.MustNew([]int{n}, lambdas)),
		tensor.Mul(rolled, tensor.MustNew([]int{n}, inv)),
	)
	return tensor.SumAll(weighted), nil
}
