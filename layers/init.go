package layers

import (
	"math"
	"math/rand"

	"github.com/tgnassou/MEEG-Brainstorm/tensor"
)

// Initializer fills a freshly created weight tensor given its fan-in and fan-out
type Initializer func(w *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand)

// XavierNormal draws from N(0, 2/(fan_in+fan_out))
func XavierNormal(w *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := math.Sqrt(2.0 / float64(fanIn+fanOut))
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// XavierUniform draws from U(-sqrt(6/(fan_in+fan_out)), sqrt(6/(fan_in+fan_out)))
func XavierUniform(w *tensor.Tensor, fanIn, fanOut int, rng *rand.Rand) {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	uniform(w, bound, rng)
}

// KaimingUniform is the usual default for linear and convolution weights
// (He uniform with a = sqrt(5)), giving U(-1/sqrt(fan_in), 1/sqrt(fan_in))
func KaimingUniform(w *tensor.Tensor, fanIn, _ int, rng *rand.Rand) {
	uniform(w, 1/math.Sqrt(float64(fanIn)), rng)
}

func uniform(w *tensor.Tensor, bound float64, rng *rand.Rand) {
	for i := range w.Data {
		w.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}
