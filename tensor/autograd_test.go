package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// numericGrad estimates d f / d x[i] by central differences
func numericGrad(t *testing.T, x *Tensor, f func() *Tensor) []float32 {
	t.Helper()
	const h = 1e-2
	grads := make([]float32, len(x.Data))
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + h
		plus := f().Data[0]
		x.Data[i] = orig - h
		minus := f().Data[0]
		x.Data[i] = orig
		grads[i] = (plus - minus) / (2 * h)
	}
	return grads
}

func checkGrad(t *testing.T, name string, x *Tensor, f func() *Tensor) {
	t.Helper()
	x.ZeroGrad()
	if err := Backward(f()); err != nil {
		t.Fatalf("%s: backward failed: %v", name, err)
	}
	if x.Grad() == nil {
		t.Fatalf("%s: no gradient accumulated", name)
	}
	want := numericGrad(t, x, f)
	for i := range want {
		got := x.Grad().Data[i]
		if math.Abs(float64(got-want[i])) > 2e-2*math.Max(1, math.Abs(float64(want[i]))) {
			t.Errorf("%s: grad[%d] = %f, numeric %f", name, i, got, want[i])
		}
	}
}

func param(t *testing.T, shape []int, seed int64) *Tensor {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := RandomNormal(shape, 0, 1, rng)
	x.SetRequiresGrad(true)
	return x
}

func TestBackwardRejectsNonScalar(t *testing.T) {
	x := param(t, []int{2, 2}, 1)
	if err := Backward(Scale(x, 2)); err == nil {
		t.Error("expected error for non-scalar root")
	}
	if err := Backward(Scalar(1)); err == nil {
		t.Error("expected error for root without grad")
	}
}

func TestGradientsAccumulateAcrossUses(t *testing.T) {
	x := param(t, []int{3}, 2)
	// y = sum(x*x + x) -> dy/dx = 2x + 1
	y := SumAll(Add(Mul(x, x), x))
	if err := Backward(y); err != nil {
		t.Fatal(err)
	}
	for i, v := range x.Data {
		want := 2*v + 1
		if math.Abs(float64(x.Grad().Data[i]-want)) > 1e-5 {
			t.Errorf("grad[%d] = %f, want %f", i, x.Grad().Data[i], want)
		}
	}
}

func TestNoGradSkipsRecording(t *testing.T) {
	x := param(t, []int{2}, 3)
	var y *Tensor
	if err := NoGrad(func() error {
		y = Scale(x, 3)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if y.RequiresGrad() || y.Creator() != nil {
		t.Error("op recorded while gradients were disabled")
	}
	if !GradEnabled() {
		t.Error("NoGrad did not restore the previous setting")
	}
}

func TestOperationGradients(t *testing.T) {
	w := param(t, []int{4, 3}, 10)
	x := param(t, []int{2, 5, 4}, 11)
	bias := param(t, []int{3}, 12)
	rowTargets := []int{0, 2, 1, 1, 0, 2, 2, 0, 1, 0}

	cases := []struct {
		name string
		x    *Tensor
		f    func() *Tensor
	}{
		{"matmul lhs", x, func() *Tensor { return SumAll(Tanh(MatMul(x, w))) }},
		{"matmul shared rhs", w, func() *Tensor { return SumAll(Tanh(MatMul(x, w))) }},
		{"broadcast bias", bias, func() *Tensor { return SumAll(Mul(Add(MatMul(x, w), bias), MatMul(x, w))) }},
		{"softmax", x, func() *Tensor { return SumAll(Mul(Softmax(x), x)) }},
		{"layernorm", x, func() *Tensor { return SumAll(Mul(LayerNormalize(x, 1e-5), Sigmoid(x))) }},
		{"mish", x, func() *Tensor { return MeanAll(Mish(x)) }},
		{"sin", x, func() *Tensor { return SumAll(Sin(x)) }},
		{"leaky relu", x, func() *Tensor { return SumAll(Mul(LeakyReLU(x, 0.2), x)) }},
		{"permute", x, func() *Tensor { return SumAll(Mul(Permute(x, 2, 0, 1), Permute(Tanh(x), 2, 0, 1))) }},
		{"mean axis", x, func() *Tensor { return SumAll(Tanh(Mean(x, 1))) }},
		{"narrow concat", x, func() *Tensor {
			a := Narrow(x, 1, 0, 2)
			b := Narrow(x, 1, 2, 3)
			return SumAll(Mul(Concat([]*Tensor{Tanh(b), a}, 1), x))
		}},
		{"avgpool", x, func() *Tensor { return SumAll(Tanh(AvgPoolLast(x, 2, 1))) }},
		{"cross entropy", x, func() *Tensor {
			logits := Reshape(MatMul(x, w), -1, 3)
			loss, err := CrossEntropy(logits, rowTargets)
			if err != nil {
				t.Fatal(err)
			}
			return MeanAll(loss)
		}},
		{"bce", x, func() *Tensor {
			targets := make([]float32, x.NumElems)
			for i := range targets {
				targets[i] = float32(i % 2)
			}
			loss, err := BCEWithLogits(x, targets)
			if err != nil {
				t.Fatal(err)
			}
			return SumAll(loss)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkGrad(t, tc.name, tc.x, tc.f)
		})
	}
}

func TestConvAndBatchNormGradients(t *testing.T) {
	x := param(t, []int{2, 2, 3, 7}, 20)
	w := param(t, []int{3, 2, 3, 2}, 21)
	b := param(t, []int{3}, 22)
	f := func() *Tensor {
		y := Conv2D(x, w, b, [2]int{1, 2}, [2]int{0, 1})
		n, _, _ := BatchNormalize(y, 1e-5)
		return SumAll(Mul(n, Tanh(y)))
	}
	checkGrad(t, "conv input", x, f)
	checkGrad(t, "conv weight", w, f)
	checkGrad(t, "conv bias", b, f)
}

func TestShapeMismatchPanicsWithSentinel(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("expected ErrShapeMismatch panic, got %v", r)
		}
	}()
	MatMul(Zeros([]int{2, 3}), Zeros([]int{4, 2}))
}
