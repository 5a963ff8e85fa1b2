package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestSoftmaxRowsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := RandomNormal([]int{3, 4, 6}, 0, 5, rng)
	y := Softmax(x)
	for row := 0; row < 12; row++ {
		var s float64
		for j := 0; j < 6; j++ {
			v := y.Data[row*6+j]
			if v < 0 || v > 1 {
				t.Fatalf("probability %f outside [0,1]", v)
			}
			s += float64(v)
		}
		if math.Abs(s-1) > 1e-5 {
			t.Errorf("row %d sums to %f", row, s)
		}
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b []int
		want []int
		ok   bool
	}{
		{[]int{2, 3}, []int{3}, []int{2, 3}, true},
		{[]int{4, 1, 5}, []int{3, 1}, []int{4, 3, 5}, true},
		{[]int{2, 3}, []int{2}, nil, false},
	}
	for _, tc := range tests {
		got, err := BroadcastShapes(tc.a, tc.b)
		if (err == nil) != tc.ok {
			t.Errorf("BroadcastShapes(%v, %v) error = %v", tc.a, tc.b, err)
			continue
		}
		if tc.ok && !ShapesEqual(got, tc.want) {
			t.Errorf("BroadcastShapes(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestReshapeInfersDimension(t *testing.T) {
	x := Zeros([]int{2, 3, 4})
	y := Reshape(x, 6, -1)
	if !ShapesEqual(y.Shape, []int{6, 4}) {
		t.Errorf("got shape %v", y.Shape)
	}
	if &y.Data[0] != &x.Data[0] {
		t.Error("reshape should share storage")
	}
}

func TestPermuteMovesValues(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	y := Transpose(x, 0, 1)
	want := []float32{1, 4, 2, 5, 3, 6}
	for i, v := range want {
		if y.Data[i] != v {
			t.Fatalf("transpose = %v, want %v", y.Data, want)
		}
	}
}

func TestMatMulValues(t *testing.T) {
	a := MustNew([]int{2, 2}, []float32{1, 2, 3, 4})
	b := MustNew([]int{2, 2}, []float32{5, 6, 7, 8})
	got := MatMul(a, b).Data
	want := []float32{19, 22, 43, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("matmul = %v, want %v", got, want)
		}
	}
}

func TestConvAndPoolOutputLengths(t *testing.T) {
	for _, tc := range []struct{ in, k, s, p int }{
		{64, 5, 1, 2}, {64, 8, 4, 0}, {30, 3, 2, 1}, {17, 17, 1, 0},
	} {
		x := Zeros([]int{1, 1, 2, tc.in})
		w := Zeros([]int{1, 1, 1, tc.k})
		y := Conv2D(x, w, nil, [2]int{1, tc.s}, [2]int{0, tc.p})
		if got, want := y.Shape[3], ConvOutputSize(tc.in, tc.k, tc.s, tc.p); got != want {
			t.Errorf("conv length %d, want %d", got, want)
		}
	}
	p := AvgPoolLast(Ones([]int{2, 10}), 4, 3)
	if !ShapesEqual(p.Shape, []int{2, 3}) {
		t.Errorf("pool shape %v", p.Shape)
	}
	for _, v := range p.Data {
		if v != 1 {
			t.Errorf("pool of ones = %f", v)
		}
	}
}

func TestCrossEntropyValue(t *testing.T) {
	logits := MustNew([]int{1, 2}, []float32{0, 0})
	loss, err := CrossEntropy(logits, []int{1})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(loss.Data[0])-math.Log(2)) > 1e-6 {
		t.Errorf("loss = %f, want ln 2", loss.Data[0])
	}
	if _, err := CrossEntropy(logits, []int{2}); err == nil {
		t.Error("expected error for out of range target")
	}
}

func TestHasNaNAndArgMax(t *testing.T) {
	x := MustNew([]int{2, 3}, []float32{0, 5, 1, 9, 2, 3})
	if got := ArgMaxLast(x); got[0] != 1 || got[1] != 0 {
		t.Errorf("argmax = %v", got)
	}
	if HasNaN(x) {
		t.Error("no NaN expected")
	}
	x.Data[4] = float32(math.NaN())
	if !HasNaN(x) {
		t.Error("NaN not detected")
	}
}

func TestParseDevice(t *testing.T) {
	if d, err := ParseDevice("CPU"); err != nil || d != CPU {
		t.Errorf("ParseDevice(CPU) = %v, %v", d, err)
	}
	if _, err := ParseDevice("cuda"); err == nil {
		t.Error("expected error for unsupported device")
	}
}
