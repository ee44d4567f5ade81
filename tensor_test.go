package midispec_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/midispec/midispec"
)

func sequentialTensor(batch, seq, feat int) *midispec.Tensor {
	ret := midispec.NewTensor(batch, seq, feat)
	for i := range ret.Data {
		ret.Data[i] = float32(i)
	}
	return ret
}

func TestTensorLayout(t *testing.T) {
	// Row and Example must agree with the documented batch-major layout.
	x := sequentialTensor(2, 3, 4)
	if got := x.Row(1, 2); !reflect.DeepEqual(got, []float32{20, 21, 22, 23}) {
		t.Fatalf("Row(1,2) = %v", got)
	}
	ex := x.Example(1)
	if len(ex) != 12 || ex[0] != 12 || ex[11] != 23 {
		t.Fatalf("Example(1) = %v", ex)
	}
	x.Row(0, 1)[0] = -1
	if x.Data[4] != -1 {
		t.Fatalf("Row did not return a view into Data")
	}
}

func TestTensorCopy(t *testing.T) {
	x := sequentialTensor(1, 2, 2)
	y := x.Copy()
	y.Data[0] = 99
	if x.Data[0] == 99 {
		t.Fatalf("Copy shares data with the original")
	}
	if !y.SameShape(x) {
		t.Fatalf("Copy changed the shape to %v", y)
	}
}

func TestTensorRepeat(t *testing.T) {
	x := sequentialTensor(2, 1, 2)
	r := x.Repeat(3)
	if r.Batch != 6 || r.Seq != 1 || r.Feat != 2 {
		t.Fatalf("Repeat returned shape %v", r)
	}
	for i := 0; i < 3; i++ {
		if !reflect.DeepEqual(r.Data[i*4:(i+1)*4], x.Data) {
			t.Fatalf("repetition %d does not match the original", i)
		}
	}
}

func TestTensorHasNonFinite(t *testing.T) {
	x := midispec.NewTensor(1, 2, 2)
	if x.HasNonFinite() {
		t.Fatalf("zero tensor reported as non-finite")
	}
	x.Data[3] = float32(math.NaN())
	if !x.HasNonFinite() {
		t.Fatalf("NaN not detected")
	}
	x.Data[3] = float32(math.Inf(-1))
	if !x.HasNonFinite() {
		t.Fatalf("-Inf not detected")
	}
}

func TestCheckLatentShape(t *testing.T) {
	if err := midispec.CheckLatentShape("latent", midispec.NewTensor(2, 4, 8), 2); err != nil {
		t.Fatalf("CheckLatentShape rejected a valid tensor: %v", err)
	}
	if err := midispec.CheckLatentShape("latent", nil, 2); err == nil {
		t.Errorf("CheckLatentShape accepted a nil tensor")
	}
	if err := midispec.CheckLatentShape("latent", midispec.NewTensor(3, 4, 8), 2); err == nil {
		t.Errorf("CheckLatentShape accepted a batch size mismatch")
	}
	if err := midispec.CheckLatentShape("latent", midispec.NewTensor(2, 0, 8), 2); err == nil {
		t.Errorf("CheckLatentShape accepted a degenerate sequence length")
	}
	truncated := midispec.NewTensor(2, 4, 8)
	truncated.Data = truncated.Data[:10]
	if err := midispec.CheckLatentShape("latent", truncated, 2); err == nil {
		t.Errorf("CheckLatentShape accepted a data length mismatch")
	}
}

func TestGaussianSourceDeterministic(t *testing.T) {
	a, b := make([]float32, 64), make([]float32, 64)
	midispec.NewGaussianSource(11).Normal(a)
	midispec.NewGaussianSource(11).Normal(b)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Normal is not deterministic for a fixed seed")
	}
	midispec.NewGaussianSource(11).Uniform(a)
	for i, v := range a {
		if v < 0 || v >= 1 {
			t.Errorf("Uniform sample %d = %v outside [0,1)", i, v)
		}
	}
}
