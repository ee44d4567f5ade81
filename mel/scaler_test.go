package mel_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/midispec/midispec"
	"github.com/midispec/midispec/mel"
	"gopkg.in/yaml.v3"
)

const scalerThreshold = 1e-4

func randomSpec(batch, seq, feat int, seed int64) *midispec.Tensor {
	ret := midispec.NewTensor(batch, seq, feat)
	midispec.NewGaussianSource(seed).Normal(ret.Data)
	return ret
}

func TestFitScalerNormalizes(t *testing.T) {
	spec := randomSpec(4, 64, 8, 1)
	for i := range spec.Data {
		spec.Data[i] = spec.Data[i]*3 + 5 // shift away from standard normal
	}
	sc, err := mel.FitScaler(spec)
	if err != nil {
		t.Fatalf("FitScaler failed: %v", err)
	}
	if err := sc.Apply(spec); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for f := 0; f < spec.Feat; f++ {
		var sum, sumSq float64
		n := 0
		for b := 0; b < spec.Batch; b++ {
			for s := 0; s < spec.Seq; s++ {
				v := float64(spec.Row(b, s)[f])
				sum += v
				sumSq += v * v
				n++
			}
		}
		mean := sum / float64(n)
		std := math.Sqrt(sumSq/float64(n) - mean*mean)
		if math.Abs(mean) > scalerThreshold {
			t.Errorf("bin %d mean %v after normalization, expected 0", f, mean)
		}
		if math.Abs(std-1) > scalerThreshold {
			t.Errorf("bin %d deviation %v after normalization, expected 1", f, std)
		}
	}
}

func TestFitScalerErrors(t *testing.T) {
	if _, err := mel.FitScaler(); err == nil {
		t.Errorf("FitScaler accepted an empty data set")
	}
	if _, err := mel.FitScaler(randomSpec(1, 4, 8, 1), randomSpec(1, 4, 4, 2)); err == nil {
		t.Errorf("FitScaler accepted tensors with mismatching feature dimensions")
	}
}

func TestScalerRoundTrip(t *testing.T) {
	spec := randomSpec(2, 32, 8, 3)
	orig := spec.Copy()
	sc, err := mel.FitScaler(spec)
	if err != nil {
		t.Fatalf("FitScaler failed: %v", err)
	}
	if err := sc.Apply(spec); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := sc.Reverse(spec); err != nil {
		t.Fatalf("Reverse failed: %v", err)
	}
	for i := range orig.Data {
		if d := spec.Data[i] - orig.Data[i]; d > scalerThreshold || d < -scalerThreshold {
			t.Fatalf("round trip off by %v at %d", d, i)
		}
	}
}

func TestScalerDimensionMismatch(t *testing.T) {
	sc := &mel.Scaler{Mean: make([]float32, 8), Std: []float32{1, 1, 1, 1, 1, 1, 1, 1}}
	if err := sc.Apply(randomSpec(1, 4, 4, 1)); err == nil {
		t.Errorf("Apply accepted a tensor with the wrong feature dimension")
	}
	if err := sc.Reverse(nil); err == nil {
		t.Errorf("Reverse accepted a nil tensor")
	}
	broken := &mel.Scaler{Mean: make([]float32, 8), Std: make([]float32, 4)}
	if err := broken.Apply(randomSpec(1, 4, 8, 1)); err == nil {
		t.Errorf("Apply accepted a scaler with mismatching mean and deviation lengths")
	}
}

func TestScalerYAMLRoundTrip(t *testing.T) {
	sc, err := mel.FitScaler(randomSpec(2, 16, 8, 5))
	if err != nil {
		t.Fatalf("FitScaler failed: %v", err)
	}
	data, err := yaml.Marshal(sc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var loaded mel.Scaler
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(*sc, loaded) {
		t.Fatalf("scaler changed over a YAML round trip:\n%s", data)
	}
}
