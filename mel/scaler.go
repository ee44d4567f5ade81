package mel

import (
	"errors"
	"fmt"
	"math"

	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

// Scaler is the per-bin affine normalization fitted on the training data.
// Apply maps features into the normalized space the decoders operate in,
// Reverse is its exact inverse and implements midispec.Rescaler. The fields
// are exported and YAML-tagged so fitted statistics can be persisted next to
// model checkpoints.
type Scaler struct {
	Mean []float32 `yaml:"mean,flow"`
	Std  []float32 `yaml:"std,flow"`
}

// stdFloor avoids blowing up bins that are constant in the training data.
const stdFloor = 1e-6

// FitScaler estimates per-bin mean and standard deviation over all frames of
// the given tensors.
func FitScaler(specs ...*midispec.Tensor) (*Scaler, error) {
	if len(specs) == 0 {
		return nil, errors.New("cannot fit a scaler on no data")
	}
	feat := specs[0].Feat
	sum := make([]float64, feat)
	sumSq := make([]float64, feat)
	n := 0
	for _, spec := range specs {
		if spec.Feat != feat {
			return nil, fmt.Errorf("feature dimension %d does not match %d", spec.Feat, feat)
		}
		for b := 0; b < spec.Batch; b++ {
			for s := 0; s < spec.Seq; s++ {
				for f, v := range spec.Row(b, s) {
					sum[f] += float64(v)
					sumSq[f] += float64(v) * float64(v)
				}
			}
		}
		n += spec.Batch * spec.Seq
	}
	ret := &Scaler{Mean: make([]float32, feat), Std: make([]float32, feat)}
	for f := range ret.Mean {
		mean := sum[f] / float64(n)
		ret.Mean[f] = float32(mean)
		ret.Std[f] = float32(math.Max(math.Sqrt(sumSq[f]/float64(n)-mean*mean), stdFloor))
	}
	return ret, nil
}

// Apply normalizes the tensor in place: (x-mean)/std per bin.
func (sc *Scaler) Apply(spec *midispec.Tensor) error {
	if err := sc.check(spec); err != nil {
		return err
	}
	for b := 0; b < spec.Batch; b++ {
		for s := 0; s < spec.Seq; s++ {
			row := spec.Row(b, s)
			vek32.Sub_Inplace(row, sc.Mean)
			vek32.Div_Inplace(row, sc.Std)
		}
	}
	return nil
}

// Reverse maps the tensor back to physical units in place: x*std+mean per
// bin.
func (sc *Scaler) Reverse(spec *midispec.Tensor) error {
	if err := sc.check(spec); err != nil {
		return err
	}
	for b := 0; b < spec.Batch; b++ {
		for s := 0; s < spec.Seq; s++ {
			row := spec.Row(b, s)
			vek32.Mul_Inplace(row, sc.Std)
			vek32.Add_Inplace(row, sc.Mean)
		}
	}
	return nil
}

func (sc *Scaler) check(spec *midispec.Tensor) error {
	if len(sc.Mean) != len(sc.Std) {
		return fmt.Errorf("scaler has %d means but %d deviations", len(sc.Mean), len(sc.Std))
	}
	if spec == nil || spec.Feat != len(sc.Mean) {
		return fmt.Errorf("tensor feature dimension does not match the %d-bin scaler", len(sc.Mean))
	}
	return nil
}
