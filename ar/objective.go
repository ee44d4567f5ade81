package ar

import (
	"fmt"

	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

// Objective computes the teacher-forced training loss: the predictor sees
// the target spectrogram shifted one frame into the past (first frame
// zeroed) and is regressed against the unshifted target with mean squared
// error.
type Objective struct {
	Predictor midispec.FramePredictor
}

// ShiftFrames returns the teacher-forcing input: frame i of the result is
// frame i-1 of spec, with frame 0 all zeros.
func ShiftFrames(spec *midispec.Tensor) *midispec.Tensor {
	past := midispec.NewTensor(spec.Batch, spec.Seq, spec.Feat)
	for b := 0; b < spec.Batch; b++ {
		for s := 1; s < spec.Seq; s++ {
			copy(past.Row(b, s), spec.Row(b, s-1))
		}
	}
	return past
}

// Loss returns the batch-mean squared error of the teacher-forced
// prediction.
func (o *Objective) Loss(score midispec.ScoreBatch, spec *midispec.Tensor) (float32, error) {
	if err := score.Validate(); err != nil {
		return 0, err
	}
	if err := midispec.CheckLatentShape("clean target", spec, len(score)); err != nil {
		return 0, err
	}
	pred, err := o.Predictor.PredictFrames(score, ShiftFrames(spec))
	if err != nil {
		return 0, fmt.Errorf("frame prediction failed: %v", err)
	}
	if pred == nil || !pred.SameShape(spec) {
		return 0, fmt.Errorf("predictor returned shape %v, expected %v", pred, spec)
	}
	diff := make([]float32, len(pred.Data))
	vek32.Sub_Into(diff, pred.Data, spec.Data)
	return vek32.Mean(vek32.Mul(diff, diff)), nil
}
