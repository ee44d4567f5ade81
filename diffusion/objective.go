package diffusion

import (
	"fmt"

	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

// Objective computes the denoising training loss for one batch: corrupt the
// clean spectrogram, hide the side context of a random subset of examples
// (this is what makes classifier-free guidance possible at sampling time)
// and regress the predicted noise against the injected noise with mean
// absolute error.
type Objective struct {
	Predictor midispec.Predictor
	Diffuser  *Diffuser
	// ContextDropout is the per-example probability of hiding the side
	// context during training.
	ContextDropout float32
}

// DefaultContextDropout matches the training configuration of the models.
const DefaultContextDropout = 0.1

// NewObjective wires an objective with the default schedule and dropout.
func NewObjective(predictor midispec.Predictor, noise midispec.NoiseSource) *Objective {
	return &Objective{
		Predictor:      predictor,
		Diffuser:       NewDiffuser(noise),
		ContextDropout: DefaultContextDropout,
	}
}

// Loss returns the batch-mean L1 noise regression loss with stochastic
// context dropout.
func (o *Objective) Loss(score midispec.ScoreBatch, spec *midispec.Tensor, side *midispec.Tensor) (float32, error) {
	return o.loss(score, spec, side, false, true)
}

// ValidationLoss is the deterministic variant: evenly spaced timesteps and
// no context dropout, so that validation numbers are comparable across runs
// when the noise source is seeded the same way.
func (o *Objective) ValidationLoss(score midispec.ScoreBatch, spec *midispec.Tensor, side *midispec.Tensor) (float32, error) {
	return o.loss(score, spec, side, true, false)
}

func (o *Objective) loss(score midispec.ScoreBatch, spec, side *midispec.Tensor, uniform, dropout bool) (float32, error) {
	if err := score.Validate(); err != nil {
		return 0, err
	}
	if err := midispec.CheckLatentShape("clean target", spec, len(score)); err != nil {
		return 0, err
	}
	if side != nil {
		if err := midispec.CheckLatentShape("side context", side, len(score)); err != nil {
			return 0, err
		}
	}
	z, t, noise, err := o.Diffuser.Corrupt(spec, uniform)
	if err != nil {
		return 0, err
	}
	dropped := make([]bool, spec.Batch)
	if dropout && o.ContextDropout > 0 {
		u := make([]float32, spec.Batch)
		o.Diffuser.Noise.Uniform(u)
		for i := range dropped {
			dropped[i] = u[i] < o.ContextDropout
		}
	}
	pred, err := o.Predictor.PredictNoise(score, z, t, side, dropped)
	if err != nil {
		return 0, fmt.Errorf("noise prediction failed: %v", err)
	}
	if pred == nil || !pred.SameShape(noise) {
		return 0, fmt.Errorf("predictor returned shape %v, expected %v", pred, noise)
	}
	diff := make([]float32, len(pred.Data))
	vek32.Sub_Into(diff, pred.Data, noise.Data)
	vek32.Abs_Inplace(diff)
	return vek32.Mean(diff), nil
}
