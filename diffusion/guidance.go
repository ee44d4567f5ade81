package diffusion

import (
	"fmt"

	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

type (
	// GuidanceBatch is a batch doubled along the batch axis for
	// classifier-free guidance: the first half keeps the side context, the
	// second half has it marked dropped. Building it explicitly (rather than
	// growing the batch inside the predictor call) keeps the two halves
	// aligned by construction and the predictor interface free of hidden
	// shape changes.
	GuidanceBatch struct {
		Score   midispec.ScoreBatch
		Latent  *midispec.Tensor
		Times   []float32
		Side    *midispec.Tensor
		Dropped []bool
	}

	// GuidedDenoiser wraps the noise predictor with classifier-free
	// guidance: one batched call over the doubled batch, then the
	// extrapolation weight*cond + (1-weight)*uncond. A single call also
	// guarantees both halves run through identical stochastic layers of the
	// predictor in sync.
	GuidedDenoiser struct {
		Predictor midispec.Predictor
		Weight    float32

		tmp []float32
	}
)

// MakeGuidanceBatch doubles score, latent and side context and builds the
// drop mask with the conditioned examples first.
func MakeGuidanceBatch(score midispec.ScoreBatch, latent *midispec.Tensor, t float32, side *midispec.Tensor) GuidanceBatch {
	n := latent.Batch
	g := GuidanceBatch{
		Score:   score.Repeat(2),
		Latent:  latent.Repeat(2),
		Times:   make([]float32, 2*n),
		Dropped: make([]bool, 2*n),
	}
	for i := range g.Times {
		g.Times[i] = t
	}
	for i := n; i < 2*n; i++ {
		g.Dropped[i] = true
	}
	if side != nil {
		g.Side = side.Repeat(2)
	}
	return g
}

// Denoise predicts the guided noise estimate for the whole batch at one
// timestep. The returned tensor has the shape of the non-doubled latent.
func (d *GuidedDenoiser) Denoise(score midispec.ScoreBatch, latent *midispec.Tensor, t float32, side *midispec.Tensor) (*midispec.Tensor, error) {
	if err := midispec.CheckLatentShape("latent", latent, len(score)); err != nil {
		return nil, err
	}
	if side != nil {
		if err := midispec.CheckLatentShape("side context", side, len(score)); err != nil {
			return nil, err
		}
	}
	g := MakeGuidanceBatch(score, latent, t, side)
	pred, err := d.Predictor.PredictNoise(g.Score, g.Latent, g.Times, g.Side, g.Dropped)
	if err != nil {
		return nil, fmt.Errorf("noise prediction failed: %v", err)
	}
	if pred == nil || !pred.SameShape(g.Latent) {
		return nil, fmt.Errorf("predictor returned shape %v, expected %v", pred, g.Latent)
	}
	half := len(latent.Data)
	cond, uncond := pred.Data[:half], pred.Data[half:]
	ret := midispec.NewTensor(latent.Batch, latent.Seq, latent.Feat)
	vek32.MulNumber_Into(ret.Data, cond, d.Weight)
	setSliceLength(&d.tmp, half)
	vek32.MulNumber_Into(d.tmp, uncond, 1-d.Weight)
	vek32.Add_Inplace(ret.Data, d.tmp)
	return ret, nil
}
