// Package ar implements the autoregressive decoder variant: instead of
// denoising, the spectrogram is regressed frame by frame, each frame
// conditioned on the score and the previously generated frames.
package ar

import (
	"context"
	"errors"
	"fmt"

	"github.com/midispec/midispec"
)

// Decoder rolls the frame predictor out over the target length, feeding each
// predicted frame back in as the next step's past. Like the diffusion
// sampler, the model itself is an external collaborator.
type Decoder struct {
	Predictor  midispec.FramePredictor
	Rescaler   midispec.Rescaler // optional
	FeatureDim int
}

// Generate synthesizes seqLength frames for each score in the batch. The
// rollout is strictly sequential; the context is checked between frames.
// With raw set the result stays in the normalized feature space.
func (d *Decoder) Generate(ctx context.Context, score midispec.ScoreBatch, seqLength int, raw bool) (*midispec.Tensor, error) {
	if err := score.Validate(); err != nil {
		return nil, err
	}
	if seqLength < 1 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLength)
	}
	if d.FeatureDim < 1 {
		return nil, fmt.Errorf("feature dimension must be positive, got %d", d.FeatureDim)
	}
	if d.Predictor == nil {
		return nil, errors.New("decoder has no frame predictor")
	}
	past := midispec.NewTensor(len(score), seqLength, d.FeatureDim)
	var pred *midispec.Tensor
	for i := 0; i < seqLength; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var err error
		if pred, err = d.Predictor.PredictFrames(score, past); err != nil {
			return nil, fmt.Errorf("frame prediction failed: %v", err)
		}
		if pred == nil || !pred.SameShape(past) {
			return nil, fmt.Errorf("predictor returned shape %v, expected %v", pred, past)
		}
		if i+1 < seqLength {
			for b := 0; b < past.Batch; b++ {
				copy(past.Row(b, i+1), pred.Row(b, i))
			}
		}
	}
	if !raw && d.Rescaler != nil {
		if err := d.Rescaler.Reverse(pred); err != nil {
			return nil, fmt.Errorf("rescaling the generated spectrogram failed: %v", err)
		}
	}
	return pred, nil
}
