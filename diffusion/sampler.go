package diffusion

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

type (
	// Sampler draws a spectrogram from the diffusion model by ancestral
	// sampling: starting from pure Gaussian noise it walks the schedule grid
	// backwards, once through the guided denoiser per step. The reverse loop
	// is strictly sequential in time but every operation within a step is
	// batch-parallel dense math.
	Sampler struct {
		Predictor  midispec.Predictor
		Schedule   Schedule
		Noise      midispec.NoiseSource
		Extractor  midispec.FeatureExtractor // optional, for waveform side context
		Rescaler   midispec.Rescaler         // optional, for output in physical units
		Steps      int
		Weight     float32 // guidance weight
		FeatureDim int
	}

	// SampleOptions are the per-call knobs of Sample. The zero value asks
	// for plain conditional sampling with rescaled output.
	SampleOptions struct {
		// SideContext conditions the predictor on a precomputed feature
		// tensor; batch size must match the score batch, or be 1 to share
		// one context across the batch.
		SideContext *midispec.Tensor
		// WaveContext derives the side context from a raw waveform through
		// the sampler's feature extractor. Ignored when SideContext is set.
		WaveContext []float32
		// Raw skips the inverse rescaling so the result stays in the
		// normalized feature space.
		Raw bool
		// Progress, when set, is called after every completed step. It must
		// not modify the tensors it can reach; it has no effect on the
		// output.
		Progress func(step, total int)
	}

	// stepBuffers holds the scratch slices of the reverse loop so a single
	// Sample call allocates them once.
	stepBuffers struct {
		lo, hi, tmp []float32
	}
)

// NewSampler returns a sampler with the trained defaults: 1000 steps,
// guidance weight 2 and the default schedule.
func NewSampler(predictor midispec.Predictor, noise midispec.NoiseSource, featureDim int) *Sampler {
	return &Sampler{
		Predictor:  predictor,
		Schedule:   DefaultSchedule(),
		Noise:      noise,
		Steps:      DefaultSteps,
		Weight:     DefaultGuidanceWeight,
		FeatureDim: featureDim,
	}
}

// Sample generates a spectrogram of seqLength frames for each score in the
// batch. The context is checked between steps only, so cancellation takes
// effect at the next step boundary.
func (s *Sampler) Sample(ctx context.Context, score midispec.ScoreBatch, seqLength int, opts SampleOptions) (*midispec.Tensor, error) {
	if err := score.Validate(); err != nil {
		return nil, err
	}
	if seqLength < 1 {
		return nil, fmt.Errorf("sequence length must be positive, got %d", seqLength)
	}
	if s.FeatureDim < 1 {
		return nil, fmt.Errorf("feature dimension must be positive, got %d", s.FeatureDim)
	}
	if s.Noise == nil {
		return nil, errors.New("sampler has no noise source")
	}
	side, err := s.sideContext(len(score), opts)
	if err != nil {
		return nil, err
	}
	grid, err := s.Schedule.Grid(s.Steps)
	if err != nil {
		return nil, err
	}
	z := midispec.NewTensor(len(score), seqLength, s.FeatureDim)
	s.Noise.Normal(z.Data)
	den := GuidedDenoiser{Predictor: s.Predictor, Weight: s.Weight}
	var buf stepBuffers
	for tIdx := s.Steps - 1; tIdx >= 0; tIdx-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if z, err = s.step(&den, grid, tIdx, score, side, z, &buf); err != nil {
			return nil, err
		}
		if opts.Progress != nil {
			opts.Progress(s.Steps-tIdx, s.Steps)
		}
	}
	if !opts.Raw && s.Rescaler != nil {
		if err := s.Rescaler.Reverse(z); err != nil {
			return nil, fmt.Errorf("rescaling the sampled spectrogram failed: %v", err)
		}
	}
	return z, nil
}

// Step performs one reverse transition at grid index tIdx, taking the
// current latent and returning the next one (or the final denoised estimate
// when tIdx is 0). The input latent is not modified, so a single step can be
// driven and inspected in isolation.
func (s *Sampler) Step(grid *Grid, tIdx int, score midispec.ScoreBatch, side *midispec.Tensor, z *midispec.Tensor) (*midispec.Tensor, error) {
	if tIdx < 0 || tIdx >= len(grid.Times) {
		return nil, fmt.Errorf("step index %d outside the %d-step grid", tIdx, len(grid.Times))
	}
	den := GuidedDenoiser{Predictor: s.Predictor, Weight: s.Weight}
	var buf stepBuffers
	return s.step(&den, grid, tIdx, score, side, z, &buf)
}

func (s *Sampler) step(den *GuidedDenoiser, grid *Grid, tIdx int, score midispec.ScoreBatch, side *midispec.Tensor, z *midispec.Tensor, buf *stepBuffers) (*midispec.Tensor, error) {
	noiseHat, err := den.Denoise(score, z, float32(grid.Times[tIdx]), side)
	if err != nil {
		return nil, err
	}
	n := len(z.Data)
	setSliceLength(&buf.lo, n)
	setSliceLength(&buf.hi, n)
	setSliceLength(&buf.tmp, n)
	// Clamp the prediction so the implied denoised estimate stays within
	// [-1,1] times alpha, i.e. noise_hat in [(z-alpha)/sqrt(var),
	// (z+alpha)/sqrt(var)]; unguarded guidance extrapolation diverges
	// otherwise.
	alpha := float32(grid.Alpha[tIdx])
	invSigma := float32(1 / math.Sqrt(grid.Var[tIdx]))
	vek32.SubNumber_Into(buf.lo, z.Data, alpha)
	vek32.MulNumber_Inplace(buf.lo, invSigma)
	vek32.AddNumber_Into(buf.hi, z.Data, alpha)
	vek32.MulNumber_Inplace(buf.hi, invSigma)
	vek32.Maximum_Inplace(noiseHat.Data, buf.lo)
	vek32.Minimum_Inplace(noiseHat.Data, buf.hi)
	next := z.Copy()
	if tIdx > 0 {
		// Ancestral transition: mean = alphaStep*(z - sqrt(var)*c*noise_hat),
		// then fresh noise scaled by sqrt(var[s]*c).
		sIdx := tIdx - 1
		c := float32(grid.C[sIdx])
		sigma := float32(math.Sqrt(grid.Var[tIdx]))
		vek32.MulNumber_Into(buf.tmp, noiseHat.Data, sigma*c)
		vek32.Sub_Inplace(next.Data, buf.tmp)
		vek32.MulNumber_Inplace(next.Data, float32(grid.AlphaStep[sIdx]))
		std := float32(math.Sqrt(grid.Var[sIdx] * grid.C[sIdx]))
		s.Noise.Normal(buf.tmp)
		vek32.MulNumber_Inplace(buf.tmp, std)
		vek32.Add_Inplace(next.Data, buf.tmp)
		return next, nil
	}
	// Terminal step: deterministic estimate x0 = (z - sqrt(var)*noise_hat)/alpha.
	vek32.MulNumber_Into(buf.tmp, noiseHat.Data, float32(math.Sqrt(grid.Var[0])))
	vek32.Sub_Inplace(next.Data, buf.tmp)
	vek32.DivNumber_Inplace(next.Data, float32(grid.Alpha[0]))
	return next, nil
}

func (s *Sampler) sideContext(batch int, opts SampleOptions) (*midispec.Tensor, error) {
	side := opts.SideContext
	if side == nil && opts.WaveContext != nil {
		if s.Extractor == nil {
			return nil, errors.New("waveform side context given but the sampler has no feature extractor")
		}
		var err error
		if side, err = s.Extractor.Extract(opts.WaveContext); err != nil {
			return nil, fmt.Errorf("extracting side context failed: %v", err)
		}
	}
	if side == nil {
		return nil, nil
	}
	if side.Batch == 1 && batch > 1 {
		side = side.Repeat(batch)
	}
	return side, midispec.CheckLatentShape("side context", side, batch)
}
