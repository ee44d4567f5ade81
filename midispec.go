package midispec

// midispec generates audio spectrograms from tokenized musical scores. The
// numeric core lives in the diffusion and ar packages; this package holds the
// domain types (Tensor, Score) and the interfaces of the external
// collaborators that the core drives but does not implement: the neural
// predictors, the waveform feature extractor, the normalization rescaler and
// the random source.

type (
	// Predictor estimates the noise component of a diffused spectrogram. The
	// predicted tensor must have the same shape as the latent. The t slice
	// holds one diffusion time per batch example; dropped marks the examples
	// whose side context the predictor must ignore (classifier-free guidance
	// training and the unconditioned half of guided sampling). side may be
	// nil when no side context is available.
	Predictor interface {
		PredictNoise(score ScoreBatch, latent *Tensor, t []float32, side *Tensor, dropped []bool) (*Tensor, error)
	}

	// FramePredictor estimates spectrogram frames from the score and the
	// previous frames, for the autoregressive decoder. past holds frame i-1
	// at sequence position i (position 0 is all zeros); the returned tensor
	// has the same shape as past, frame i being the estimate of target frame
	// i.
	FramePredictor interface {
		PredictFrames(score ScoreBatch, past *Tensor) (*Tensor, error)
	}

	// FeatureExtractor converts a raw waveform into a normalized
	// spectrogram-like feature tensor with batch size 1. Used to derive side
	// context for sampling directly from audio.
	FeatureExtractor interface {
		Extract(wav []float32) (*Tensor, error)
	}

	// Rescaler maps a feature tensor from the normalized space the models
	// operate in back to physical units, in place. It must be the exact
	// inverse of the normalization applied during training.
	Rescaler interface {
		Reverse(spec *Tensor) error
	}

	// NoiseSource produces random numbers for the diffusion process. Normal
	// fills dst with standard normal samples, Uniform with samples from
	// [0,1). Implementations must be seedable so that sampling is
	// reproducible.
	NoiseSource interface {
		Normal(dst []float32)
		Uniform(dst []float32)
	}
)
