package diffusion

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

// Diffuser produces the training-time corruption of a clean spectrogram: a
// per-example timestep, the matching noised latent and the injected noise
// (the regression target of the denoising objective).
type Diffuser struct {
	Schedule Schedule
	Noise    midispec.NoiseSource

	tmp []float32
}

// NewDiffuser returns a diffuser using the default schedule.
func NewDiffuser(noise midispec.NoiseSource) *Diffuser {
	return &Diffuser{Schedule: DefaultSchedule(), Noise: noise}
}

// Corrupt draws one timestep per example and returns z = alpha*x +
// sqrt(variance)*noise together with the timesteps and the noise. By default
// the timesteps are uniform random in [0,1]; with uniform set they are an
// evenly spaced grid over the batch instead, which together with a fixed
// noise seed makes validation losses reproducible.
func (d *Diffuser) Corrupt(x *midispec.Tensor, uniform bool) (z *midispec.Tensor, t []float32, noise *midispec.Tensor, err error) {
	if err := midispec.CheckLatentShape("clean target", x, x.Batch); err != nil {
		return nil, nil, nil, err
	}
	if d.Noise == nil {
		return nil, nil, nil, fmt.Errorf("diffuser has no noise source")
	}
	t = make([]float32, x.Batch)
	if uniform {
		for i := range t {
			if x.Batch > 1 {
				t[i] = float32(i) / float32(x.Batch-1)
			}
		}
	} else {
		d.Noise.Uniform(t)
	}
	noise = midispec.NewTensor(x.Batch, x.Seq, x.Feat)
	d.Noise.Normal(noise.Data)
	z = midispec.NewTensor(x.Batch, x.Seq, x.Feat)
	setSliceLength(&d.tmp, x.Seq*x.Feat)
	for b := 0; b < x.Batch; b++ {
		alpha, variance := Coefficients(d.Schedule.LogSNR(float64(t[b])))
		sigma := math32.Sqrt(float32(variance))
		vek32.MulNumber_Into(z.Example(b), x.Example(b), float32(alpha))
		vek32.MulNumber_Into(d.tmp, noise.Example(b), sigma)
		vek32.Add_Inplace(z.Example(b), d.tmp)
	}
	return z, t, noise, nil
}

func setSliceLength[T any](slice *[]T, length int) {
	if len(*slice) < length {
		*slice = append(*slice, make([]T, length-len(*slice))...)
	}
	*slice = (*slice)[:length]
}
