// Package mel builds the spectrogram-like features the models are trained
// on: a log-mel analyzer and the affine scaler that normalizes features to
// the space the decoders operate in (and back).
package mel

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/chewxy/math32"
	"github.com/midispec/midispec"
	"github.com/viterin/vek/vek32"
)

type (
	// Config sets the analysis parameters. Window must be a power of two.
	Config struct {
		SampleRate int     `yaml:"samplerate"`
		Window     int     `yaml:"window"`
		Hop        int     `yaml:"hop"`
		Bins       int     `yaml:"bins"`
		MinFreq    float64 `yaml:"minfreq"`
		MaxFreq    float64 `yaml:"maxfreq"`
	}

	// Analyzer converts a waveform into a log-mel spectrogram tensor with
	// batch size 1.
	Analyzer struct {
		config  Config
		window  []float32 // Hann window weights
		bitPerm []int     // bit-reversal permutation table
		filters []filter
		tmpC    []complex128
		tmp1    []float32
		tmp2    []float32
		tmp3    []float32
	}

	// filter is one sparse triangular mel band: weights over the FFT bins
	// starting at bin start.
	filter struct {
		start   int
		weights []float32
	}

	// Extractor is the full feature pipeline, analyzer followed by an
	// optional scaler, matching the normalization the models were trained
	// with. It implements midispec.FeatureExtractor.
	Extractor struct {
		Analyzer *Analyzer
		Scaler   *Scaler
	}
)

// logFloor keeps the log compression finite on silent bands.
const logFloor = 1e-5

// DefaultConfig returns the analysis configuration of the trained models:
// 128 mel bins over 20 Hz to Nyquist at 16 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		Window:     1024,
		Hop:        256,
		Bins:       128,
		MinFreq:    20,
		MaxFreq:    8000,
	}
}

// NewAnalyzer precomputes the window, the FFT permutation table and the mel
// filterbank for the given configuration.
func NewAnalyzer(c Config) (*Analyzer, error) {
	if c.Window < 2 || c.Window&(c.Window-1) != 0 {
		return nil, fmt.Errorf("window size must be a power of two, got %d", c.Window)
	}
	if c.Hop < 1 {
		return nil, fmt.Errorf("hop size must be positive, got %d", c.Hop)
	}
	if c.Bins < 1 {
		return nil, fmt.Errorf("number of mel bins must be positive, got %d", c.Bins)
	}
	if c.SampleRate < 1 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	nyquist := float64(c.SampleRate) / 2
	if c.MinFreq < 0 || c.MaxFreq <= c.MinFreq || c.MaxFreq > nyquist {
		return nil, fmt.Errorf("invalid mel frequency range %g..%g for sample rate %d", c.MinFreq, c.MaxFreq, c.SampleRate)
	}
	n := c.Window
	a := &Analyzer{
		config:  c,
		window:  make([]float32, n),
		bitPerm: make([]int, n),
		tmpC:    make([]complex128, n),
		tmp1:    make([]float32, n),
		tmp2:    make([]float32, n/2+1),
		tmp3:    make([]float32, n),
	}
	for i := range a.window {
		// Hanning window
		a.window[i] = float32(0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1))))
		a.bitPerm[i] = i
	}
	// compute the bit-reversal permutation
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			a.bitPerm[i], a.bitPerm[j] = a.bitPerm[j], a.bitPerm[i]
		}
	}
	a.filters = melFilterbank(c)
	return a, nil
}

// Config returns the analyzer's configuration.
func (a *Analyzer) Config() Config { return a.config }

// NumFrames returns the number of frames Extract produces for a waveform of
// the given length.
func (a *Analyzer) NumFrames(samples int) int {
	if samples < a.config.Window {
		return 0
	}
	return 1 + (samples-a.config.Window)/a.config.Hop
}

// Extract computes the log-mel spectrogram of the waveform as a 1 x frames x
// bins tensor.
func (a *Analyzer) Extract(wav []float32) (*midispec.Tensor, error) {
	frames := a.NumFrames(len(wav))
	if frames == 0 {
		return nil, fmt.Errorf("waveform of %d samples is shorter than the %d-sample analysis window", len(wav), a.config.Window)
	}
	ret := midispec.NewTensor(1, frames, a.config.Bins)
	for f := 0; f < frames; f++ {
		a.powerSpectrum(wav[f*a.config.Hop : f*a.config.Hop+a.config.Window])
		row := ret.Row(0, f)
		for i, flt := range a.filters {
			row[i] = math32.Log(max(vek32.Dot(flt.weights, a.tmp2[flt.start:flt.start+len(flt.weights)]), logFloor))
		}
	}
	return ret, nil
}

// powerSpectrum fills tmp2 with the windowed power spectrum of one frame,
// bins 0..n/2 inclusive.
func (a *Analyzer) powerSpectrum(frame []float32) {
	n := a.config.Window
	vek32.Mul_Into(a.tmp1, frame, a.window)          // apply windowing
	vek32.Gather_Into(a.tmp3[:n], a.tmp1, a.bitPerm) // bit-reversal permutation
	c := a.tmpC
	for i := range c {
		c[i] = complex(float64(a.tmp3[i]), 0)
	}
	// iterative radix-2 FFT
	for l := 2; l <= n; l <<= 1 {
		ang := 2 * math.Pi / float64(l)
		wlen := complex(math.Cos(ang), math.Sin(ang))
		for i := 0; i < n; i += l {
			w := complex(1, 0)
			for j := 0; j < l/2; j++ {
				u := c[i+j]
				v := c[i+j+l/2] * w
				c[i+j] = u + v
				c[i+j+l/2] = u - v
				w *= wlen
			}
		}
	}
	for i := 0; i <= n/2; i++ {
		p := cmplx.Abs(c[i])
		a.tmp2[i] = float32(p * p)
	}
}

func hzToMel(f float64) float64 { return 2595 * math.Log10(1+f/700) }
func melToHz(m float64) float64 { return 700 * (math.Pow(10, m/2595) - 1) }

// Extract runs the analyzer and, when a scaler is present, normalizes the
// result so the features live in the space the models were trained in.
func (e Extractor) Extract(wav []float32) (*midispec.Tensor, error) {
	spec, err := e.Analyzer.Extract(wav)
	if err != nil {
		return nil, err
	}
	if e.Scaler != nil {
		if err := e.Scaler.Apply(spec); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// melFilterbank builds the triangular filters with edges evenly spaced on
// the mel scale between MinFreq and MaxFreq.
func melFilterbank(c Config) []filter {
	n := c.Window
	edges := make([]float64, c.Bins+2)
	lo, hi := hzToMel(c.MinFreq), hzToMel(c.MaxFreq)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(c.Bins+1))
	}
	binFreq := func(k int) float64 { return float64(k) * float64(c.SampleRate) / float64(n) }
	filters := make([]filter, c.Bins)
	for i := range filters {
		left, center, right := edges[i], edges[i+1], edges[i+2]
		var weights []float32
		start := -1
		for k := 0; k <= n/2; k++ {
			f := binFreq(k)
			var w float64
			if f > left && f < center {
				w = (f - left) / (center - left)
			} else if f >= center && f < right {
				w = (right - f) / (right - center)
			} else {
				continue
			}
			if start < 0 {
				start = k
			}
			// fill possible gaps caused by skipped zero-weight bins
			for len(weights) < k-start {
				weights = append(weights, 0)
			}
			weights = append(weights, float32(w))
		}
		if start < 0 { // filter narrower than one FFT bin; keep a zero tap at the center
			start = int(center / (float64(c.SampleRate) / float64(n)))
			weights = []float32{0}
		}
		filters[i] = filter{start: start, weights: weights}
	}
	return filters
}
