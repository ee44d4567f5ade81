// Package diffusion implements the denoising-diffusion decoder: the cosine
// log-SNR noise schedule, the training-time forward corruption, the
// classifier-free-guidance wrapper around the noise predictor and the
// ancestral sampler that walks the schedule backwards from pure noise to a
// spectrogram.
package diffusion

import (
	"fmt"
	"math"
)

// Schedule is the cosine log-SNR noise schedule. It maps a timestep fraction
// t in [0,1] monotonically from LogSNRMax down to LogSNRMin. The bounds must
// be finite and LogSNRMin < LogSNRMax, which also keeps the variance strictly
// positive everywhere; the sampler relies on that and does not re-check.
type Schedule struct {
	LogSNRMin, LogSNRMax float64
}

// The externally configurable defaults of the diffusion process.
const (
	DefaultLogSNRMin      = -20.0
	DefaultLogSNRMax      = 20.0
	DefaultSteps          = 1000
	DefaultGuidanceWeight = 2.0
)

// DefaultSchedule returns the schedule the models are trained with.
func DefaultSchedule() Schedule {
	return Schedule{LogSNRMin: DefaultLogSNRMin, LogSNRMax: DefaultLogSNRMax}
}

// LogSNR computes the cosine log-SNR for timestep fraction t:
// -2*log(tan(a*t+b)), with a and b chosen so that LogSNR(0) = LogSNRMax and
// LogSNR(1) = LogSNRMin.
func (s Schedule) LogSNR(t float64) float64 {
	b := math.Atan(math.Exp(-0.5 * s.LogSNRMax))
	a := math.Atan(math.Exp(-0.5*s.LogSNRMin)) - b
	return -2 * math.Log(math.Tan(a*t+b))
}

// SNRCoefficients converts a plain signal-to-noise ratio into the
// variance-preserving (alpha, variance) pair: alpha = sqrt(snr/(snr+1)),
// variance = 1/(snr+1), so alpha^2 + variance = 1.
func SNRCoefficients(snr float64) (alpha, variance float64) {
	return math.Sqrt(snr / (snr + 1)), 1 / (snr + 1)
}

// Coefficients converts a log-SNR into the (alpha, variance) pair through
// the sigmoid: variance = sigmoid(-logSNR), alpha = sqrt(1-variance).
func Coefficients(logSNR float64) (alpha, variance float64) {
	variance = sigmoid(-logSNR)
	return math.Sqrt(1 - variance), variance
}

// LogCoefficients converts a log-SNR into (log alpha, log variance) without
// leaving the log domain: logVariance = -softplus(logSNR), logAlpha =
// 0.5*(logSNR+logVariance). This form stays accurate at the schedule
// extremes where variance or alpha underflow in the linear domain.
func LogCoefficients(logSNR float64) (logAlpha, logVariance float64) {
	logVariance = -softplus(logSNR)
	return 0.5 * (logSNR + logVariance), logVariance
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func softplus(x float64) float64 {
	return math.Max(x, 0) + math.Log1p(math.Exp(-math.Abs(x)))
}

// Grid is the schedule discretized to a fixed number of steps for sampling,
// with everything the reverse loop needs precomputed. Index 0 is t=0 (the
// cleanest step) and index Steps-1 is t=1 (pure noise); the sampler walks
// the indices downwards. AlphaStep and C are the adjacent-step quantities of
// the reverse transition and have Steps-1 entries: AlphaStep[s] =
// exp(logAlpha[s]-logAlpha[s+1]) and C[s] = relu(-expm1(logSNR[s+1]-
// logSNR[s])), the latter clamped non-negative to guard against rounding
// noise in the difference of nearly equal log-SNRs.
type Grid struct {
	Times     []float64
	LogSNR    []float64
	Alpha     []float64
	Var       []float64
	LogAlpha  []float64
	LogVar    []float64
	AlphaStep []float64
	C         []float64
}

// Grid discretizes the schedule into the given number of steps. A single
// step degenerates to the lone timestep t=0, so that sampling with steps=1
// performs just the final denoising estimate.
func (s Schedule) Grid(steps int) (*Grid, error) {
	if steps < 1 {
		return nil, fmt.Errorf("number of steps must be at least 1, got %d", steps)
	}
	g := &Grid{
		Times:    make([]float64, steps),
		LogSNR:   make([]float64, steps),
		Alpha:    make([]float64, steps),
		Var:      make([]float64, steps),
		LogAlpha: make([]float64, steps),
		LogVar:   make([]float64, steps),
	}
	for i := range g.Times {
		if steps > 1 {
			g.Times[i] = float64(i) / float64(steps-1)
		}
		g.LogSNR[i] = s.LogSNR(g.Times[i])
		g.LogAlpha[i], g.LogVar[i] = LogCoefficients(g.LogSNR[i])
		g.Alpha[i] = math.Exp(g.LogAlpha[i])
		g.Var[i] = math.Exp(g.LogVar[i])
	}
	g.AlphaStep = make([]float64, steps-1)
	g.C = make([]float64, steps-1)
	for i := 0; i < steps-1; i++ {
		g.AlphaStep[i] = math.Exp(g.LogAlpha[i] - g.LogAlpha[i+1])
		g.C[i] = math.Max(0, -math.Expm1(g.LogSNR[i+1]-g.LogSNR[i]))
	}
	return g, nil
}
