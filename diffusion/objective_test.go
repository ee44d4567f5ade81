package diffusion_test

import (
	"math"
	"testing"

	"github.com/midispec/midispec"
	"github.com/midispec/midispec/diffusion"
)

func TestLossDeterministicWithSeed(t *testing.T) {
	run := func() float32 {
		o := diffusion.NewObjective(zeroPredictor{}, midispec.NewGaussianSource(17))
		loss, err := o.Loss(testScores(4, 8), randomSpec(4, 16, 8, 23), nil)
		if err != nil {
			t.Fatalf("Loss failed: %v", err)
		}
		return loss
	}
	if a, b := run(), run(); a != b {
		t.Fatalf("Loss is not deterministic for a fixed seed: %v vs %v", a, b)
	}
}

func TestLossAgainstZeroPredictor(t *testing.T) {
	// With a zero prediction the L1 loss is the mean absolute value of the
	// injected standard normal noise, E|N(0,1)| = sqrt(2/pi).
	o := diffusion.NewObjective(zeroPredictor{}, midispec.NewGaussianSource(17))
	loss, err := o.Loss(testScores(4, 8), midispec.NewTensor(4, 64, 8), nil)
	if err != nil {
		t.Fatalf("Loss failed: %v", err)
	}
	if expected := math.Sqrt(2 / math.Pi); math.Abs(float64(loss)-expected) > 0.1 {
		t.Fatalf("loss %v too far from E|N(0,1)| = %v", loss, expected)
	}
}

func TestLossContextDropoutMask(t *testing.T) {
	pred := &recordingPredictor{}
	o := diffusion.NewObjective(pred, midispec.NewGaussianSource(17))
	side := midispec.NewTensor(4, 16, 8)

	o.ContextDropout = 1
	if _, err := o.Loss(testScores(4, 8), randomSpec(4, 16, 8, 2), side); err != nil {
		t.Fatalf("Loss failed: %v", err)
	}
	for i, d := range pred.dropped {
		if !d {
			t.Errorf("dropout probability 1 should drop every context, example %d kept", i)
		}
	}

	o.ContextDropout = 0
	if _, err := o.Loss(testScores(4, 8), randomSpec(4, 16, 8, 2), side); err != nil {
		t.Fatalf("Loss failed: %v", err)
	}
	for i, d := range pred.dropped {
		if d {
			t.Errorf("dropout probability 0 should keep every context, example %d dropped", i)
		}
	}
}

func TestValidationLossUniformNoDropout(t *testing.T) {
	pred := &recordingPredictor{}
	o := diffusion.NewObjective(pred, midispec.NewGaussianSource(17))
	if _, err := o.ValidationLoss(testScores(5, 8), randomSpec(5, 16, 8, 2), nil); err != nil {
		t.Fatalf("ValidationLoss failed: %v", err)
	}
	for i, v := range pred.t {
		if expected := float32(i) / 4; v != expected {
			t.Errorf("validation timestep %d = %v, expected the even grid value %v", i, v, expected)
		}
	}
	for i, d := range pred.dropped {
		if d {
			t.Errorf("validation loss must not drop context, example %d dropped", i)
		}
	}
}

func TestLossShapeValidation(t *testing.T) {
	o := diffusion.NewObjective(zeroPredictor{}, midispec.NewGaussianSource(17))
	if _, err := o.Loss(testScores(3, 8), randomSpec(2, 4, 4, 1), nil); err == nil {
		t.Fatalf("Loss accepted a target batch mismatching the score batch")
	}
	if _, err := o.Loss(testScores(2, 8), randomSpec(2, 4, 4, 1), midispec.NewTensor(3, 4, 4)); err == nil {
		t.Fatalf("Loss accepted a side context batch mismatching the score batch")
	}
}
