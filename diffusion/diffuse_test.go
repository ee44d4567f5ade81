package diffusion_test

import (
	"math"
	"reflect"
	"testing"

	"github.com/midispec/midispec"
	"github.com/midispec/midispec/diffusion"
)

const reconstructThreshold = 2e-2

func randomSpec(batch, seq, feat int, seed int64) *midispec.Tensor {
	ret := midispec.NewTensor(batch, seq, feat)
	midispec.NewGaussianSource(seed).Normal(ret.Data)
	return ret
}

func TestCorruptRoundTrip(t *testing.T) {
	// Reconstructing x = (z - sigma*noise)/alpha must recover the clean
	// target. The tolerance is loose because near t=1 alpha is tiny and the
	// reconstruction amplifies float32 rounding.
	d := diffusion.NewDiffuser(midispec.NewGaussianSource(5))
	x := randomSpec(4, 16, 8, 11)
	z, tval, noise, err := d.Corrupt(x, true)
	if err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	for b := 0; b < x.Batch; b++ {
		alpha, variance := diffusion.Coefficients(d.Schedule.LogSNR(float64(tval[b])))
		sigma := math.Sqrt(variance)
		xe, ze, ne := x.Example(b), z.Example(b), noise.Example(b)
		for i := range xe {
			rec := (float64(ze[i]) - sigma*float64(ne[i])) / alpha
			if math.Abs(rec-float64(xe[i])) > reconstructThreshold {
				t.Fatalf("reconstruction off by %v at example %d index %d (t=%v)", rec-float64(xe[i]), b, i, tval[b])
			}
		}
	}
}

func TestCorruptUniformTimesteps(t *testing.T) {
	d := diffusion.NewDiffuser(midispec.NewGaussianSource(5))
	_, tval, _, err := d.Corrupt(randomSpec(5, 4, 2, 1), true)
	if err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	for i, v := range tval {
		if expected := float32(i) / 4; v != expected {
			t.Errorf("uniform timestep %d = %v, expected %v", i, v, expected)
		}
	}
}

func TestCorruptDeterministicWithSeed(t *testing.T) {
	run := func() (*midispec.Tensor, []float32, *midispec.Tensor) {
		d := diffusion.NewDiffuser(midispec.NewGaussianSource(99))
		z, tval, noise, err := d.Corrupt(randomSpec(3, 8, 4, 2), true)
		if err != nil {
			t.Fatalf("Corrupt failed: %v", err)
		}
		return z, tval, noise
	}
	z1, t1, n1 := run()
	z2, t2, n2 := run()
	if !reflect.DeepEqual(z1.Data, z2.Data) || !reflect.DeepEqual(t1, t2) || !reflect.DeepEqual(n1.Data, n2.Data) {
		t.Fatalf("Corrupt with uniform timesteps and a fixed seed is not deterministic")
	}
}

func TestCorruptRandomTimestepsInRange(t *testing.T) {
	d := diffusion.NewDiffuser(midispec.NewGaussianSource(5))
	_, tval, _, err := d.Corrupt(randomSpec(64, 2, 2, 3), false)
	if err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	for i, v := range tval {
		if v < 0 || v >= 1 {
			t.Errorf("timestep %d = %v outside [0,1)", i, v)
		}
	}
}
