package midispec

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Tensor is a dense batch of spectrogram-like features, laid out batch-major:
// Data[((b*Seq)+s)*Feat+f] is feature f of frame s of example b. All the
// numeric code operates on Data with vek32, so the layout is part of the
// contract.
type Tensor struct {
	Batch, Seq, Feat int
	Data             []float32
}

// NewTensor returns a zero-filled tensor of the given shape.
func NewTensor(batch, seq, feat int) *Tensor {
	return &Tensor{
		Batch: batch,
		Seq:   seq,
		Feat:  feat,
		Data:  make([]float32, batch*seq*feat),
	}
}

// Copy makes a deep copy of the tensor.
func (t *Tensor) Copy() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Batch: t.Batch, Seq: t.Seq, Feat: t.Feat, Data: data}
}

// Row returns frame s of example b as a mutable slice of length Feat.
func (t *Tensor) Row(b, s int) []float32 {
	i := (b*t.Seq + s) * t.Feat
	return t.Data[i : i+t.Feat]
}

// Example returns all frames of example b as a flat mutable slice of length
// Seq*Feat.
func (t *Tensor) Example(b int) []float32 {
	n := t.Seq * t.Feat
	return t.Data[b*n : (b+1)*n]
}

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.Batch == o.Batch && t.Seq == o.Seq && t.Feat == o.Feat
}

// Repeat returns a new tensor with the batch repeated the given number of
// times along the batch axis.
func (t *Tensor) Repeat(times int) *Tensor {
	ret := NewTensor(t.Batch*times, t.Seq, t.Feat)
	for i := 0; i < times; i++ {
		copy(ret.Data[i*len(t.Data):], t.Data)
	}
	return ret
}

// HasNonFinite reports whether the tensor contains NaN or Inf entries.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return true
		}
	}
	return false
}

func (t *Tensor) String() string {
	return fmt.Sprintf("(%d,%d,%d)", t.Batch, t.Seq, t.Feat)
}

// CheckLatentShape validates that a tensor is compatible with a batch of
// score contexts before any model call, so that mismatches fail fast instead
// of surfacing as garbage mid-loop.
func CheckLatentShape(name string, t *Tensor, batch int) error {
	if t == nil {
		return fmt.Errorf("%s tensor is nil", name)
	}
	if t.Batch != batch {
		return fmt.Errorf("%s batch size %d does not match score batch size %d", name, t.Batch, batch)
	}
	if t.Seq < 1 || t.Feat < 1 {
		return fmt.Errorf("%s has degenerate shape %v", name, t)
	}
	if len(t.Data) != t.Batch*t.Seq*t.Feat {
		return fmt.Errorf("%s data length %d does not match shape %v", name, len(t.Data), t)
	}
	return nil
}
