package midispec

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"
)

type (
	// Score is a tokenized MIDI-like event sequence: the symbolic conditioning
	// input of both decoders. Tokens are indices into a fixed vocabulary of
	// note-on, note-off, velocity and time-shift events (see the Token*
	// constants).
	Score []int

	// ScoreBatch is a batch of scores. All scores in a batch must have the
	// same length, as the predictor consumes them as a dense matrix.
	ScoreBatch []Score

	// NoteEvent is one note boundary in physical time, the intermediate
	// representation between a MIDI file and a token sequence.
	NoteEvent struct {
		Time     float64 // seconds from the start
		Pitch    byte
		Velocity byte
		On       bool
	}
)

// The token vocabulary. Offsets follow each other so that the vocabulary is
// dense; NumTokens is the embedding table size of the predictor.
const (
	TokenPad          = 0
	TokenNoteOnBase   = 1                      // +pitch, 128 tokens
	TokenNoteOffBase  = TokenNoteOnBase + 128  // +pitch, 128 tokens
	TokenVelocityBase = TokenNoteOffBase + 128 // +velocity/4, 32 tokens
	TokenShiftBase    = TokenVelocityBase + 32 // +steps-1, NumShiftTokens tokens
	NumShiftTokens    = 611
	NumTokens         = TokenShiftBase + NumShiftTokens

	// ShiftResolution is the number of time-shift steps per second, so one
	// shift step is 10 ms and a single shift token covers at most ~6.1 s.
	ShiftResolution = 100
)

// Tokenize converts note events into a token sequence. Events are processed
// in time order; simultaneous events are ordered note-offs first so that
// retriggers of the same pitch survive the roundtrip. A velocity token is
// emitted only when the quantized velocity changes.
func Tokenize(events []NoteEvent) Score {
	sorted := make([]NoteEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Time != sorted[j].Time {
			return sorted[i].Time < sorted[j].Time
		}
		return !sorted[i].On && sorted[j].On
	})
	var score Score
	curStep := 0
	curVelocity := -1
	for _, ev := range sorted {
		step := int(math.Round(ev.Time * ShiftResolution))
		for d := step - curStep; d > 0; {
			n := min(d, NumShiftTokens)
			score = append(score, TokenShiftBase+n-1)
			d -= n
		}
		if step > curStep {
			curStep = step
		}
		if ev.On {
			if v := int(ev.Velocity) / 4; v != curVelocity {
				score = append(score, TokenVelocityBase+v)
				curVelocity = v
			}
			score = append(score, TokenNoteOnBase+int(ev.Pitch))
		} else {
			score = append(score, TokenNoteOffBase+int(ev.Pitch))
		}
	}
	return score
}

// Pad returns the score padded with TokenPad to the given length. Scores
// longer than length are returned as is.
func (s Score) Pad(length int) Score {
	if len(s) >= length {
		return s
	}
	ret := make(Score, length)
	copy(ret, s)
	return ret
}

// Validate checks that the batch is usable as predictor input: non-empty,
// with equally long scores and all tokens within the vocabulary.
func (s ScoreBatch) Validate() error {
	if len(s) == 0 {
		return errors.New("score batch is empty")
	}
	l := len(s[0])
	if l == 0 {
		return errors.New("scores in a batch cannot be empty")
	}
	for i, sc := range s {
		if len(sc) != l {
			return fmt.Errorf("score %d has length %d, expected %d; pad the scores to a common length", i, len(sc), l)
		}
		for j, tok := range sc {
			if tok < 0 || tok >= NumTokens {
				return fmt.Errorf("score %d has token %d out of vocabulary at position %d", i, tok, j)
			}
		}
	}
	return nil
}

// Repeat returns the batch repeated the given number of times along the
// batch axis. The underlying scores are shared, not copied, as scores are
// never mutated by the numeric code.
func (s ScoreBatch) Repeat(times int) ScoreBatch {
	ret := make(ScoreBatch, 0, len(s)*times)
	for i := 0; i < times; i++ {
		ret = append(ret, s...)
	}
	return ret
}

// ReadSMF parses a standard MIDI file into note events, merging all tracks
// into a single stream ordered by absolute time. Note-ons with zero velocity
// are treated as note-offs.
func ReadSMF(r io.Reader) ([]NoteEvent, error) {
	var events []NoteEvent
	rd := smf.ReadTracksFrom(r)
	rd.Do(func(te smf.TrackEvent) {
		var channel, key, velocity uint8
		t := float64(te.AbsMicroSeconds) / 1e6
		switch {
		case te.Message.GetNoteStart(&channel, &key, &velocity):
			events = append(events, NoteEvent{Time: t, Pitch: key, Velocity: velocity, On: true})
		case te.Message.GetNoteEnd(&channel, &key):
			events = append(events, NoteEvent{Time: t, Pitch: key, On: false})
		}
	})
	if err := rd.Error(); err != nil {
		return nil, fmt.Errorf("reading midi file failed: %v", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	return events, nil
}
