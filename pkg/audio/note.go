package audio

import (
	"fmt"
	"math"
	"time"
)

// PitchClass identifies one of the twelve chromatic pitch classes.
type PitchClass int

const (
	PitchC PitchClass = iota
	PitchCSharp
	PitchD
	PitchDSharp
	PitchE
	PitchF
	PitchFSharp
	PitchG
	PitchGSharp
	PitchA
	PitchASharp
	PitchB
)

// pitchNames lists the chromatic pitch class names in order from C.
var pitchNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// String returns the conventional name of the pitch class (sharps, not flats).
func (p PitchClass) String() string {
	if p < 0 || int(p) >= len(pitchNames) {
		return "?"
	}
	return pitchNames[p]
}

// DetectedNote is a single pitch detection produced by an inference backend.
// Immutable; consumed by the event publisher.
type DetectedNote struct {
	// Pitch is the detected chromatic pitch class.
	Pitch PitchClass

	// Octave in scientific pitch notation (A4 = 440 Hz). Audible range ~0–8.
	Octave int

	// Frequency is the estimated fundamental in Hz.
	Frequency float64

	// Cents is the deviation from the equal-tempered pitch centre, in
	// [-50, +50].
	Cents float64

	// Confidence in [0, 1].
	Confidence float64

	// Velocity is an integer intensity estimate in [0, 127], derived from
	// frame energy.
	Velocity int

	// Timestamp is the capture timestamp of the originating frame.
	Timestamp time.Duration
}

// Name returns the note in scientific pitch notation, e.g. "A4".
func (n DetectedNote) Name() string {
	return fmt.Sprintf("%s%d", n.Pitch, n.Octave)
}

// TimeSignature is a numerator/denominator pair, e.g. 4/4 or 6/8.
type TimeSignature struct {
	Numerator   int
	Denominator int
}

// String returns the signature in "N/D" form.
func (ts TimeSignature) String() string {
	return fmt.Sprintf("%d/%d", ts.Numerator, ts.Denominator)
}

// RhythmAnalysis is a longer-window tempo estimate produced by backends
// capable of multi-frame analysis (edge or hybrid processing).
type RhythmAnalysis struct {
	// TempoBPM is the estimated tempo in beats per minute.
	TempoBPM float64

	// Signature is the estimated time signature.
	Signature TimeSignature

	// Confidence in [0, 1].
	Confidence float64

	// Timestamp is the capture timestamp of the frame that completed the
	// analysis window.
	Timestamp time.Duration
}

// a4Frequency is the reference tuning pitch (A4) in Hz.
const a4Frequency = 440.0

// NoteFromFrequency maps a fundamental frequency to the nearest
// equal-tempered note. The returned note carries the pitch class, octave in
// scientific notation, and cents deviation from the note centre; confidence,
// velocity and timestamp are left for the caller to fill in.
//
// Returns false when hz is not a positive, finite frequency.
func NoteFromFrequency(hz float64) (DetectedNote, bool) {
	if hz <= 0 || math.IsInf(hz, 0) || math.IsNaN(hz) {
		return DetectedNote{}, false
	}

	// Semitone distance from A4, rounded to the nearest equal-tempered note.
	semitones := 12 * math.Log2(hz/a4Frequency)
	nearest := math.Round(semitones)
	cents := 100 * (semitones - nearest)

	// A4 is 9 semitones above C4; index the chromatic scale from C.
	fromC4 := int(nearest) + 9
	idx := fromC4 % 12
	if idx < 0 {
		idx += 12
	}

	return DetectedNote{
		Pitch:     PitchClass(idx),
		Octave:    4 + int(math.Floor(float64(fromC4)/12)),
		Frequency: hz,
		Cents:     cents,
	}, true
}
