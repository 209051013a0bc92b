// Package sink defines outbound event delivery for detected notes and
// rhythm analyses. Implementations forward events to external consumers
// (message brokers, logs); they are fed by the engine's event subscription
// and must never block the pipeline.
package sink

import (
	"context"
	"log/slog"

	"github.com/seminote/engine/pkg/audio"
)

// NoteMessage is the payload published for a detected note.
type NoteMessage struct {
	Note   audio.DetectedNote `json:"note"`
	Mode   string             `json:"mode"`
	Source string             `json:"source"`
}

// RhythmMessage is the payload published for a rhythm analysis.
type RhythmMessage struct {
	Rhythm audio.RhythmAnalysis `json:"rhythm"`
	Mode   string               `json:"mode"`
	Source string               `json:"source"`
}

// Sink delivers engine events to an external consumer.
type Sink interface {
	// PublishNote delivers a detected note.
	PublishNote(ctx context.Context, msg NoteMessage) error

	// PublishRhythm delivers a rhythm analysis.
	PublishRhythm(ctx context.Context, msg RhythmMessage) error

	// Close releases the sink's resources.
	Close() error
}

// Log is a Sink that writes events to the structured log. Useful as a
// development default and for headless debugging.
type Log struct {
	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

var _ Sink = (*Log)(nil)

func (l *Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// PublishNote logs the note at info level.
func (l *Log) PublishNote(_ context.Context, msg NoteMessage) error {
	l.logger().Info("note detected",
		"note", msg.Note.Name(),
		"frequency_hz", msg.Note.Frequency,
		"cents", msg.Note.Cents,
		"velocity", msg.Note.Velocity,
		"confidence", msg.Note.Confidence,
		"mode", msg.Mode,
		"source", msg.Source,
	)
	return nil
}

// PublishRhythm logs the rhythm analysis at info level.
func (l *Log) PublishRhythm(_ context.Context, msg RhythmMessage) error {
	l.logger().Info("rhythm analysed",
		"tempo_bpm", msg.Rhythm.TempoBPM,
		"confidence", msg.Rhythm.Confidence,
		"mode", msg.Mode,
		"source", msg.Source,
	)
	return nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }
