package stt

import (
	"context"
	"errors"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

// ErrRecognitionUnavailable means the recognizer lost its upstream connection
// and the single reconnect attempt also failed. The call should continue
// degraded rather than be torn down.
var ErrRecognitionUnavailable = errors.New("stt: recognition unavailable")

// Event is one recognizer result, delivered in strict arrival order. Err is
// set on terminal failures instead of text.
type Event struct {
	Text       string
	Confidence float64
	Final      bool
	Err        error
}

// Recognizer streams caller audio to a speech-to-text backend and emits
// transcription events.
type Recognizer interface {
	// Start dials the backend and begins the send/receive loops. The ctx
	// bounds the whole recognition stream.
	Start(ctx context.Context) error
	// Feed enqueues one frame. Never blocks: when the queue is full the
	// oldest frame is dropped.
	Feed(f audio.Frame)
	// Events returns the ordered result stream. Closed after Stop or a
	// terminal failure.
	Events() <-chan Event
	// Stop flushes and closes the stream. Safe to call more than once.
	Stop() error
}
