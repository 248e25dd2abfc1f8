// Package tts streams synthesized agent speech as telephony-ready mu-law
// frames.
package tts

import (
	"context"
	"errors"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

// ErrSynthesisFailed means the backend could not produce audio for the
// request. The caller decides whether to retry or fall back.
var ErrSynthesisFailed = errors.New("tts: synthesis failed")

// Streamer converts a stream of text chunks into a stream of outbound audio
// frames. Implementations begin emitting frames as soon as the backend
// produces audio; callers must not wait for the text channel to close before
// reading frames. Canceling ctx stops frame emission within one frame
// period and releases backend resources.
type Streamer interface {
	Synthesize(ctx context.Context, text <-chan string) (<-chan audio.Frame, error)
}

// frameBuffer is the depth of the emitted frame channel. Roughly one second
// of audio so the paced writer, not the synthesizer, sets the playback rate.
const frameBuffer = 50
