package tts

import (
	"context"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

// rechunker normalizes arbitrarily sized backend audio chunks into
// fixed-size outbound frames. Backends deliver whatever chunk sizes their
// transport produced; the playback path wants exactly one frame per write.
type rechunker struct {
	framer *audio.Framer
	out    chan<- audio.Frame
}

func newRechunker(out chan<- audio.Frame) *rechunker {
	return &rechunker{
		framer: audio.NewFramer(audio.DirectionOutbound),
		out:    out,
	}
}

// push slices a backend chunk into frames and emits them. Returns false if
// ctx was canceled mid-emit.
func (r *rechunker) push(ctx context.Context, mu []byte) bool {
	for _, f := range r.framer.Push(mu) {
		select {
		case r.out <- f:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// flush emits the trailing partial frame, padded to full size.
func (r *rechunker) flush(ctx context.Context) bool {
	f, ok := r.framer.Flush()
	if !ok {
		return true
	}
	select {
	case r.out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
