package turn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhouseai/realty-voice-service/internal/audio"
	"github.com/openhouseai/realty-voice-service/internal/stt"
)

func silentFrame() audio.Frame {
	return audio.Frame{MuLaw: audio.EncodePCM(make([]int16, audio.SamplesPerFrame))}
}

func voicedFrame() audio.Frame {
	pcm := make([]int16, audio.SamplesPerFrame)
	for i := range pcm {
		pcm[i] = 8000
	}
	return audio.Frame{MuLaw: audio.EncodePCM(pcm)}
}

func feed(d *Detector, f audio.Frame, n int) []Event {
	var events []Event
	for i := 0; i < n; i++ {
		if ev, ok := d.Observe(f); ok {
			events = append(events, ev)
		}
	}
	return events
}

func TestSilenceProducesNoTurn(t *testing.T) {
	d := NewDetector(Config{}, nil)
	events := feed(d, silentFrame(), 500)
	assert.Empty(t, events)
}

func TestDebounceRejectsBlips(t *testing.T) {
	d := NewDetector(Config{DebounceFrames: 3}, nil)

	// Two voiced frames then silence, repeatedly: never enough to start.
	for i := 0; i < 20; i++ {
		assert.Empty(t, feed(d, voicedFrame(), 2))
		assert.Empty(t, feed(d, silentFrame(), 5))
	}
}

func TestOneTurnEndedPerSegment(t *testing.T) {
	d := NewDetector(Config{TrailingSilence: 200 * time.Millisecond}, nil)
	silenceFrames := int(200*time.Millisecond/audio.FrameDuration) + 1

	for segment := 0; segment < 3; segment++ {
		events := feed(d, voicedFrame(), 10)
		require.Len(t, events, 1, "segment %d", segment)
		assert.Equal(t, TurnStarted, events[0].Kind)

		events = feed(d, silentFrame(), silenceFrames+50)
		require.Len(t, events, 1, "segment %d", segment)
		assert.Equal(t, TurnEnded, events[0].Kind)
	}
}

func TestTurnEndedCarriesAssembledText(t *testing.T) {
	d := NewDetector(Config{TrailingSilence: 100 * time.Millisecond}, nil)

	feed(d, voicedFrame(), 5)
	d.OnRecognition(stt.Event{Text: "I am looking", Final: false})
	d.OnRecognition(stt.Event{Text: "I am looking for a house", Final: true})
	d.OnRecognition(stt.Event{Text: "with a", Final: false})
	d.OnRecognition(stt.Event{Text: "with a garden", Final: false})

	events := feed(d, silentFrame(), 100)
	require.Len(t, events, 1)
	assert.Equal(t, TurnEnded, events[0].Kind)
	assert.Equal(t, "I am looking for a house with a garden", events[0].Text)

	// Text does not leak into the next turn.
	feed(d, voicedFrame(), 5)
	events = feed(d, silentFrame(), 100)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].Text)
}

func TestBargeInOnlyWhileAgentSpeaking(t *testing.T) {
	d := NewDetector(Config{}, nil)

	feed(d, voicedFrame(), 10)
	select {
	case <-d.BargeIn():
		t.Fatal("barge-in fired while agent silent")
	default:
	}

	d.SetAgentSpeaking(true)
	feed(d, voicedFrame(), 10)
	select {
	case <-d.BargeIn():
	default:
		t.Fatal("barge-in did not fire over agent speech")
	}
}

func TestBargeInCooldown(t *testing.T) {
	d := NewDetector(Config{BargeInCooldown: time.Second}, nil)
	d.SetAgentSpeaking(true)

	feed(d, voicedFrame(), 10)
	<-d.BargeIn()

	// Still inside cooldown: one second is 50 frames.
	feed(d, voicedFrame(), 30)
	select {
	case <-d.BargeIn():
		t.Fatal("barge-in retriggered inside cooldown")
	default:
	}

	// Past cooldown it may fire again.
	feed(d, voicedFrame(), 60)
	select {
	case <-d.BargeIn():
	default:
		t.Fatal("barge-in did not rearm after cooldown")
	}
}
