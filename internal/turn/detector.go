package turn

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/audio"
	"github.com/openhouseai/realty-voice-service/internal/stt"
)

// Config holds the energy-gate tunables. Zero values fall back to defaults
// calibrated for 8 kHz telephony audio.
type Config struct {
	// EnergyThreshold is the normalized RMS floor above which a frame counts
	// as voiced.
	EnergyThreshold float64
	// DebounceFrames is how many consecutive voiced frames are needed before
	// speech is trusted. Rejects line clicks and sub-threshold blips.
	DebounceFrames int
	// TrailingSilence is how long the caller must stay quiet before their
	// turn is considered over.
	TrailingSilence time.Duration
	// BargeInCooldown suppresses repeat barge-in signals after one fires.
	BargeInCooldown time.Duration
}

const (
	DefaultEnergyThreshold = 0.037
	DefaultDebounceFrames  = 3
	DefaultTrailingSilence = 1200 * time.Millisecond
	DefaultBargeInCooldown = 2 * time.Second
)

func (c *Config) withDefaults() {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
	if c.DebounceFrames <= 0 {
		c.DebounceFrames = DefaultDebounceFrames
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = DefaultTrailingSilence
	}
	if c.BargeInCooldown <= 0 {
		c.BargeInCooldown = DefaultBargeInCooldown
	}
}

type EventKind int

const (
	TurnStarted EventKind = iota + 1
	TurnEnded
)

// Event is a detector output. Text is set only on TurnEnded and carries the
// assembled caller utterance.
type Event struct {
	Kind EventKind
	Text string
}

// Detector is an RMS-driven speech gate. Audio frames drive the
// silent/speaking state machine; recognizer events assemble the text of the
// pending turn. Observe and OnRecognition may run on different goroutines.
type Detector struct {
	cfg Config
	log *zap.Logger

	agentSpeaking atomic.Bool
	bargeIn       chan struct{}

	// frame-rate state, touched only by the Observe caller
	speaking     bool
	voicedStreak int
	silentFrames int
	endAfter     int
	cooldownLeft int
	cooldownSpan int

	mu      sync.Mutex
	partial string
	finals  []string
}

func NewDetector(cfg Config, log *zap.Logger) *Detector {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:          cfg,
		log:          log,
		bargeIn:      make(chan struct{}, 1),
		endAfter:     int(cfg.TrailingSilence / audio.FrameDuration),
		cooldownSpan: int(cfg.BargeInCooldown / audio.FrameDuration),
	}
}

// BargeIn is signaled when the caller speaks over agent playback. Buffered
// one deep: an unconsumed signal is not duplicated.
func (d *Detector) BargeIn() <-chan struct{} {
	return d.bargeIn
}

// SetAgentSpeaking tells the detector whether agent audio is currently being
// played, which is the only window in which barge-in fires.
func (d *Detector) SetAgentSpeaking(speaking bool) {
	d.agentSpeaking.Store(speaking)
}

// Observe processes one inbound frame and returns a turn event when the
// frame completes a transition. Must be called from a single goroutine in
// frame order.
func (d *Detector) Observe(f audio.Frame) (Event, bool) {
	if d.cooldownLeft > 0 {
		d.cooldownLeft--
	}

	voiced := f.RMS() >= d.cfg.EnergyThreshold
	if voiced {
		d.voicedStreak++
		d.silentFrames = 0
	} else {
		d.voicedStreak = 0
		d.silentFrames++
	}

	if voiced && d.voicedStreak >= d.cfg.DebounceFrames {
		if d.agentSpeaking.Load() && d.cooldownLeft == 0 {
			d.cooldownLeft = d.cooldownSpan
			select {
			case d.bargeIn <- struct{}{}:
				d.log.Debug("barge-in detected", zap.Uint64("frame_seq", f.Seq))
			default:
			}
		}
		if !d.speaking {
			d.speaking = true
			d.silentFrames = 0
			return Event{Kind: TurnStarted}, true
		}
	}

	if d.speaking && d.silentFrames >= d.endAfter {
		d.speaking = false
		d.voicedStreak = 0
		return Event{Kind: TurnEnded, Text: d.takeText()}, true
	}

	return Event{}, false
}

// OnRecognition folds a recognizer event into the pending turn text. Partial
// results replace the previous partial; final results accumulate.
func (d *Detector) OnRecognition(ev stt.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Final {
		if t := strings.TrimSpace(ev.Text); t != "" {
			d.finals = append(d.finals, t)
		}
		d.partial = ""
		return
	}
	d.partial = ev.Text
}

func (d *Detector) takeText() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	parts := d.finals
	if t := strings.TrimSpace(d.partial); t != "" {
		parts = append(parts, t)
	}
	d.finals = nil
	d.partial = ""
	return strings.Join(parts, " ")
}
