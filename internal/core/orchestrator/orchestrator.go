// Package orchestrator owns the conversational turn state machine for one
// call. All state transitions happen on a single event-loop goroutine;
// recognition, generation, synthesis and playback feed it through channels.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/audio"
	"github.com/openhouseai/realty-voice-service/internal/core/model/provider"
	"github.com/openhouseai/realty-voice-service/internal/tts"
	"github.com/openhouseai/realty-voice-service/internal/turn"
)

// TurnState is who holds the conversational floor.
type TurnState int

const (
	StateIdle TurnState = iota
	StateCallerSpeaking
	StateProcessing
	StateAgentSpeaking
	StateInterrupted
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCallerSpeaking:
		return "caller_speaking"
	case StateProcessing:
		return "processing"
	case StateAgentSpeaking:
		return "agent_speaking"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Output is the slice of the transport the orchestrator drives. Enqueue
// honors the passed ctx so canceled playbacks emit nothing further.
type Output interface {
	Enqueue(ctx context.Context, f audio.Frame) error
	Clear() error
	Mark(name string) error
}

// AgentGate is the detector surface the orchestrator needs: the barge-in
// signal in, the agent-speaking flag out.
type AgentGate interface {
	SetAgentSpeaking(bool)
	BargeIn() <-chan struct{}
}

type Config struct {
	SystemPrompt string
	Greeting     string
	// GenTimeout bounds one model call.
	GenTimeout time.Duration
	// MaxGenFailures is how many consecutive response failures are
	// tolerated before the call is terminated.
	MaxGenFailures int
	Fallback       string
	Apology        string
}

func (c *Config) withDefaults() {
	if c.GenTimeout <= 0 {
		c.GenTimeout = 8 * time.Second
	}
	if c.MaxGenFailures <= 0 {
		c.MaxGenFailures = 3
	}
	if c.Fallback == "" {
		c.Fallback = "Let me think about that for a second."
	}
	if c.Apology == "" {
		c.Apology = "I'm sorry, I'm having trouble speaking right now. Could you say that again?"
	}
}

// Playback is the handle for one agent utterance being played. At most one
// is live at a time; canceling its context stops the frame flow.
type Playback struct {
	ID     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *Playback) Context() context.Context { return p.ctx }

type eventKind int

const (
	evTurnStarted eventKind = iota
	evTurnEnded
	evAgentStarted
	evReplyText
	evPlaybackDone
	evGenFailed
	evSynthFailed
	evRecognitionLost
)

type event struct {
	kind     eventKind
	text     string
	handleID string
	handle   *Playback
	err      error
	canned   bool
}

// Orchestrator runs the turn-taking loop for a single call.
type Orchestrator struct {
	log  *zap.Logger
	gen  provider.Generator
	tts  tts.Streamer
	out  Output
	gate AgentGate
	cfg  Config

	// loop-owned, never touched off the loop goroutine
	active      *Playback
	pendingText string
	pendingTurn string
	failures    int

	events chan event

	mu      sync.Mutex
	state   TurnState
	history []provider.Turn
	termErr error

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	doneOnce  sync.Once
}

func New(cfg Config, gen provider.Generator, synth tts.Streamer, out Output, gate AgentGate, log *zap.Logger) *Orchestrator {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:       log.With(zap.String("component", "orchestrator")),
		gen:       gen,
		tts:       synth,
		out:       out,
		gate:      gate,
		cfg:       cfg,
		events:    make(chan event, 16),
		runCtx:    runCtx,
		runCancel: runCancel,
		done:      make(chan struct{}),
	}
}

// Run drives the event loop until ctx is canceled or the call terminates.
// Blocks; callers run it on its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	defer o.finish(nil)

	if o.cfg.Greeting != "" {
		o.startSpeaking(o.cfg.Greeting, true)
	}

	for {
		// Barge-in outranks everything else queued this tick.
		select {
		case <-o.gate.BargeIn():
			o.handleBargeIn()
			continue
		default:
		}

		select {
		case <-o.gate.BargeIn():
			o.handleBargeIn()
		case ev := <-o.events:
			o.handle(ev)
		case <-ctx.Done():
			return
		case <-o.runCtx.Done():
			return
		}
	}
}

// OnTurnEvent feeds a detector event into the loop. Called from the media
// read path; the loop drains fast enough that this does not stall it.
func (o *Orchestrator) OnTurnEvent(ev turn.Event) {
	switch ev.Kind {
	case turn.TurnStarted:
		o.post(event{kind: evTurnStarted})
	case turn.TurnEnded:
		o.post(event{kind: evTurnEnded, text: ev.Text})
	}
}

// OnMark reports a playback-completion echo from the transport.
func (o *Orchestrator) OnMark(name string) {
	o.post(event{kind: evPlaybackDone, handleID: name})
}

// OnRecognitionLost reports a terminal recognizer failure. The call degrades
// but stays up.
func (o *Orchestrator) OnRecognitionLost(err error) {
	o.post(event{kind: evRecognitionLost, err: err})
}

// Stop shuts the loop down. Idempotent and safe from any goroutine.
func (o *Orchestrator) Stop() {
	o.finish(nil)
}

// Done is closed once the loop has terminated.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Err reports why the loop terminated; nil for a normal stop.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.termErr
}

// History returns the finished conversation turns so far.
func (o *Orchestrator) History() []provider.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]provider.Turn, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) State() TurnState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) finish(err error) {
	o.doneOnce.Do(func() {
		o.mu.Lock()
		o.termErr = err
		o.mu.Unlock()
		// Every playback context descends from runCtx, so canceling it
		// silences any in-flight utterance.
		o.runCancel()
		close(o.done)
	})
}

func (o *Orchestrator) setState(s TurnState) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.log.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
	o.gate.SetAgentSpeaking(s == StateAgentSpeaking)
}

func (o *Orchestrator) appendHistory(t provider.Turn) {
	o.mu.Lock()
	o.history = append(o.history, t)
	o.mu.Unlock()
}

func (o *Orchestrator) handle(ev event) {
	switch ev.kind {
	case evTurnStarted:
		if o.State() == StateIdle || o.State() == StateInterrupted {
			o.setState(StateCallerSpeaking)
		}

	case evTurnEnded:
		o.handleTurnEnded(ev.text)

	case evAgentStarted:
		// A start for an already-canceled playback is stale; drop it.
		if ev.handle.ctx.Err() != nil {
			return
		}
		o.active = ev.handle
		o.setState(StateAgentSpeaking)

	case evReplyText:
		o.pendingText = ev.text
		if !ev.canned {
			o.failures = 0
		}

	case evPlaybackDone:
		if o.active == nil || ev.handleID != o.active.ID {
			return
		}
		if o.pendingText != "" {
			o.appendHistory(provider.Turn{Role: provider.RoleAgent, Text: o.pendingText})
			o.pendingText = ""
		}
		o.active.cancel()
		o.active = nil
		// A turn that finished while the agent held the floor gets its
		// answer now.
		if o.pendingTurn != "" {
			text := o.pendingTurn
			o.pendingTurn = ""
			o.setState(StateProcessing)
			go o.respond(text)
			return
		}
		o.setState(StateIdle)

	case evGenFailed:
		o.handleFailure(ev.err, o.cfg.Fallback)

	case evSynthFailed:
		o.handleFailure(ev.err, o.cfg.Apology)

	case evRecognitionLost:
		o.log.Error("speech recognition lost for remainder of call", zap.Error(ev.err))
	}
}

func (o *Orchestrator) handleTurnEnded(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		if o.State() == StateCallerSpeaking {
			o.setState(StateIdle)
		}
		return
	}

	o.appendHistory(provider.Turn{Role: provider.RoleCaller, Text: text})

	if o.State() == StateProcessing || o.State() == StateAgentSpeaking {
		// Already answering an earlier utterance. Keep the newest turn to
		// respond to once the current playback finishes.
		o.pendingTurn = text
		return
	}

	o.setState(StateProcessing)
	go o.respond(text)
}

func (o *Orchestrator) handleBargeIn() {
	if o.State() != StateAgentSpeaking || o.active == nil {
		return
	}

	// Order matters: kill the frame source, then flush what is queued, and
	// only then move on. Nothing of the old playback survives past here.
	o.active.cancel()
	if err := o.out.Clear(); err != nil {
		o.log.Warn("outbound flush on barge-in failed", zap.Error(err))
	}
	o.log.Info("caller barged in, playback canceled", zap.String("playback_id", o.active.ID))

	o.active = nil
	o.pendingText = ""
	// The caller re-took the floor; their next turn supersedes anything
	// queued behind the dead playback.
	o.pendingTurn = ""
	o.setState(StateInterrupted)
	o.setState(StateCallerSpeaking)
}

func (o *Orchestrator) handleFailure(err error, utterance string) {
	o.failures++
	o.log.Error("response pipeline failed",
		zap.Error(err),
		zap.Int("consecutive_failures", o.failures))

	if o.failures >= o.cfg.MaxGenFailures {
		o.log.Error("too many consecutive failures, ending call", zap.Int("failures", o.failures))
		o.finish(err)
		return
	}

	o.setState(StateProcessing)
	o.startSpeaking(utterance, true)
}

// startSpeaking synthesizes a fixed utterance, bypassing generation.
func (o *Orchestrator) startSpeaking(text string, canned bool) {
	handle := o.newPlayback()
	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	go o.synthesizeAndPump(handle, textCh, text, canned)
}

func (o *Orchestrator) newPlayback() *Playback {
	ctx, cancel := context.WithCancel(o.runCtx)
	return &Playback{ID: uuid.NewString(), ctx: ctx, cancel: cancel}
}

// respond runs the generation half of a reply off the loop goroutine, then
// hands the streamed text to synthesis.
func (o *Orchestrator) respond(userText string) {
	history := o.History()
	// The turn that triggered this reply travels as UserText, not history.
	// It is not always last: a turn answered after a playback sits behind
	// the agent utterance that delayed it.
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == provider.RoleCaller && history[i].Text == userText {
			history = append(history[:i:i], history[i+1:]...)
			break
		}
	}

	genCtx, cancel := context.WithTimeout(o.runCtx, o.cfg.GenTimeout)
	defer cancel()

	chunks, err := o.gen.Generate(genCtx, provider.Request{
		SystemPrompt: o.cfg.SystemPrompt,
		History:      history,
		UserText:     userText,
	})
	if err != nil {
		if genCtx.Err() == context.DeadlineExceeded {
			err = provider.ErrGenerationTimeout
		}
		o.post(event{kind: evGenFailed, err: err})
		return
	}

	handle := o.newPlayback()

	// Tee the model stream: one copy to synthesis, the accumulated whole
	// for the transcript.
	textCh := make(chan string, 8)
	go func() {
		defer close(textCh)
		var full strings.Builder
		for chunk := range chunks {
			full.WriteString(chunk)
			select {
			case textCh <- chunk:
			case <-handle.ctx.Done():
				// Drain the generator; its partials are discarded.
				for range chunks {
				}
				return
			}
		}
		if handle.ctx.Err() == nil {
			o.post(event{kind: evReplyText, text: full.String()})
		}
	}()

	o.synthesizeAndPump(handle, textCh, "", false)
}

// synthesizeAndPump turns text into frames and feeds the paced writer. Runs
// off the loop goroutine. knownText is non-empty for fixed utterances whose
// full text is known up front.
func (o *Orchestrator) synthesizeAndPump(handle *Playback, textCh <-chan string, knownText string, canned bool) {
	emitted, err := o.pump(handle, textCh, knownText, canned)

	// A backend that accepted the request and then failed (dead connection,
	// non-200, backend error before the first chunk) closes the frame
	// stream without audio. Retry once with the same text; a streamed
	// reply's text is spent by the first attempt, so only fixed utterances
	// can.
	if (err != nil || emitted == 0) && knownText != "" && handle.ctx.Err() == nil {
		retryCh := make(chan string, 1)
		retryCh <- knownText
		close(retryCh)
		emitted, err = o.pump(handle, retryCh, knownText, canned)
	}

	if handle.ctx.Err() != nil {
		return
	}
	if err != nil || emitted == 0 {
		if err == nil {
			err = fmt.Errorf("%w: backend produced no audio", tts.ErrSynthesisFailed)
		}
		handle.cancel()
		o.post(event{kind: evSynthFailed, err: err})
		return
	}
	// Ask the far end to echo completion once its queue has played out.
	if err := o.out.Mark(handle.ID); err != nil {
		o.log.Debug("mark send failed", zap.Error(err))
		o.post(event{kind: evPlaybackDone, handleID: handle.ID})
	}
}

// pump runs one synthesis attempt and reports how many frames reached the
// writer. The reply text and agent-started events are held until the first
// frame so a framelessly failed attempt never claims the floor.
func (o *Orchestrator) pump(handle *Playback, textCh <-chan string, knownText string, canned bool) (int, error) {
	frames, err := o.tts.Synthesize(handle.ctx, textCh)
	if err != nil {
		// Backends fail setup before consuming any text, so one retry may
		// reuse the same stream.
		frames, err = o.tts.Synthesize(handle.ctx, textCh)
	}
	if err != nil {
		return 0, err
	}

	emitted := 0
	for f := range frames {
		if handle.ctx.Err() != nil {
			return emitted, nil
		}
		if emitted == 0 {
			if knownText != "" {
				o.post(event{kind: evReplyText, text: knownText, canned: canned})
			}
			o.post(event{kind: evAgentStarted, handle: handle})
		}
		if err := o.out.Enqueue(handle.ctx, f); err != nil {
			o.log.Debug("enqueue stopped", zap.Error(err))
			return emitted + 1, nil
		}
		emitted++
	}
	return emitted, nil
}
