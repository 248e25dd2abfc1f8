package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

const (
	DeepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	DeepgramModel    = "nova-2-phonecall"

	keepAliveInterval = 5 * time.Second
)

type DeepgramConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	Language string
	// QueueSize bounds the frame send queue; when full the oldest queued
	// frame is dropped so the caller never blocks.
	QueueSize int
	// ReplayWindow is how much recent audio is kept for replay after a
	// reconnect.
	ReplayWindow time.Duration
}

func (c *DeepgramConfig) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DeepgramEndpoint
	}
	if c.Model == "" {
		c.Model = DeepgramModel
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 50
	}
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = 2 * time.Second
	}
}

// DeepgramClient streams mu-law telephony audio to Deepgram over WebSocket.
// One client serves one call. On transport failure it reconnects once,
// replaying the recent-audio ring so words spoken during the outage are not
// lost; a second failure surfaces ErrRecognitionUnavailable on the event
// stream and the client stops.
type DeepgramClient struct {
	cfg DeepgramConfig
	log *zap.Logger

	sendQ   chan audio.Frame
	events  chan Event
	ring    *replayRing
	dropped atomic.Uint64

	stopOnce  sync.Once
	stopped   chan struct{}
	closeOnce sync.Once
}

var _ Recognizer = (*DeepgramClient)(nil)

func NewDeepgramClient(cfg DeepgramConfig, log *zap.Logger) *DeepgramClient {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &DeepgramClient{
		cfg:     cfg,
		log:     log.With(zap.String("component", "stt")),
		sendQ:   make(chan audio.Frame, cfg.QueueSize),
		events:  make(chan Event, 32),
		ring:    newReplayRing(int(cfg.ReplayWindow / audio.FrameDuration)),
		stopped: make(chan struct{}),
	}
}

func (c *DeepgramClient) Events() <-chan Event {
	return c.events
}

// Dropped reports how many frames were discarded because the send queue was
// full.
func (c *DeepgramClient) Dropped() uint64 {
	return c.dropped.Load()
}

// Start dials the backend and begins streaming. A failed Start closes the
// event stream so readers of a client that will never run do not block; the
// client is single-use either way.
func (c *DeepgramClient) Start(ctx context.Context) error {
	if c.cfg.APIKey == "" {
		c.closeEvents()
		return fmt.Errorf("deepgram api key not configured")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.closeEvents()
		return fmt.Errorf("deepgram dial: %w", err)
	}

	go c.run(ctx, conn)
	return nil
}

func (c *DeepgramClient) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// Feed enqueues a frame for transmission. When the queue is full the oldest
// frame is dropped in its favor; recognition lag must never back up into the
// media read loop.
func (c *DeepgramClient) Feed(f audio.Frame) {
	c.ring.add(f.MuLaw)

	select {
	case c.sendQ <- f:
		return
	default:
	}

	select {
	case old := <-c.sendQ:
		_ = old
		if n := c.dropped.Add(1); n%50 == 1 {
			c.log.Warn("stt send queue full, dropping oldest frame", zap.Uint64("dropped_total", n))
		}
	default:
	}
	select {
	case c.sendQ <- f:
	default:
	}
}

func (c *DeepgramClient) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stopped)
	})
	return nil
}

func (c *DeepgramClient) dial(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?model=%s&language=%s&encoding=mulaw&sample_rate=%d&channels=1&punctuate=true&interim_results=true",
		c.cfg.Endpoint, c.cfg.Model, c.cfg.Language, audio.SampleRate)

	header := http.Header{}
	header.Set("Authorization", "Token "+c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			c.log.Error("deepgram handshake failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		return nil, err
	}
	return conn, nil
}

func (c *DeepgramClient) run(ctx context.Context, conn *websocket.Conn) {
	defer c.closeEvents()

	reconnected := false
	for {
		err := c.pump(ctx, conn)
		conn.Close()

		if err == nil || ctx.Err() != nil {
			return
		}
		select {
		case <-c.stopped:
			return
		default:
		}

		if reconnected {
			c.log.Error("deepgram connection lost twice, giving up", zap.Error(err))
			c.events <- Event{Err: ErrRecognitionUnavailable}
			return
		}
		reconnected = true
		c.log.Warn("deepgram connection lost, reconnecting once", zap.Error(err))

		conn, err = c.dial(ctx)
		if err != nil {
			c.events <- Event{Err: ErrRecognitionUnavailable}
			return
		}

		// Push the retained window back through so speech during the
		// outage still gets transcribed.
		replayErr := false
		for _, mu := range c.ring.snapshot() {
			if werr := conn.WriteMessage(websocket.BinaryMessage, mu); werr != nil {
				c.log.Error("replay after reconnect failed", zap.Error(werr))
				conn.Close()
				c.events <- Event{Err: ErrRecognitionUnavailable}
				replayErr = true
				break
			}
		}
		if replayErr {
			return
		}
	}
}

// pump drives one connection until it fails or the client stops. A nil
// return means a clean shutdown; a non-nil return is a transport failure the
// caller may retry.
func (c *DeepgramClient) pump(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readErr
			return nil

		case <-c.stopped:
			c.sendCloseStream(conn)
			select {
			case <-readErr:
			case <-time.After(2 * time.Second):
				// The reader must be joined before the caller's deferred
				// channel close runs, or a last event send races it.
				conn.Close()
				<-readErr
			}
			return nil

		case f := <-c.sendQ:
			if err := conn.WriteMessage(websocket.BinaryMessage, f.MuLaw); err != nil {
				conn.Close()
				<-readErr
				return fmt.Errorf("send audio: %w", err)
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				conn.Close()
				<-readErr
				return fmt.Errorf("keepalive: %w", err)
			}

		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			return nil
		}
	}
}

type deepgramMessage struct {
	Type        string          `json:"type"`
	IsFinal     bool            `json:"is_final,omitempty"`
	SpeechFinal bool            `json:"speech_final,omitempty"`
	Channel     deepgramChannel `json:"channel,omitempty"`
}

type deepgramChannel struct {
	Alternatives []deepgramAlternative `json:"alternatives,omitempty"`
}

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

func (c *DeepgramClient) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var msg deepgramMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.log.Warn("unparseable deepgram message", zap.ByteString("message", message))
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			// A stopping client may have no reader left; never wedge on a
			// full event buffer.
			select {
			case c.events <- Event{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
				Final:      msg.IsFinal || msg.SpeechFinal,
			}:
			case <-c.stopped:
				return nil
			}

		case "Error":
			c.log.Error("deepgram error message", zap.ByteString("message", message))

		default:
			// Metadata, UtteranceEnd and friends carry nothing we use.
		}
	}
}

func (c *DeepgramClient) sendCloseStream(conn *websocket.Conn) {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		c.log.Debug("close stream message failed", zap.Error(err))
	}
}

// replayRing keeps the most recent audio frames for post-reconnect replay.
type replayRing struct {
	mu     sync.Mutex
	frames [][]byte
	max    int
}

func newReplayRing(max int) *replayRing {
	if max < 1 {
		max = 1
	}
	return &replayRing{max: max}
}

func (r *replayRing) add(mu []byte) {
	cp := make([]byte, len(mu))
	copy(cp, mu)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, cp)
	if len(r.frames) > r.max {
		r.frames = r.frames[len(r.frames)-r.max:]
	}
}

func (r *replayRing) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}
