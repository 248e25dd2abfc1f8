// Package transport runs the duplex media session over a Twilio Media
// Streams WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

// ErrSessionClosed is returned by outbound operations after teardown.
var ErrSessionClosed = errors.New("transport: session closed")

// StartInfo carries the identifiers Twilio sends in its start event.
type StartInfo struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	CustomParameters map[string]string
}

// Handler receives session callbacks. OnFrame is called inline from the
// read loop, once per complete inbound frame, and must not block.
type Handler interface {
	OnStart(info StartInfo)
	OnFrame(f audio.Frame)
	OnMark(name string)
	OnStop()
}

type outItem struct {
	ctx   context.Context
	frame audio.Frame
	mark  string
}

// Session owns one media-stream WebSocket. Inbound events are dispatched to
// the Handler; outbound frames are paced at one frame per frame period by a
// dedicated writer goroutine. Teardown runs exactly once no matter how many
// of the stop triggers fire.
type Session struct {
	conn    *websocket.Conn
	handler Handler
	log     *zap.Logger

	framer  *audio.Framer
	limiter *rate.Limiter

	mu        sync.Mutex
	streamSID string

	outQ    chan outItem
	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

func NewSession(conn *websocket.Conn, handler Handler, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		conn:    conn,
		handler: handler,
		log:     log.With(zap.String("component", "transport")),
		framer:  audio.NewFramer(audio.DirectionInbound),
		limiter: rate.NewLimiter(rate.Every(audio.FrameDuration), 1),
		outQ:    make(chan outItem, 128),
		closed:  make(chan struct{}),
	}
}

// Run processes the socket until it closes. Blocks; the caller gives it a
// goroutine. The handler's OnStop fires exactly once on the way out.
func (s *Session) Run(ctx context.Context) {
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	s.readLoop()
	s.Close()
}

func (s *Session) readLoop() {
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.log.Info("media socket closed", zap.Error(err))
			}
			return
		}

		var ev inboundEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			s.log.Warn("unparseable stream event", zap.Error(err))
			continue
		}

		switch ev.Event {
		case "connected":
			s.log.Debug("media stream connected")

		case "start":
			if ev.Start == nil {
				continue
			}
			s.mu.Lock()
			s.streamSID = ev.Start.StreamSid
			s.mu.Unlock()
			s.log.Info("media stream started",
				zap.String("stream_sid", ev.Start.StreamSid),
				zap.String("call_sid", ev.Start.CallSid))
			s.handler.OnStart(StartInfo{
				StreamSID:        ev.Start.StreamSid,
				CallSID:          ev.Start.CallSid,
				AccountSID:       ev.Start.AccountSid,
				CustomParameters: ev.Start.CustomParameters,
			})

		case "media":
			if ev.Media == nil || ev.Media.Track == "outbound" {
				continue
			}
			raw, err := audio.DecodePayload(ev.Media.Payload)
			if err != nil {
				s.log.Warn("malformed media payload dropped", zap.Error(err))
				continue
			}
			for _, f := range s.framer.Push(raw) {
				s.handler.OnFrame(f)
			}

		case "mark":
			if ev.Mark != nil {
				s.handler.OnMark(ev.Mark.Name)
			}

		case "stop":
			s.log.Info("media stream stopped by far end")
			return

		default:
			s.log.Debug("ignoring stream event", zap.String("event", ev.Event))
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case item := <-s.outQ:
			if item.mark != "" {
				if err := s.writeJSON(outboundMark{Event: "mark", StreamSid: s.sid(), Mark: markPayload{Name: item.mark}}); err != nil {
					s.log.Debug("mark write failed", zap.Error(err))
				}
				continue
			}
			// A canceled playback's frames are dropped on dequeue.
			if item.ctx.Err() != nil {
				continue
			}
			if err := s.limiter.Wait(item.ctx); err != nil {
				continue
			}
			if item.ctx.Err() != nil {
				continue
			}
			out := outboundMedia{
				Event:     "media",
				StreamSid: s.sid(),
				Media:     outboundMediaBody{Payload: audio.EncodePayload(item.frame.MuLaw)},
			}
			if err := s.writeJSON(out); err != nil {
				s.log.Warn("media write failed, closing session", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}

// Enqueue queues one outbound frame. The frame is skipped, not sent, if ctx
// is canceled before its slot in the pacing schedule comes up.
func (s *Session) Enqueue(ctx context.Context, f audio.Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.outQ <- outItem{ctx: ctx, frame: f}:
		return nil
	}
}

// Mark queues a playback marker behind any queued frames; the far end echoes
// it once the audio before it has played out.
func (s *Session) Mark(name string) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	case s.outQ <- outItem{ctx: context.Background(), mark: name}:
		return nil
	}
}

// Clear tells the far end to drop its buffered playback immediately. Queued
// frames for canceled playbacks are discarded by the writer; the clear event
// itself bypasses the queue so barge-in takes effect now, not after the
// backlog drains.
func (s *Session) Clear() error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	return s.writeJSON(outboundClear{Event: "clear", StreamSid: s.sid()})
}

// Close tears the session down. Idempotent; concurrent callers are safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.log.Debug("session closed")
	})
	go s.stopOnce.Do(s.handler.OnStop)
	return nil
}

// Closed is closed once teardown has run.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *Session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}
