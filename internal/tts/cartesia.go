package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

const (
	CartesiaEndpoint   = "wss://api.cartesia.ai/tts/websocket"
	CartesiaAPIVersion = "2024-11-13"
	CartesiaModel      = "sonic-2"
)

type CartesiaConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	VoiceID  string
	Language string
}

func (c *CartesiaConfig) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = CartesiaEndpoint
	}
	if c.Model == "" {
		c.Model = CartesiaModel
	}
	if c.Language == "" {
		c.Language = "en"
	}
}

// CartesiaStreamer synthesizes over Cartesia's WebSocket API. Each utterance
// gets its own connection and context id; text chunks are sent as
// continuations so audio starts before the full sentence is known.
type CartesiaStreamer struct {
	cfg CartesiaConfig
	log *zap.Logger
}

var _ Streamer = (*CartesiaStreamer)(nil)

func NewCartesiaStreamer(cfg CartesiaConfig, log *zap.Logger) *CartesiaStreamer {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &CartesiaStreamer{cfg: cfg, log: log.With(zap.String("component", "tts"), zap.String("backend", "cartesia"))}
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	Language     string               `json:"language"`
	ContextID    string               `json:"context_id"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Continue     bool                 `json:"continue"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaResponse struct {
	Type      string `json:"type"`
	Done      bool   `json:"done"`
	ContextID string `json:"context_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *CartesiaStreamer) Synthesize(ctx context.Context, text <-chan string) (<-chan audio.Frame, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: cartesia api key not configured", ErrSynthesisFailed)
	}

	url := fmt.Sprintf("%s?api_key=%s&cartesia_version=%s", s.cfg.Endpoint, s.cfg.APIKey, CartesiaAPIVersion)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			s.log.Error("cartesia handshake failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrSynthesisFailed, err)
	}

	contextID := uuid.NewString()
	frames := make(chan audio.Frame, frameBuffer)

	// Closing the connection on ctx cancel unblocks both loops promptly.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go s.sendLoop(ctx, conn, contextID, text)
	go s.readLoop(ctx, conn, frames)

	return frames, nil
}

func (s *CartesiaStreamer) sendLoop(ctx context.Context, conn *websocket.Conn, contextID string, text <-chan string) {
	base := cartesiaRequest{
		ModelID:   s.cfg.Model,
		Voice:     cartesiaVoice{Mode: "id", ID: s.cfg.VoiceID},
		Language:  s.cfg.Language,
		ContextID: contextID,
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_mulaw",
			SampleRate: audio.SampleRate,
		},
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-text:
			if !ok {
				// Empty non-continuing transcript closes the context.
				req := base
				req.Transcript = ""
				req.Continue = false
				if err := conn.WriteJSON(req); err != nil {
					s.log.Debug("context close write failed", zap.Error(err))
				}
				return
			}
			req := base
			req.Transcript = chunk
			req.Continue = true
			if err := conn.WriteJSON(req); err != nil {
				s.log.Error("transcript write failed", zap.Error(err))
				return
			}
		}
	}
}

func (s *CartesiaStreamer) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- audio.Frame) {
	defer close(frames)
	defer conn.Close()

	rc := newRechunker(frames)
	for {
		var resp cartesiaResponse
		if err := conn.ReadJSON(&resp); err != nil {
			if ctx.Err() == nil {
				s.log.Error("cartesia read failed, truncating utterance", zap.Error(err))
			}
			return
		}

		switch resp.Type {
		case "chunk":
			raw, err := base64.StdEncoding.DecodeString(resp.Data)
			if err != nil {
				s.log.Warn("undecodable audio chunk", zap.Error(err))
				continue
			}
			if !rc.push(ctx, raw) {
				return
			}

		case "done":
			rc.flush(ctx)
			return

		case "error":
			s.log.Error("cartesia reported error", zap.String("error", resp.Error))
			return
		}

		if resp.Done {
			rc.flush(ctx)
			return
		}
	}
}
