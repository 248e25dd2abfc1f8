package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

const (
	ElevenLabsEndpoint = "https://api.elevenlabs.io"
	ElevenLabsModel    = "eleven_turbo_v2_5"
)

type ElevenLabsConfig struct {
	APIKey   string
	Endpoint string
	Model    string
	VoiceID  string
}

func (c *ElevenLabsConfig) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = ElevenLabsEndpoint
	}
	if c.Model == "" {
		c.Model = ElevenLabsModel
	}
}

// ElevenLabsStreamer synthesizes over ElevenLabs' HTTP streaming endpoint.
// The endpoint takes the whole utterance up front, so text chunks are
// gathered until the channel closes and frames start with the first response
// bytes. Latency is a notch behind Cartesia but the response body streams,
// so long replies still play before synthesis finishes.
type ElevenLabsStreamer struct {
	cfg    ElevenLabsConfig
	log    *zap.Logger
	client *http.Client
}

var _ Streamer = (*ElevenLabsStreamer)(nil)

func NewElevenLabsStreamer(cfg ElevenLabsConfig, log *zap.Logger) *ElevenLabsStreamer {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &ElevenLabsStreamer{
		cfg:    cfg,
		log:    log.With(zap.String("component", "tts"), zap.String("backend", "elevenlabs")),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type elevenLabsRequest struct {
	Text          string                 `json:"text"`
	ModelID       string                 `json:"model_id"`
	VoiceSettings elevenLabsVoiceSetting `json:"voice_settings"`
}

type elevenLabsVoiceSetting struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (s *ElevenLabsStreamer) Synthesize(ctx context.Context, text <-chan string) (<-chan audio.Frame, error) {
	if s.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: elevenlabs api key not configured", ErrSynthesisFailed)
	}

	frames := make(chan audio.Frame, frameBuffer)

	go func() {
		defer close(frames)

		var sb strings.Builder
	collect:
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-text:
				if !ok {
					break collect
				}
				sb.WriteString(chunk)
			}
		}

		utterance := strings.TrimSpace(sb.String())
		if utterance == "" {
			return
		}

		body, err := s.stream(ctx, utterance)
		if err != nil {
			s.log.Error("elevenlabs request failed", zap.Error(err))
			return
		}
		defer body.Close()

		rc := newRechunker(frames)
		buf := make([]byte, 4096)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				if !rc.push(ctx, buf[:n]) {
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					s.log.Error("elevenlabs stream read failed, truncating utterance", zap.Error(err))
				}
				rc.flush(ctx)
				return
			}
		}
	}()

	return frames, nil
}

func (s *ElevenLabsStreamer) stream(ctx context.Context, text string) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/v1/text-to-speech/%s/stream?output_format=ulaw_8000", s.cfg.Endpoint, s.cfg.VoiceID)

	payload, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: s.cfg.Model,
		VoiceSettings: elevenLabsVoiceSetting{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrSynthesisFailed, resp.StatusCode, string(msg))
	}
	return resp.Body, nil
}
