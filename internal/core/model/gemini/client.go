// Package gemini implements the response generator against Google's Gemini
// streaming REST API.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openhouseai/realty-voice-service/internal/core/model/provider"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com"
	DefaultModel    = "gemini-2.0-flash"
)

type Config struct {
	APIKey      string
	Endpoint    string
	Model       string
	Temperature float64
	MaxTokens   int
}

func (c *Config) withDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 256
	}
}

// Client streams replies from Gemini's streamGenerateContent endpoint using
// server-sent events. One request per conversational turn.
type Client struct {
	cfg    Config
	log    *zap.Logger
	client *http.Client
}

var _ provider.Generator = (*Client)(nil)

func NewClient(cfg Config, log *zap.Logger) *Client {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		log:    log.With(zap.String("component", "generator"), zap.String("model", cfg.Model)),
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiChunk struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
}

func (c *Client) Generate(ctx context.Context, req provider.Request) (<-chan string, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini api key not configured", provider.ErrGenerationFailed)
	}

	body, err := c.resp(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan string, 8)
	go func() {
		defer close(chunks)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}

			var chunk geminiChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				c.log.Warn("unparseable stream chunk", zap.Error(err))
				continue
			}
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text == "" {
						continue
					}
					select {
					case chunks <- part.Text:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.log.Error("gemini stream read failed", zap.Error(err))
		}
	}()

	return chunks, nil
}

func (c *Client) resp(ctx context.Context, req provider.Request) (io.ReadCloser, error) {
	greq := geminiRequest{
		GenerationConfig: geminiGenerationConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxTokens,
		},
	}
	if req.SystemPrompt != "" {
		greq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	for _, turn := range req.History {
		greq.Contents = append(greq.Contents, geminiContent{
			Role:  string(turn.Role),
			Parts: []geminiPart{{Text: turn.Text}},
		})
	}
	greq.Contents = append(greq.Contents, geminiContent{
		Role:  string(provider.RoleCaller),
		Parts: []geminiPart{{Text: req.UserText}},
	})

	payload, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrGenerationFailed, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.cfg.Endpoint, c.cfg.Model, c.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrGenerationFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, provider.ErrGenerationTimeout
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrGenerationFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", provider.ErrGenerationFailed, resp.StatusCode, string(msg))
	}
	return resp.Body, nil
}
