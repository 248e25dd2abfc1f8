package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

func TestRechunkerFraming(t *testing.T) {
	out := make(chan audio.Frame, 16)
	rc := newRechunker(out)
	ctx := context.Background()

	// 100 + 300 bytes: two full frames plus an 80-byte tail.
	require.True(t, rc.push(ctx, make([]byte, 100)))
	require.True(t, rc.push(ctx, make([]byte, 300)))
	require.True(t, rc.flush(ctx))
	close(out)

	var frames []audio.Frame
	for f := range out {
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, uint64(i), f.Seq)
		assert.Equal(t, audio.BytesPerFrame, len(f.MuLaw))
		assert.Equal(t, audio.DirectionOutbound, f.Direction)
	}
}

func fakeCartesia(t *testing.T, chunkBytes int, chunks int, delay time.Duration) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// Wait for the first transcript before producing audio.
		var req cartesiaRequest
		require.NoError(t, conn.ReadJSON(&req))
		assert.Equal(t, "pcm_mulaw", req.OutputFormat.Encoding)
		assert.Equal(t, audio.SampleRate, req.OutputFormat.SampleRate)

		for i := 0; i < chunks; i++ {
			payload := base64.StdEncoding.EncodeToString(make([]byte, chunkBytes))
			msg, _ := json.Marshal(cartesiaResponse{Type: "chunk", Data: payload})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
		done, _ := json.Marshal(cartesiaResponse{Type: "done", Done: true})
		_ = conn.WriteMessage(websocket.TextMessage, done)
	}))
}

func TestCartesiaStreamsFrames(t *testing.T) {
	srv := fakeCartesia(t, 400, 4, 0)
	defer srv.Close()

	s := NewCartesiaStreamer(CartesiaConfig{
		APIKey:   "test-key",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		VoiceID:  "voice-1",
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 2)
	text <- "Welcome to the open house."
	close(text)

	frames, err := s.Synthesize(ctx, text)
	require.NoError(t, err)

	count := 0
	for f := range frames {
		assert.Equal(t, audio.BytesPerFrame, len(f.MuLaw))
		count++
	}
	// 1600 bytes in, 10 full frames out.
	assert.Equal(t, 10, count)
}

func TestCartesiaCancellationHaltsFrames(t *testing.T) {
	// Slow server so cancellation lands mid-stream.
	srv := fakeCartesia(t, audio.BytesPerFrame, 200, 10*time.Millisecond)
	defer srv.Close()

	s := NewCartesiaStreamer(CartesiaConfig{
		APIKey:   "test-key",
		Endpoint: "ws" + strings.TrimPrefix(srv.URL, "http"),
		VoiceID:  "voice-1",
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string, 1)
	text <- "a long reply"
	close(text)

	frames, err := s.Synthesize(ctx, text)
	require.NoError(t, err)

	<-frames
	cancel()

	// The channel must close promptly; allow the buffered tail to drain.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel still open after cancellation")
		}
	}
}

func TestElevenLabsStreamsFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("xi-api-key"))
		assert.Contains(t, r.URL.RawQuery, "output_format=ulaw_8000")

		var req elevenLabsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello there", req.Text)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(make([]byte, audio.BytesPerFrame*3+40))
	}))
	defer srv.Close()

	s := NewElevenLabsStreamer(ElevenLabsConfig{
		APIKey:   "test-key",
		Endpoint: srv.URL,
		VoiceID:  "voice-1",
	}, nil)

	text := make(chan string, 2)
	text <- "hello "
	text <- "there"
	close(text)

	frames, err := s.Synthesize(context.Background(), text)
	require.NoError(t, err)

	count := 0
	for range frames {
		count++
	}
	// Three full frames plus the padded tail.
	assert.Equal(t, 4, count)
}

func TestElevenLabsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewElevenLabsStreamer(ElevenLabsConfig{APIKey: "k", Endpoint: srv.URL, VoiceID: "v"}, nil)

	text := make(chan string, 1)
	text <- "hello"
	close(text)

	frames, err := s.Synthesize(context.Background(), text)
	require.NoError(t, err)

	// Request failure surfaces as an empty, closed stream.
	_, ok := <-frames
	assert.False(t, ok)
}

func TestFactorySelection(t *testing.T) {
	s, err := NewStreamer(Config{Backend: BackendCartesia, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CartesiaStreamer{}, s)

	s, err = NewStreamer(Config{Backend: BackendElevenLabs, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ElevenLabsStreamer{}, s)

	s, err = NewStreamer(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CartesiaStreamer{}, s)

	_, err = NewStreamer(Config{Backend: "espeak"}, nil)
	assert.Error(t, err)
}
