package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

var upgrader = websocket.Upgrader{}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testFrame(seq uint64) audio.Frame {
	return audio.Frame{Seq: seq, Direction: audio.DirectionInbound, MuLaw: make([]byte, audio.BytesPerFrame)}
}

func resultJSON(text string, final bool) []byte {
	msg := map[string]interface{}{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]interface{}{
			"alternatives": []map[string]interface{}{
				{"transcript": text, "confidence": 0.92},
			},
		},
	}
	b, _ := json.Marshal(msg)
	return b
}

func TestDeepgramEventOrderPreserved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for i := 0; i < 10; i++ {
			final := i%3 == 2
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, resultJSON(fmt.Sprintf("word %d", i), final)))
		}
		// Keep reading so client writes do not error before we are done.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewDeepgramClient(DeepgramConfig{APIKey: "test-key", Endpoint: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	for i := 0; i < 10; i++ {
		select {
		case ev := <-client.Events():
			require.NoError(t, ev.Err)
			assert.Equal(t, fmt.Sprintf("word %d", i), ev.Text)
			assert.Equal(t, i%3 == 2, ev.Final)
			assert.InDelta(t, 0.92, ev.Confidence, 0.001)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestDeepgramReconnectReplaysRecentAudio(t *testing.T) {
	var connCount atomic.Int32
	secondConnFrames := make(chan int, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		n := connCount.Add(1)
		if n == 1 {
			// Accept one frame then die mid-stream.
			_, _, _ = conn.ReadMessage()
			conn.Close()
			return
		}

		defer conn.Close()
		count := 0
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.BinaryMessage {
				count++
			}
			if count >= 5 {
				break
			}
		}
		secondConnFrames <- count
	}))
	defer srv.Close()

	client := NewDeepgramClient(DeepgramConfig{APIKey: "test-key", Endpoint: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	// Feed across the connection drop; the ring retains these frames.
	for i := uint64(0); i < 5; i++ {
		client.Feed(testFrame(i))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case n := <-secondConnFrames:
		assert.GreaterOrEqual(t, n, 3, "replayed frames should reach the new connection")
	case <-time.After(5 * time.Second):
		t.Fatal("second connection never received replayed audio")
	}
	assert.EqualValues(t, 2, connCount.Load())
}

func TestDeepgramSecondFailureSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		// Die immediately on every connection.
		conn.Close()
	}))
	defer srv.Close()

	client := NewDeepgramClient(DeepgramConfig{APIKey: "test-key", Endpoint: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	// Keep feeding so the send side trips over the dead connections.
	deadline := time.After(4 * time.Second)
	for seq := uint64(0); ; seq++ {
		client.Feed(testFrame(seq))
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatal("event channel closed without surfacing an error")
			}
			if ev.Err != nil {
				assert.ErrorIs(t, ev.Err, ErrRecognitionUnavailable)
				return
			}
		case <-deadline:
			t.Fatal("never received ErrRecognitionUnavailable")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestFeedDropsOldestWhenQueueFull(t *testing.T) {
	client := NewDeepgramClient(DeepgramConfig{APIKey: "k", QueueSize: 3}, nil)

	for i := uint64(0); i < 10; i++ {
		client.Feed(testFrame(i))
	}

	assert.EqualValues(t, 7, client.Dropped())

	// Survivors are the newest three, still in order.
	var seqs []uint64
	for i := 0; i < 3; i++ {
		f := <-client.sendQ
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []uint64{7, 8, 9}, seqs)
}

func TestReplayRingKeepsNewestWindow(t *testing.T) {
	r := newReplayRing(3)
	for i := byte(0); i < 6; i++ {
		r.add([]byte{i})
	}

	snap := r.snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []byte{3}, snap[0])
	assert.Equal(t, []byte{5}, snap[2])
}

func TestStartFailureClosesEvents(t *testing.T) {
	client := NewDeepgramClient(DeepgramConfig{}, nil)
	require.Error(t, client.Start(context.Background()))

	// A reader wired up before the failed start must not block forever.
	select {
	case _, ok := <-client.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event channel left open after failed start")
	}
	require.NoError(t, client.Stop())
}

func TestStopWithBackloggedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		// Flood results so the client's event buffer fills with nobody
		// reading it.
		for i := 0; ; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, resultJSON(fmt.Sprintf("word %d", i), false)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewDeepgramClient(DeepgramConfig{APIKey: "test-key", Endpoint: wsURL(srv)}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, client.Stop())

	// Shutdown drains cleanly: buffered events, then a closed channel.
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-client.Events():
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 10*time.Millisecond, "event stream must close after stop")
}

func TestStopIsIdempotent(t *testing.T) {
	client := NewDeepgramClient(DeepgramConfig{APIKey: "k"}, nil)
	require.NoError(t, client.Stop())
	require.NoError(t, client.Stop())
}
