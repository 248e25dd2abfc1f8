package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhouseai/realty-voice-service/internal/audio"
)

type recordingHandler struct {
	mu     sync.Mutex
	starts []StartInfo
	frames []audio.Frame
	marks  []string
	stops  atomic.Int32
}

func (h *recordingHandler) OnStart(info StartInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, info)
}

func (h *recordingHandler) OnFrame(f audio.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnMark(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marks = append(h.marks, name)
}

func (h *recordingHandler) OnStop() { h.stops.Add(1) }

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// loopback stands in for the telephony side of the socket.
type loopback struct {
	t       *testing.T
	conn    *websocket.Conn
	session *Session
	handler *recordingHandler
	srv     *httptest.Server
}

func newLoopback(t *testing.T) *loopback {
	t.Helper()
	handler := &recordingHandler{}
	upgrader := websocket.Upgrader{}
	sessionCh := make(chan *Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s := NewSession(conn, handler, nil)
		sessionCh <- s
		s.Run(context.Background())
	}))

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	var session *Session
	select {
	case session = <-sessionCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session never created")
	}

	lb := &loopback{t: t, conn: conn, session: session, handler: handler, srv: srv}
	t.Cleanup(func() {
		session.Close()
		conn.Close()
		srv.Close()
	})
	return lb
}

func (lb *loopback) send(v interface{}) {
	lb.t.Helper()
	require.NoError(lb.t, lb.conn.WriteJSON(v))
}

func (lb *loopback) sendStart() {
	lb.send(map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{
			"accountSid": "AC123",
			"callSid":    "CA456",
			"streamSid":  "MZ789",
			"tracks":     []string{"inbound"},
			"mediaFormat": map[string]interface{}{
				"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1,
			},
			"customParameters": map[string]string{"lead_id": "lead-1"},
		},
	})
}

func (lb *loopback) sendMedia(payload string) {
	lb.send(map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{"track": "inbound", "payload": payload},
	})
}

// next reads one outbound event, skipping none.
func (lb *loopback) next() map[string]json.RawMessage {
	lb.t.Helper()
	lb.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := lb.conn.ReadMessage()
	require.NoError(lb.t, err)
	var out map[string]json.RawMessage
	require.NoError(lb.t, json.Unmarshal(msg, &out))
	return out
}

func eventName(ev map[string]json.RawMessage) string {
	var name string
	_ = json.Unmarshal(ev["event"], &name)
	return name
}

func TestStartEventDispatched(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()

	require.Eventually(t, func() bool {
		lb.handler.mu.Lock()
		defer lb.handler.mu.Unlock()
		return len(lb.handler.starts) == 1
	}, 2*time.Second, 5*time.Millisecond)

	lb.handler.mu.Lock()
	info := lb.handler.starts[0]
	lb.handler.mu.Unlock()
	assert.Equal(t, "MZ789", info.StreamSID)
	assert.Equal(t, "CA456", info.CallSID)
	assert.Equal(t, "lead-1", info.CustomParameters["lead_id"])
}

func TestMediaReassembledIntoFrames(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()

	// Two half-frame packets make one frame.
	half := base64.StdEncoding.EncodeToString(make([]byte, audio.BytesPerFrame/2))
	lb.sendMedia(half)
	lb.sendMedia(half)

	require.Eventually(t, func() bool { return lb.handler.frameCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	lb.handler.mu.Lock()
	f := lb.handler.frames[0]
	lb.handler.mu.Unlock()
	assert.Equal(t, audio.BytesPerFrame, len(f.MuLaw))
	assert.Equal(t, audio.DirectionInbound, f.Direction)
}

func TestMalformedPayloadDroppedSessionSurvives(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()

	lb.sendMedia("!!!not-base64!!!")
	lb.sendMedia(base64.StdEncoding.EncodeToString(make([]byte, audio.BytesPerFrame)))

	require.Eventually(t, func() bool { return lb.handler.frameCount() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, lb.handler.stops.Load())
}

func TestOutboundMediaThenMarkOrdering(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()
	time.Sleep(20 * time.Millisecond) // let streamSid land

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, lb.session.Enqueue(ctx, audio.Frame{MuLaw: make([]byte, audio.BytesPerFrame)}))
	}
	require.NoError(t, lb.session.Mark("utt-1"))

	var events []string
	for i := 0; i < 4; i++ {
		ev := lb.next()
		events = append(events, eventName(ev))
		if eventName(ev) == "media" {
			var media outboundMediaBody
			require.NoError(t, json.Unmarshal(ev["media"], &media))
			raw, err := base64.StdEncoding.DecodeString(media.Payload)
			require.NoError(t, err)
			assert.Equal(t, audio.BytesPerFrame, len(raw))
		}
	}
	assert.Equal(t, []string{"media", "media", "media", "mark"}, events)
}

func TestCanceledFramesNeverWritten(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 20; i++ {
		require.NoError(t, lb.session.Enqueue(ctx, audio.Frame{Seq: uint64(i), MuLaw: make([]byte, audio.BytesPerFrame)}))
	}
	cancel()
	require.NoError(t, lb.session.Mark("after-cancel"))

	// Pacing means at most one frame slipped out before the cancel; the
	// mark must arrive with the canceled backlog skipped, far sooner than
	// 20 frame periods.
	deadline := time.Now().Add(200 * time.Millisecond)
	sawMark := false
	mediaCount := 0
	for time.Now().Before(deadline) && !sawMark {
		ev := lb.next()
		switch eventName(ev) {
		case "media":
			mediaCount++
		case "mark":
			sawMark = true
		}
	}
	assert.True(t, sawMark)
	assert.LessOrEqual(t, mediaCount, 3)
}

func TestClearBypassesQueue(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, lb.session.Clear())

	ev := lb.next()
	assert.Equal(t, "clear", eventName(ev))
}

func TestDoubleTeardown(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()

	require.NoError(t, lb.session.Close())
	require.NoError(t, lb.session.Close())

	require.Eventually(t, func() bool { return lb.handler.stops.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	err := lb.session.Enqueue(context.Background(), audio.Frame{MuLaw: make([]byte, audio.BytesPerFrame)})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, lb.session.Mark("x"), ErrSessionClosed)
	assert.ErrorIs(t, lb.session.Clear(), ErrSessionClosed)
}

func TestStopEventTriggersTeardownOnce(t *testing.T) {
	lb := newLoopback(t)
	lb.sendStart()
	lb.send(map[string]interface{}{"event": "stop", "stop": map[string]interface{}{"callSid": "CA456"}})

	require.Eventually(t, func() bool { return lb.handler.stops.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// A second Close after the remote stop changes nothing.
	lb.session.Close()
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, lb.handler.stops.Load())
}
