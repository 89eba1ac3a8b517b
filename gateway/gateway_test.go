package gateway

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"voicegate/core"
	"voicegate/dialogue"
	"voicegate/protocol"
	"voicegate/session"
	"voicegate/transcribe"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStream struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *testStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, audio)
	return nil
}

func (s *testStream) Flush() error { return nil }
func (s *testStream) Close() error { return nil }

func (s *testStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type testRecognizer struct {
	mu       sync.Mutex
	stream   *testStream
	onResult func(transcribe.Result)
}

func (r *testRecognizer) Connect(ctx context.Context, onResult func(transcribe.Result), onError func(error)) (transcribe.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onResult = onResult
	return r.stream, nil
}

func (r *testRecognizer) speak(text string) {
	r.mu.Lock()
	onResult := r.onResult
	r.mu.Unlock()
	onResult(transcribe.Result{Text: text, Final: true, Confidence: 0.9})
}

type completerFunc func(ctx context.Context, turns []core.ConversationTurn) (string, error)

func (f completerFunc) Complete(ctx context.Context, turns []core.ConversationTurn) (string, error) {
	return f(ctx, turns)
}

type synthFunc func(ctx context.Context, text string) ([]byte, error)

func (f synthFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

type exchange struct {
	callID   string
	question string
	answer   string
}

type captureNotifier struct {
	mu        sync.Mutex
	exchanges []exchange
}

func (n *captureNotifier) NotifyExchange(callID, question, answer string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exchanges = append(n.exchanges, exchange{callID, question, answer})
}

func (n *captureNotifier) recorded() []exchange {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]exchange, len(n.exchanges))
	copy(out, n.exchanges)
	return out
}

// testBuilder wires fake pipeline stages into real sessions.
type testBuilder struct {
	rec      *testRecognizer
	notifier *captureNotifier
	answer   string
}

func newTestBuilder(answer string) *testBuilder {
	return &testBuilder{
		rec:      &testRecognizer{stream: &testStream{}},
		notifier: &captureNotifier{},
		answer:   answer,
	}
}

func (b *testBuilder) BuildSessionDeps(callID string) (session.Deps, error) {
	return session.Deps{
		Transcriber: transcribe.NewSession(b.rec, transcribe.DefaultConfig(), nil),
		Dialogue: dialogue.NewEngine(completerFunc(func(ctx context.Context, turns []core.ConversationTurn) (string, error) {
			return b.answer, nil
		}), "You are a receptionist.", nil),
		Synth: synthFunc(func(ctx context.Context, text string) ([]byte, error) {
			return []byte("audio:" + text), nil
		}),
		Notifier: b.notifier,
	}, nil
}

func (b *testBuilder) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.RetryBackoff = 5 * time.Millisecond
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

type harness struct {
	registry *session.Registry
	builder  *testBuilder
	httpSrv  *httptest.Server
}

func newHarness(t *testing.T, answer string) *harness {
	registry := session.NewRegistry(time.Second, nil)
	builder := newTestBuilder(answer)
	srv := NewServer(Config{}, registry, builder, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &harness{registry: registry, builder: builder, httpSrv: httpSrv}
}

func (h *harness) dialMediaStream(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := protocol.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func startEnvelope(callSid, streamSid string) *protocol.Envelope {
	return &protocol.Envelope{
		Event:     protocol.EventStart,
		StreamSid: streamSid,
		Start: &protocol.StartPayload{
			StreamSid:  streamSid,
			AccountSid: "AC42",
			CallSid:    callSid,
			Tracks:     []string{"inbound"},
			MediaFormat: protocol.MediaFormat{
				Encoding:   "audio/x-mulaw",
				SampleRate: 8000,
				Channels:   1,
			},
		},
	}
}

func mediaEnvelope(streamSid string, frame []byte) *protocol.Envelope {
	return &protocol.Envelope{
		Event:     protocol.EventMedia,
		StreamSid: streamSid,
		Media:     &protocol.MediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Unmarshal(data)
	require.NoError(t, err)
	return env
}

func (h *harness) waitActive(t *testing.T, callSid string) *session.CallSession {
	t.Helper()
	var sess *session.CallSession
	require.Eventually(t, func() bool {
		got, err := h.registry.Get(callSid)
		if err != nil {
			return false
		}
		sess = got
		return got.State() == session.StateActive
	}, 3*time.Second, 10*time.Millisecond)
	return sess
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, "ok")
	resp, err := http.Get(h.httpSrv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestVoiceWebhookReturnsGreetingAndStreamTwiML(t *testing.T) {
	h := newHarness(t, "ok")

	resp, err := http.PostForm(h.httpSrv.URL+"/twiml", url.Values{"CallSid": {"CA123"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	host := strings.TrimPrefix(h.httpSrv.URL, "http://")
	assert.Contains(t, body, "<Say>Hi! How may I help you today?</Say>")
	assert.Contains(t, body, `<Stream url="wss://`+host+`/media-stream"`)
	assert.Less(t, strings.Index(body, "<Say"), strings.Index(body, "<Connect"))
}

func TestVoiceWebhookRejectsNonPost(t *testing.T) {
	h := newHarness(t, "ok")
	resp, err := http.Get(h.httpSrv.URL + "/twiml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCallFlowEndToEnd(t *testing.T) {
	answer := "Can you tell me your business name?"
	h := newHarness(t, answer)
	conn := h.dialMediaStream(t)

	writeEnvelope(t, conn, &protocol.Envelope{Event: protocol.EventConnected})
	writeEnvelope(t, conn, startEnvelope("CA123", "MZ123"))
	h.waitActive(t, "CA123")

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF
	}
	for i := 0; i < 3; i++ {
		writeEnvelope(t, conn, mediaEnvelope("MZ123", frame))
	}
	require.Eventually(t, func() bool {
		return h.builder.rec.stream.sentCount() == 3
	}, 3*time.Second, 10*time.Millisecond)

	h.builder.rec.speak("I need help with my printer")

	reply := readEnvelope(t, conn)
	require.Equal(t, protocol.EventMedia, reply.Event)
	assert.Equal(t, "MZ123", reply.StreamSid)
	require.NotNil(t, reply.Media)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("audio:"+answer)), reply.Media.Payload)

	mark := readEnvelope(t, conn)
	require.Equal(t, protocol.EventMark, mark.Event)
	require.NotNil(t, mark.Mark)
	assert.Equal(t, "reply-1", mark.Mark.Name)

	require.Eventually(t, func() bool {
		return len(h.builder.notifier.recorded()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := h.builder.notifier.recorded()[0]
	assert.Equal(t, exchange{"CA123", "I need help with my printer", answer}, got)

	writeEnvelope(t, conn, &protocol.Envelope{Event: protocol.EventStop, Stop: &protocol.StopPayload{CallSid: "CA123"}})
	require.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSocketDropWithoutStopStillDrainsTheSession(t *testing.T) {
	h := newHarness(t, "ok")
	conn := h.dialMediaStream(t)

	writeEnvelope(t, conn, startEnvelope("CA124", "MZ124"))
	sess := h.waitActive(t, "CA124")

	require.NoError(t, conn.Close())

	select {
	case <-sess.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("session not drained after socket drop")
	}
	require.Eventually(t, func() bool {
		return h.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondStreamForSameCallIsRejected(t *testing.T) {
	h := newHarness(t, "ok")
	first := h.dialMediaStream(t)
	writeEnvelope(t, first, startEnvelope("CA125", "MZ125"))
	sess := h.waitActive(t, "CA125")

	second := h.dialMediaStream(t)
	writeEnvelope(t, second, startEnvelope("CA125", "MZ126"))

	// The duplicate's socket is closed by the server.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := second.ReadMessage()
	require.Error(t, err)

	// The original call is untouched and still reachable by call ID,
	// even after the rejected duplicate finishes closing itself.
	assert.Equal(t, session.StateActive, sess.State())
	require.Eventually(t, func() bool {
		got, err := h.registry.Get("CA125")
		return err == nil && got == sess && h.registry.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.registry.RouteStop("CA125")
	select {
	case <-sess.Closed():
	case <-time.After(3 * time.Second):
		t.Fatal("stop for the live call no longer reaches its session")
	}
}

func TestUnparseableFramesAreIgnored(t *testing.T) {
	h := newHarness(t, "ok")
	conn := h.dialMediaStream(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeEnvelope(t, conn, startEnvelope("CA126", "MZ126"))
	h.waitActive(t, "CA126")
}
