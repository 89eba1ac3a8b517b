package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"voicegate/core"
	"voicegate/protocol"
	"voicegate/session"

	"github.com/gorilla/websocket"
)

// Config holds the configuration for the event gateway
type Config struct {
	// HTTP listen port
	Port int `json:"port"`

	// Voice webhook endpoint path
	WebhookPath string `json:"webhook_path"`

	// Duplex media stream endpoint path
	StreamPath string `json:"stream_path"`

	// PublicHost is the externally reachable host used in the TwiML stream
	// URL. Empty means derive it from the webhook request's Host header.
	PublicHost string `json:"public_host"`

	// Greeting spoken before the media stream opens
	Greeting string `json:"greeting"`

	// Voice used for the greeting
	Voice string `json:"voice"`

	// Read buffer size for WebSocket connections (bytes)
	ReadBufferSize int `json:"read_buffer_size"`

	// Write buffer size for WebSocket connections (bytes)
	WriteBufferSize int `json:"write_buffer_size"`

	// Maximum message size (bytes)
	MaxMessageSize int64 `json:"max_message_size"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() Config {
	return Config{
		Port:            8080,
		WebhookPath:     "/twiml",
		StreamPath:      "/media-stream",
		Greeting:        "Hi! How may I help you today?",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  65536,
	}
}

// SessionBuilder produces the per-call pipeline stages bound to a new
// CallSession. Each call gets fresh instances.
type SessionBuilder interface {
	BuildSessionDeps(callID string) (session.Deps, error)
	SessionConfig() session.Config
}

// Server is the front door: it translates provider wire events into
// CallSession calls and plays reply audio back onto the media socket.
//
// The voice webhook carries a provider signature header that a production
// deployment must verify before trusting the request; that check belongs to
// the deployment's ingress and is not performed here.
type Server struct {
	config   Config
	logger   *core.Logger
	registry *session.Registry
	builder  SessionBuilder
	upgrader websocket.Upgrader

	httpServer *http.Server
}

// NewServer creates the gateway around an existing registry and builder.
func NewServer(config Config, registry *session.Registry, builder SessionBuilder, logger *core.Logger) *Server {
	defaults := DefaultConfig()
	if config.WebhookPath == "" {
		config.WebhookPath = defaults.WebhookPath
	}
	if config.StreamPath == "" {
		config.StreamPath = defaults.StreamPath
	}
	if config.Greeting == "" {
		config.Greeting = defaults.Greeting
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = defaults.WriteBufferSize
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = defaults.MaxMessageSize
	}
	if logger == nil {
		logger = core.GetLogger()
	}

	return &Server{
		config:   config,
		logger:   logger,
		registry: registry,
		builder:  builder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			// The provider's media host connects from rotating origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler with all gateway routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc(s.config.WebhookPath, s.handleVoiceWebhook)
	mux.HandleFunc(s.config.StreamPath, s.handleMediaStream)
	return mux
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: s.Handler(),
	}
	s.logger.With(map[string]any{"port": s.config.Port}).Info("gateway listening")
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and drains all live sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.registry.StopAll()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprint(w, "voicegate is running")
}

// handleVoiceWebhook answers the provider's call webhook with TwiML: a
// spoken greeting, then a connect instruction for the duplex media stream.
func (s *Server) handleVoiceWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	callSid := r.PostFormValue("CallSid")

	host := s.config.PublicHost
	if host == "" {
		host = r.Host
	}
	streamURL := "wss://" + host + s.config.StreamPath

	doc, err := protocol.NewVoiceResponse(s.config.Greeting, s.config.Voice, streamURL).Render()
	if err != nil {
		s.logger.With(map[string]any{"error": err}).Error("twiml render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.With(map[string]any{"call_sid": callSid}).Info("incoming call")
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(doc)
}

// handleMediaStream upgrades the duplex audio socket and pumps provider
// events into the call session.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.With(map[string]any{"error": err}).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(s.config.MaxMessageSize)
	defer conn.Close()

	transport := &wsTransport{conn: conn}
	var sess *session.CallSession
	var callSid string

	defer func() {
		// Socket closed without a stop event: treat as call end.
		if sess != nil && sess.State() != session.StateClosed && sess.State() != session.StateFailed {
			sess.Stop()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.With(map[string]any{"error": err, "call_sid": callSid}).Warn("media socket error")
			}
			return
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			s.logger.With(map[string]any{"error": err}).Warn("unparseable media frame")
			continue
		}

		switch env.Event {
		case protocol.EventConnected:
			// Handshake preamble, no payload of interest.

		case protocol.EventStart:
			if env.Start == nil {
				s.logger.Warn("start event without payload")
				continue
			}
			callSid = env.Start.CallSid
			transport.setStreamSid(env.Start.StreamSid)
			sess = s.startSession(callSid, transport)
			if sess == nil {
				return
			}

		case protocol.EventMedia:
			if sess == nil || env.Media == nil {
				continue
			}
			sess.OnMedia(env.Media.Payload)

		case protocol.EventMark:
			// Playback checkpoint echo; nothing to do.

		case protocol.EventStop:
			s.logger.With(map[string]any{"call_sid": callSid}).Info("stream stopped")
			if callSid != "" {
				s.registry.RouteStop(callSid)
			}
			return
		}
	}
}

// startSession builds, registers, and starts the call session for one
// stream. Returns nil if the call cannot be serviced.
func (s *Server) startSession(callSid string, transport session.Transport) *session.CallSession {
	deps, err := s.builder.BuildSessionDeps(callSid)
	if err != nil {
		s.logger.With(map[string]any{"error": err, "call_sid": callSid}).Error("failed to build session pipeline")
		return nil
	}

	var sess *session.CallSession
	sess = session.NewCallSession(
		callSid,
		transport,
		deps,
		s.builder.SessionConfig(),
		func(id string, final session.State) { s.registry.Evict(sess) },
		s.logger,
	)
	if err := s.registry.Add(sess); err != nil {
		s.logger.With(map[string]any{"error": err, "call_sid": callSid}).Error("session rejected")
		sess.Stop()
		return nil
	}

	go func() {
		if err := sess.Start(); err != nil {
			s.logger.With(map[string]any{"error": err, "call_sid": callSid}).Error("session failed to start")
		}
	}()
	return sess
}

// wsTransport plays reply audio back over the media socket.
type wsTransport struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSid string
}

func (t *wsTransport) setStreamSid(sid string) {
	t.mu.Lock()
	t.streamSid = sid
	t.mu.Unlock()
}

func (t *wsTransport) SendAudio(payload string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := protocol.Marshal(protocol.OutboundMedia(t.streamSid, payload))
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SendMark(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := protocol.Marshal(protocol.OutboundMark(t.streamSid, name))
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}
