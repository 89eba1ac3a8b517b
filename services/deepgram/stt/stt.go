package stt

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"voicegate/core"
	"voicegate/transcribe"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// DeepgramConfig holds configuration options for Deepgram streaming STT
type DeepgramConfig struct {
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	Language       string        `json:"language"`
	InterimResults bool          `json:"interim_results"`
	Punctuate      bool          `json:"punctuate"`
	SmartFormat    bool          `json:"smart_format"`
	Endpointing    int           `json:"endpointing"`
	SampleRate     int           `json:"sample_rate"`
	ConnectTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a default configuration for Deepgram STT
func DefaultConfig() DeepgramConfig {
	return DeepgramConfig{
		BaseURL:        "wss://api.deepgram.com",
		Model:          "nova-2",
		Language:       "en",
		InterimResults: false,
		Punctuate:      true,
		SmartFormat:    true,
		Endpointing:    300,
		SampleRate:     16000,
		ConnectTimeout: 5 * time.Second,
	}
}

// DeepgramRecognizer opens one streaming connection per call to Deepgram's
// listen endpoint. It implements transcribe.Recognizer.
type DeepgramRecognizer struct {
	config DeepgramConfig
	logger *core.Logger
}

// NewDeepgramRecognizer creates a Deepgram recognizer. Use DefaultConfig()
// to get a config with sensible defaults and override only what you need.
func NewDeepgramRecognizer(config DeepgramConfig, logger *core.Logger) (*DeepgramRecognizer, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Deepgram API key is required")
	}
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramRecognizer{config: config, logger: logger}, nil
}

// Connect dials the listen endpoint within the configured timeout and starts
// the read and keep-alive loops. Failure to connect is reported as
// core.UpstreamUnavailable.
func (d *DeepgramRecognizer) Connect(
	ctx context.Context,
	onResult func(transcribe.Result),
	onError func(error),
) (transcribe.Stream, error) {
	wsURL, err := d.buildWebSocketURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	headers := map[string][]string{
		"Authorization": {"Token " + d.config.APIKey},
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.config.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		return nil, &core.UpstreamUnavailable{Service: "recognizer", Err: err}
	}

	s := &deepgramStream{
		conn:     conn,
		logger:   d.logger,
		onResult: onResult,
		onError:  onError,
		done:     make(chan struct{}),
	}
	go s.readLoop()
	go s.keepAlive()
	return s, nil
}

// buildWebSocketURL constructs the listen URL with query parameters
func (d *DeepgramRecognizer) buildWebSocketURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	q.Set("model", d.config.Model)
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	q.Set("interim_results", boolToString(d.config.InterimResults))
	q.Set("punctuate", boolToString(d.config.Punctuate))
	q.Set("smart_format", boolToString(d.config.SmartFormat))
	if d.config.Endpointing > 0 {
		q.Set("endpointing", fmt.Sprintf("%d", d.config.Endpointing))
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", d.config.SampleRate))
	q.Set("channels", "1")

	base.RawQuery = q.Encode()
	return base.String(), nil
}

// deepgramStream is one live listen connection.
type deepgramStream struct {
	conn     *websocket.Conn
	logger   *core.Logger
	onResult func(transcribe.Result)
	onError  func(error)

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *deepgramStream) Send(audio []byte) error {
	s.writeMu.Lock()
	err := s.conn.WriteMessage(websocket.BinaryMessage, audio)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// Flush asks Deepgram to finalize whatever audio it is still buffering.
func (s *deepgramStream) Flush() error {
	return s.writeControl(listenV1Finalize{Type: "Finalize"})
}

// Close signals end-of-stream and releases the connection. Idempotent.
func (s *deepgramStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.writeControl(listenV1CloseStream{Type: "CloseStream"})
		_ = s.conn.Close()
	})
	return nil
}

func (s *deepgramStream) writeControl(msg any) error {
	b, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// readLoop consumes messages until the connection drops or Close is called.
func (s *deepgramStream) readLoop() {
	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed by us; not an upstream failure.
			default:
				s.onError(fmt.Errorf("error reading message: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := s.handleMessage(message); err != nil {
			s.logger.With(map[string]any{"error": err}).Warn("unhandled recognizer message")
		}
	}
}

// handleMessage processes one incoming listen message
func (s *deepgramStream) handleMessage(message []byte) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(message, &base); err != nil {
		return fmt.Errorf("failed to parse message type: %w", err)
	}

	switch base.Type {
	case "Results":
		var result listenV1Results
		if err := sonic.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("failed to parse results: %w", err)
		}
		s.processResults(result)
	case "Metadata", "UtteranceEnd", "SpeechStarted":
		// Informational; the end-of-utterance policy keys off is_final.
	default:
		return fmt.Errorf("unknown message type: %s", base.Type)
	}
	return nil
}

func (s *deepgramStream) processResults(result listenV1Results) {
	if len(result.Channel.Alternatives) == 0 {
		return
	}
	alt := result.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	s.onResult(transcribe.Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		Final:      result.IsFinal || result.SpeechFinal || result.FromFinalize,
		Start:      time.Duration(result.Start * float64(time.Second)),
		Duration:   time.Duration(result.Duration * float64(time.Second)),
	})
}

// keepAlive sends periodic keep-alive messages
func (s *deepgramStream) keepAlive() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(listenV1KeepAlive{Type: "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Message structs based on the listen API specification

type listenV1Results struct {
	Type        string  `json:"type"`
	Duration    float64 `json:"duration"`
	Start       float64 `json:"start"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	FromFinalize bool `json:"from_finalize,omitempty"`
}

type listenV1KeepAlive struct {
	Type string `json:"type"`
}

type listenV1CloseStream struct {
	Type string `json:"type"`
}

type listenV1Finalize struct {
	Type string `json:"type"`
}
