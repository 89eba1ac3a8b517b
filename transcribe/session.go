package transcribe

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"voicegate/core"
	"voicegate/utils/audio"
)

// Config controls session-level behaviour, not the recognizer protocol.
type Config struct {
	// BufferCapacity bounds the number of chunks queued between PushAudio
	// and the upstream send loop. Beyond it, the oldest chunk is dropped.
	BufferCapacity int `json:"buffer_capacity"`
	// TargetSampleRate is the PCM rate the recognizer stream expects.
	TargetSampleRate int `json:"target_sample_rate"`
	// GracePeriod bounds how long a degraded session waits for further
	// utterances before stopping itself.
	GracePeriod time.Duration `json:"-"`
}

// DefaultConfig returns session defaults tuned for 20 ms telephony frames.
func DefaultConfig() Config {
	return Config{
		BufferCapacity:   256,
		TargetSampleRate: 16000,
		GracePeriod:      5 * time.Second,
	}
}

// Session is the streaming bridge to the speech recognizer for exactly one
// call. Audio pushed before the connection is open is buffered up to
// Config.BufferCapacity; finalized utterances reach the registered callback
// in receipt order; interim results never leave this package.
type Session struct {
	rec    Recognizer
	cfg    Config
	logger *core.Logger

	onUtterance func(core.Utterance)
	onError     func(error)

	mu       sync.Mutex
	buf      []core.AudioChunk
	dropped  uint64
	stream   Stream
	closing  bool
	degraded bool
	grace    *time.Timer

	// sendMu serializes whole drains so audio cannot interleave when the
	// stop-time flush overlaps the send loop.
	sendMu sync.Mutex

	notify   chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewSession(rec Recognizer, cfg Config, logger *core.Logger) *Session {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = DefaultConfig().BufferCapacity
	}
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = DefaultConfig().TargetSampleRate
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Session{
		rec:     rec,
		cfg:     cfg,
		logger:  logger,
		notify:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// OnUtterance registers the handler invoked once per finalized utterance.
// Must be called before Start.
func (s *Session) OnUtterance(fn func(core.Utterance)) {
	s.onUtterance = fn
}

// OnError registers the handler for upstream protocol errors. Must be called
// before Start.
func (s *Session) OnError(fn func(error)) {
	s.onError = fn
}

// Start opens the upstream recognition stream and begins draining buffered
// audio. Returns core.UpstreamUnavailable if the connection cannot be
// established within the recognizer's bounded timeout. Starting a stopped
// session fails; a stream dialed while Stop raced the connect is closed
// before the error returns, so the upstream connection never leaks.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return fmt.Errorf("transcription session already stopped")
	}

	stream, err := s.rec.Connect(ctx, s.handleResult, s.handleStreamError)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("transcription session stopped during connect")
	}
	s.stream = stream
	s.mu.Unlock()

	go s.sendLoop()
	s.wake()
	return nil
}

// PushAudio queues one decoded chunk for the recognizer. Never blocks: if
// the buffer is full the oldest chunk is dropped with a warning.
func (s *Session) PushAudio(chunk core.AudioChunk) {
	select {
	case <-s.stopped:
		return
	default:
	}

	s.mu.Lock()
	if len(s.buf) >= s.cfg.BufferCapacity {
		s.buf = s.buf[1:]
		s.dropped++
		if s.dropped%50 == 1 {
			s.logger.With(map[string]any{"dropped": s.dropped}).Warn("transcription buffer full, dropping oldest audio")
		}
	}
	s.buf = append(s.buf, chunk)
	s.mu.Unlock()

	s.wake()
}

// Stop flushes buffered audio, signals end-of-stream upstream, and releases
// the connection. Safe to call multiple times.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		stream := s.stream
		if s.grace != nil {
			s.grace.Stop()
		}
		s.mu.Unlock()

		if stream != nil {
			s.drainBuffer(stream)
			if err := stream.Flush(); err != nil {
				s.logger.With(map[string]any{"error": err}).Debug("flush on stop failed")
			}
			_ = stream.Close()
		}
		close(s.stopped)
	})
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// sendLoop forwards buffered chunks upstream in arrival order.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.stopped:
			return
		case <-s.notify:
			s.mu.Lock()
			stream := s.stream
			s.mu.Unlock()
			if stream != nil {
				s.drainBuffer(stream)
			}
		}
	}
}

func (s *Session) drainBuffer(stream Stream) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		chunk := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		converted, err := audio.ConvertAudioChunk(chunk, core.PCM, s.cfg.TargetSampleRate)
		if err != nil {
			s.logger.With(map[string]any{"error": err, "seq": chunk.Sequence}).Warn("failed to convert audio chunk, dropping")
			continue
		}
		if err := stream.Send(converted.Data); err != nil {
			s.handleStreamError(err)
			return
		}
	}
}

func (s *Session) handleResult(r Result) {
	if !r.Final {
		// Interim hypotheses are never forwarded downstream.
		return
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.degraded && s.grace != nil {
		s.grace.Reset(s.cfg.GracePeriod)
	}
	s.mu.Unlock()

	if s.onUtterance != nil {
		s.onUtterance(core.Utterance{
			Text:       text,
			Confidence: r.Confidence,
			Start:      r.Start,
			Duration:   r.Duration,
		})
	}
}

// handleStreamError marks the session degraded and arms the grace timer.
// The session stops itself if no further utterances arrive in time.
func (s *Session) handleStreamError(err error) {
	select {
	case <-s.stopped:
		return
	default:
	}

	s.mu.Lock()
	first := !s.degraded
	s.degraded = true
	if s.grace == nil {
		s.grace = time.AfterFunc(s.cfg.GracePeriod, s.Stop)
	}
	s.mu.Unlock()

	if first {
		s.logger.With(map[string]any{"error": err}).Warn("recognizer stream degraded")
	}
	if s.onError != nil {
		s.onError(err)
	}
}

// Stopped reports whether Stop has completed, for callers that need to know
// the upstream connection is released.
func (s *Session) Stopped() <-chan struct{} {
	return s.stopped
}
