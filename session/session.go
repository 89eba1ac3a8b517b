package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicegate/core"
	"voicegate/dialogue"
	"voicegate/synthesis"
	"voicegate/transcribe"
)

// State is the call session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is how reply audio reaches the caller. The gateway implements it
// over the media socket.
type Transport interface {
	SendAudio(payload string) error // base64 audio for one outbound media frame
	SendMark(name string) error
}

// Notifier logs one completed exchange to the workflow webhook. Failures
// must never affect call handling.
type Notifier interface {
	NotifyExchange(callID, question, answer string)
}

// Config controls per-session policy.
type Config struct {
	SystemPrompt string `json:"system_prompt"`
	// ApologyText is spoken when a turn or the whole session fails.
	ApologyText string `json:"apology_text"`
	// ConnectRetries bounds recognizer connection attempts before Failed.
	ConnectRetries int `json:"connect_retries"`
	// RetryBackoff spaces recognizer connection and dialogue retries.
	RetryBackoff time.Duration `json:"-"`
	// DialogueRetries bounds re-asks after a recoverable dialogue failure.
	DialogueRetries int `json:"dialogue_retries"`
	// DrainTimeout bounds how long Draining waits for in-flight work.
	DrainTimeout time.Duration `json:"-"`
}

// DefaultConfig returns per-session policy defaults.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:    "You are a helpful phone receptionist. Keep answers short and speakable.",
		ApologyText:     "I'm sorry, I'm having trouble right now. Could you say that again?",
		ConnectRetries:  2,
		RetryBackoff:    500 * time.Millisecond,
		DialogueRetries: 1,
		DrainTimeout:    5 * time.Second,
	}
}

// Deps are the per-call pipeline stages bound to one CallSession.
type Deps struct {
	Transcriber *transcribe.Session
	Dialogue    *dialogue.Engine
	Synth       synthesis.Synthesizer
	Notifier    Notifier
}

// CallSession binds one phone call to its decoder, transcription session,
// dialogue engine, and synthesis adapter, and owns the lifecycle:
// Connecting -> Active -> Draining -> Closed, with terminal Failed. All
// state transitions happen on the session's own goroutines; the gateway
// only calls OnMedia, Stop, and Start.
type CallSession struct {
	CallID string

	cfg       Config
	deps      Deps
	transport Transport
	logger    *core.Logger

	decoder *FrameDecoder
	adapter *synthesis.Adapter

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	utterQ   chan core.Utterance
	inflight sync.WaitGroup

	// admitMu makes utterance admission atomic with the transition to
	// Draining, so inflight.Add can never race inflight.Wait at zero.
	admitMu  sync.Mutex
	draining bool

	replySeq  uint64
	stopOnce  sync.Once
	closed    chan struct{}
	onClosed  func(callID string, final State)
	discarded atomic.Uint64
}

// NewCallSession creates a session in Connecting state. onClosed fires once
// when the session reaches a terminal state, after resources are released.
func NewCallSession(callID string, transport Transport, deps Deps, cfg Config, onClosed func(string, State), logger *core.Logger) *CallSession {
	if logger == nil {
		logger = core.GetLogger()
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.ApologyText == "" {
		cfg.ApologyText = DefaultConfig().ApologyText
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &CallSession{
		CallID:    callID,
		cfg:       cfg,
		deps:      deps,
		transport: transport,
		logger:    logger.With(map[string]any{"call_sid": callID}),
		decoder:   NewFrameDecoder(core.ULAW, 8000),
		ctx:       ctx,
		cancel:    cancel,
		utterQ:    make(chan core.Utterance, 8),
		closed:    make(chan struct{}),
		onClosed:  onClosed,
	}
	s.state.Store(int32(StateConnecting))

	s.adapter = synthesis.NewAdapter(deps.Synth, s.emitReply, s.handleSynthesisError, s.logger)
	deps.Transcriber.OnUtterance(s.handleUtterance)
	deps.Transcriber.OnError(s.handleTranscribeError)
	return s
}

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	return State(s.state.Load())
}

// Start opens the recognizer stream with a bounded retry budget and moves
// the session to Active. Exhausting the budget moves it to Failed. A stop
// that raced the connect wins: Start never resurrects a draining or
// terminal session.
func (s *CallSession) Start() error {
	var lastErr error
	attempts := s.cfg.ConnectRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-s.ctx.Done():
				return s.ctx.Err()
			}
		}
		if st := s.State(); st != StateConnecting {
			return fmt.Errorf("session %s before recognizer connect", st)
		}
		lastErr = s.deps.Transcriber.Start(s.ctx)
		if lastErr == nil {
			if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
				s.deps.Transcriber.Stop()
				return fmt.Errorf("session %s during recognizer connect", s.State())
			}
			go s.dialogueLoop()
			s.logger.Info("call session active")
			return nil
		}
		s.logger.With(map[string]any{"attempt": i + 1, "error": lastErr}).Warn("recognizer connect failed")
	}

	s.fail(fmt.Errorf("recognizer connect budget exhausted: %w", lastErr))
	return lastErr
}

// OnMedia handles one inbound media payload. Malformed frames are dropped
// with a warning; a bad frame never terminates the session. Frames arriving
// after drain begins are logged and discarded.
func (s *CallSession) OnMedia(rawPayload string) {
	switch s.State() {
	case StateConnecting, StateActive:
	default:
		if n := s.discarded.Add(1); n == 1 {
			s.logger.With(map[string]any{"state": s.State().String()}).Warn("discarding media after drain")
		}
		return
	}

	chunk, err := s.decoder.Decode(rawPayload)
	if err != nil {
		var dec *core.DecodeError
		if errors.As(err, &dec) {
			s.logger.With(map[string]any{"reason": dec.Reason}).Warn("dropping malformed audio frame")
			return
		}
		s.logger.With(map[string]any{"error": err}).Warn("dropping undecodable audio frame")
		return
	}
	s.deps.Transcriber.PushAudio(chunk)
}

// handleUtterance queues a finalized utterance for the dialogue loop in
// finalization order.
func (s *CallSession) handleUtterance(u core.Utterance) {
	s.admitMu.Lock()
	if s.draining || s.State() != StateActive {
		s.admitMu.Unlock()
		s.logger.With(map[string]any{"text": u.Text}).Warn("discarding utterance outside active state")
		return
	}
	s.inflight.Add(1)
	s.admitMu.Unlock()
	select {
	case s.utterQ <- u:
	default:
		s.inflight.Done()
		s.logger.Warn("utterance queue full, dropping utterance")
	}
}

// dialogueLoop consumes utterances strictly in finalization order. At most
// one dialogue call is in flight per session.
func (s *CallSession) dialogueLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.utterQ:
			s.respondTo(u)
			s.inflight.Done()
		}
	}
}

// respondTo runs one utterance through the dialogue engine and queues the
// reply for synthesis, applying the retry/degrade decision table.
func (s *CallSession) respondTo(u core.Utterance) {
	retries := s.cfg.DialogueRetries
	for {
		reply, err := s.deps.Dialogue.Respond(s.ctx, u.Text)
		if err == nil {
			s.logger.With(map[string]any{"question": u.Text, "answer": reply}).Debug("dialogue exchange complete")
			s.queueReply(core.ConversationTurn{Role: core.TurnRoleAssistant, Text: reply})
			if s.deps.Notifier != nil {
				s.deps.Notifier.NotifyExchange(s.CallID, u.Text, reply)
			}
			return
		}

		switch decide(err) {
		case actionRetry:
			if retries > 0 && s.State() == StateActive {
				retries--
				s.logger.With(map[string]any{"error": err}).Warn("dialogue call failed, retrying")
				select {
				case <-time.After(s.cfg.RetryBackoff):
					continue
				case <-s.ctx.Done():
					return
				}
			}
			fallthrough
		case actionDegradeTurn:
			s.logger.With(map[string]any{"error": err}).Error("dialogue call failed, speaking fallback")
			s.queueReply(core.ConversationTurn{Role: core.TurnRoleAssistant, Text: s.cfg.ApologyText})
			return
		default:
			s.failFromLoop(err)
			return
		}
	}
}

type action int

const (
	actionRetry action = iota
	actionDegradeTurn
	actionFailSession
)

// decide maps a pipeline error to the orchestrator's recovery action.
func decide(err error) action {
	var dErr *core.DialogueError
	if errors.As(err, &dErr) {
		switch dErr.Kind {
		case core.DialogueErrTimeout, core.DialogueErrRateLimit:
			return actionRetry
		default:
			return actionDegradeTurn
		}
	}
	var up *core.UpstreamUnavailable
	if errors.As(err, &up) {
		return actionRetry
	}
	if errors.Is(err, context.Canceled) {
		return actionFailSession
	}
	return actionDegradeTurn
}

func (s *CallSession) queueReply(turn core.ConversationTurn) {
	if !s.adapter.Enqueue(turn) {
		s.logger.Warn("reply not queued for synthesis")
	}
}

// emitReply plays one synthesized reply onto the media socket. Called by the
// synthesis adapter in FIFO order.
func (s *CallSession) emitReply(reply core.ReplyAudio) {
	switch s.State() {
	case StateActive, StateDraining:
	default:
		return
	}

	payload := base64.StdEncoding.EncodeToString(reply.Audio)
	if err := s.transport.SendAudio(payload); err != nil {
		s.logger.With(map[string]any{"error": err}).Warn("failed to send reply audio")
		return
	}
	s.replySeq++
	if err := s.transport.SendMark(fmt.Sprintf("reply-%d", s.replySeq)); err != nil {
		s.logger.With(map[string]any{"error": err}).Debug("failed to send playback mark")
	}
}

// handleSynthesisError degrades a single turn: the caller hears the canned
// apology instead of silence.
func (s *CallSession) handleSynthesisError(turn core.ConversationTurn, err error) {
	s.logger.With(map[string]any{"error": err}).Error("synthesis failed for reply")
	if s.State() != StateActive {
		return
	}
	// Best effort only; if the apology fails too the turn stays silent.
	if turn.Text != s.cfg.ApologyText {
		s.queueReply(core.ConversationTurn{Role: core.TurnRoleAssistant, Text: s.cfg.ApologyText})
	}
}

func (s *CallSession) handleTranscribeError(err error) {
	s.logger.With(map[string]any{"error": err}).Warn("transcription degraded")
}

// Stop drives the session through Draining to Closed: no new audio is
// accepted, buffered transcription is flushed, and in-flight dialogue and
// synthesis work gets a bounded deadline before cancellation. Idempotent.
func (s *CallSession) Stop() {
	s.finish(StateClosed, nil)
}

// fail is the terminal path for unrecoverable errors. The caller hears the
// apology before the session closes, rather than silence.
func (s *CallSession) fail(cause error) {
	s.finish(StateFailed, cause)
}

func (s *CallSession) failFromLoop(cause error) {
	go s.fail(cause)
}

func (s *CallSession) finish(final State, cause error) {
	s.stopOnce.Do(func() {
		prev := s.State()
		s.admitMu.Lock()
		s.draining = true
		s.state.Store(int32(StateDraining))
		s.admitMu.Unlock()
		if cause != nil {
			s.logger.With(map[string]any{"error": cause, "from": prev.String()}).Error("session failing")
			s.speakApology()
		} else {
			s.logger.With(map[string]any{"from": prev.String()}).Info("session draining")
		}

		s.deps.Transcriber.Stop()

		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.DrainTimeout):
			s.logger.Warn("drain deadline reached, cancelling in-flight work")
		}

		s.cancel()
		s.adapter.Close()
		s.state.Store(int32(final))
		close(s.closed)
		s.logger.With(map[string]any{"state": final.String()}).Info("session finished")

		if s.onClosed != nil {
			s.onClosed(s.CallID, final)
		}
	})
}

// speakApology synthesizes and plays the apology directly, outside the FIFO,
// with a short deadline. Used only on session failure.
func (s *CallSession) speakApology() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	audio, err := s.deps.Synth.Synthesize(ctx, s.cfg.ApologyText)
	if err != nil {
		s.logger.With(map[string]any{"error": err}).Warn("could not synthesize apology")
		return
	}
	if err := s.transport.SendAudio(base64.StdEncoding.EncodeToString(audio)); err != nil {
		s.logger.With(map[string]any{"error": err}).Debug("could not play apology")
	}
}

// Closed reports terminal-state completion, for tests and graceful shutdown.
func (s *CallSession) Closed() <-chan struct{} {
	return s.closed
}
