package synthesis

import (
	"context"
	"sync"

	"voicegate/core"
)

// Synthesizer converts reply text to playable audio bytes. Pure
// request/response; implementations carry their own bounded timeout.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// job is one synthesis request in flight. done is closed when the request
// finishes, successfully or not.
type job struct {
	turn  core.ConversationTurn
	audio []byte
	err   error
	done  chan struct{}
}

// Adapter runs synthesis for one call. Requests run concurrently but results
// are delivered strictly in enqueue order, so playback order matches reply
// order even when a later request outruns an earlier one. Synthesis never
// blocks audio ingestion; Enqueue returns immediately.
type Adapter struct {
	synth  Synthesizer
	logger *core.Logger

	onReply func(core.ReplyAudio)
	onError func(core.ConversationTurn, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  chan *job
	closed bool
}

// NewAdapter creates a per-call adapter. onReply receives synthesized
// replies in FIFO order; onError receives the turn whose synthesis failed.
func NewAdapter(synth Synthesizer, onReply func(core.ReplyAudio), onError func(core.ConversationTurn, error), logger *core.Logger) *Adapter {
	if logger == nil {
		logger = core.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		synth:   synth,
		logger:  logger,
		onReply: onReply,
		onError: onError,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *job, 16),
	}
	go a.emitLoop()
	return a
}

// Enqueue submits one reply for synthesis. Returns false if the adapter is
// closed or its queue is full; the caller treats that as a synthesis failure.
func (a *Adapter) Enqueue(turn core.ConversationTurn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	j := &job{turn: turn, done: make(chan struct{})}
	select {
	case a.queue <- j:
	default:
		a.logger.Warn("synthesis queue full, dropping reply")
		return false
	}

	go func() {
		j.audio, j.err = a.synth.Synthesize(a.ctx, turn.Text)
		close(j.done)
	}()
	return true
}

// emitLoop delivers finished jobs in enqueue order.
func (a *Adapter) emitLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case j := <-a.queue:
			select {
			case <-j.done:
			case <-a.ctx.Done():
				return
			}
			if j.err != nil {
				if a.onError != nil {
					a.onError(j.turn, &core.SynthesisError{Err: j.err})
				}
				continue
			}
			if a.onReply != nil {
				a.onReply(core.ReplyAudio{Audio: j.audio, Turn: j.turn})
			}
		}
	}
}

// Close cancels outstanding synthesis requests and stops delivery. Safe to
// call multiple times.
func (a *Adapter) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
}
