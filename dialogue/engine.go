package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"voicegate/core"
)

// Completer is the language-model client. One completion per call; the reply
// is a single assistant turn.
type Completer interface {
	Complete(ctx context.Context, turns []core.ConversationTurn) (string, error)
}

// Engine holds one call's conversation history and runs the language model
// over it. At most one completion is in flight per engine; concurrent
// Respond calls for the same call serialize, so turn order is preserved.
// Engines for different calls are independent.
type Engine struct {
	completer Completer
	logger    *core.Logger

	mu      sync.Mutex
	history []core.ConversationTurn
}

// NewEngine creates an engine seeded with the fixed system turn.
func NewEngine(completer Completer, systemPrompt string, logger *core.Logger) *Engine {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Engine{
		completer: completer,
		logger:    logger,
		history: []core.ConversationTurn{
			{Role: core.TurnRoleSystem, Text: systemPrompt},
		},
	}
}

// Respond appends the user turn, invokes the language model with the full
// ordered history, appends the assistant turn, and returns the reply text.
// On failure the user turn is rolled back so a retry does not duplicate it,
// and a core.DialogueError describes the failure.
func (e *Engine) Respond(ctx context.Context, utteranceText string) (string, error) {
	text := strings.TrimSpace(utteranceText)
	if text == "" {
		return "", fmt.Errorf("utterance text must be non-empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, core.ConversationTurn{Role: core.TurnRoleUser, Text: text})

	reply, err := e.completer.Complete(ctx, e.history)
	if err != nil {
		e.history = e.history[:len(e.history)-1]
		return "", classify(err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		e.history = e.history[:len(e.history)-1]
		return "", &core.DialogueError{Kind: core.DialogueErrEmpty, Err: fmt.Errorf("model returned empty reply")}
	}

	e.history = append(e.history, core.ConversationTurn{Role: core.TurnRoleAssistant, Text: reply})
	return reply, nil
}

// History returns a copy of the conversation so far, system turn first.
func (e *Engine) History() []core.ConversationTurn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.ConversationTurn, len(e.history))
	copy(out, e.history)
	return out
}

func classify(err error) *core.DialogueError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &core.DialogueError{Kind: core.DialogueErrTimeout, Err: err}
	case errors.Is(err, core.ErrRateLimited):
		return &core.DialogueError{Kind: core.DialogueErrRateLimit, Err: err}
	default:
		return &core.DialogueError{Kind: core.DialogueErrUpstream, Err: err}
	}
}
