package core

import "time"

type TurnRole string

const (
	TurnRoleSystem    TurnRole = "system"
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// ConversationTurn is one message in the dialogue history. The system turn
// is fixed at session creation; user and assistant turns append in strict
// chronological order.
type ConversationTurn struct {
	Role TurnRole `json:"role"`
	Text string   `json:"text"`
}

// Utterance is one finalized unit of recognized speech, bounded by detected
// end-of-speech. Interim hypotheses never become Utterances.
type Utterance struct {
	Text       string
	Confidence float64
	Start      time.Duration // Offset of the utterance within the call audio.
	Duration   time.Duration
}

// ReplyAudio is a synthesized reply together with the assistant turn it
// speaks. Replies are emitted to the call in turn order.
type ReplyAudio struct {
	Audio []byte
	Turn  ConversationTurn
}
