package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Marshal encodes an envelope for the media socket.
func Marshal(env *Envelope) ([]byte, error) {
	b, err := sonic.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q envelope: %w", env.Event, err)
	}
	return b, nil
}

// Unmarshal parses a frame from the media socket. Frames with an empty or
// unknown event discriminant are returned as-is; the caller decides whether
// to ignore them.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("protocol: envelope missing event field")
	}
	return &env, nil
}
