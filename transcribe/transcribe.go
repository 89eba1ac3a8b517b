package transcribe

import (
	"context"
	"time"
)

// Result is one hypothesis from the recognizer. Final results are bounded by
// detected end-of-speech; interim results may be revised.
type Result struct {
	Text       string
	Confidence float64
	Final      bool
	Start      time.Duration
	Duration   time.Duration
}

// Stream is one live recognition stream. Send forwards raw 16-bit PCM audio;
// Flush forces finalization of buffered audio; Close signals end-of-stream
// and releases the connection.
type Stream interface {
	Send(audio []byte) error
	Flush() error
	Close() error
}

// Recognizer opens recognition streams. Implementations deliver results and
// protocol errors through the callbacks, each from a single goroutine in
// receipt order.
type Recognizer interface {
	Connect(ctx context.Context, onResult func(Result), onError func(error)) (Stream, error)
}
