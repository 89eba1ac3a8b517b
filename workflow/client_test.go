package workflow

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyExchangePostsOneRecord(t *testing.T) {
	received := make(chan exchangeRecord, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var record exchangeRecord
		require.NoError(t, sonic.Unmarshal(body, &record))
		received <- record
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL}, nil)
	n.NotifyExchange("CA123", "I need help with my printer", "Can you tell me your business name?")

	select {
	case record := <-received:
		assert.Equal(t, "CA123", record.CallSid)
		assert.Equal(t, "I need help with my printer", record.Question)
		assert.Equal(t, "Can you tell me your business name?", record.Answer)
		assert.NotEmpty(t, record.EventID)
		at, err := time.Parse(time.RFC3339, record.At)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), at, time.Minute)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the exchange")
	}
}

func TestEachExchangeGetsAUniqueEventID(t *testing.T) {
	received := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var record exchangeRecord
		require.NoError(t, sonic.Unmarshal(body, &record))
		received <- record.EventID
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL}, nil)
	n.NotifyExchange("CA123", "q1", "a1")
	n.NotifyExchange("CA123", "q2", "a2")

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-received:
			ids[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("webhook never received both exchanges")
		}
	}
	assert.Len(t, ids, 2)
}

func TestEmptyURLDisablesDelivery(t *testing.T) {
	n := NewNotifier(Config{}, nil)
	// Must be a silent no-op, not a panic or a hang.
	n.NotifyExchange("CA123", "question", "answer")
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, RequestTimeout: 500 * time.Millisecond}, nil)
	n.NotifyExchange("CA123", "question", "answer")
	// Nothing to assert beyond the absence of a panic; delivery is
	// fire-and-forget and failures only log.
	time.Sleep(100 * time.Millisecond)
}
