package workflow

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"voicegate/core"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Config holds configuration for the workflow webhook client
type Config struct {
	URL            string
	RequestTimeout time.Duration
}

// Notifier posts one {question, answer} record per completed exchange to the
// workflow webhook. Delivery is fire-and-forget: failures are logged and
// never affect call handling. A nil or URL-less Notifier is a no-op.
type Notifier struct {
	config     Config
	httpClient *http.Client
	logger     *core.Logger
}

type exchangeRecord struct {
	EventID  string `json:"event_id"`
	CallSid  string `json:"call_sid"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	At       string `json:"at"`
}

// NewNotifier creates a webhook notifier. An empty URL disables delivery.
func NewNotifier(config Config, logger *core.Logger) *Notifier {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Notifier{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// NotifyExchange posts one exchange in the background and returns
// immediately.
func (n *Notifier) NotifyExchange(callID, question, answer string) {
	if n == nil || n.config.URL == "" {
		return
	}
	record := exchangeRecord{
		EventID:  uuid.New().String(),
		CallSid:  callID,
		Question: question,
		Answer:   answer,
		At:       time.Now().UTC().Format(time.RFC3339),
	}
	go n.post(record)
}

func (n *Notifier) post(record exchangeRecord) {
	body, err := sonic.Marshal(record)
	if err != nil {
		n.logger.With(map[string]any{"error": err}).Warn("workflow record marshal failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.With(map[string]any{"error": err}).Warn("workflow request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.With(map[string]any{"error": err, "call_sid": record.CallSid}).Warn("workflow webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.With(map[string]any{"status": resp.StatusCode, "call_sid": record.CallSid}).Warn("workflow webhook rejected exchange")
	}
}
