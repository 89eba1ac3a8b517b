package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"voicegate/core"

	"github.com/bytedance/sonic"
)

// DeepgramTTSConfig holds configuration for the Deepgram speak service
type DeepgramTTSConfig struct {
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	Encoding       string        `json:"encoding"`
	SampleRate     int           `json:"sample_rate"`
	RequestTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a DeepgramTTSConfig with sensible defaults. The
// mulaw 8 kHz output plays straight onto the telephony media stream with no
// transcoding step.
func DefaultConfig() DeepgramTTSConfig {
	return DeepgramTTSConfig{
		BaseURL:        "https://api.deepgram.com",
		Model:          "aura-2-arcas-en",
		Encoding:       "mulaw",
		SampleRate:     8000,
		RequestTimeout: 10 * time.Second,
	}
}

// DeepgramTTS synthesizes speech through the speak REST endpoint. Pure
// request/response; one instance is shared by all call sessions.
type DeepgramTTS struct {
	config     DeepgramTTSConfig
	httpClient *http.Client
	logger     *core.Logger
}

// NewDeepgramTTS creates a new Deepgram speak service with the provided config.
// Use DefaultConfig() to get a config with sensible defaults and override only what you need.
func NewDeepgramTTS(config DeepgramTTSConfig, logger *core.Logger) (*DeepgramTTS, error) {
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
	if config.Encoding == "" {
		config.Encoding = defaults.Encoding
	}
	if config.SampleRate == 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramTTS{
		config:     config,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

type speakV1Request struct {
	Text string `json:"text"`
}

// Synthesize converts text to audio bytes in the configured encoding. The
// request carries a bounded timeout; failures never block audio ingestion
// because callers run synthesis off the critical path.
func (d *DeepgramTTS) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := sonic.Marshal(speakV1Request{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speak request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.buildSpeakURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build speak request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &core.UpstreamUnavailable{Service: "synthesizer", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("speak request: %w: status %d", core.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("speak request failed: status %d: %s", resp.StatusCode, detail)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.UpstreamUnavailable{Service: "synthesizer", Err: err}
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("speak request returned no audio")
	}
	return audio, nil
}

// buildSpeakURL constructs the speak URL with query parameters
func (d *DeepgramTTS) buildSpeakURL() string {
	q := url.Values{}
	q.Set("model", d.config.Model)
	q.Set("encoding", d.config.Encoding)
	q.Set("sample_rate", fmt.Sprintf("%d", d.config.SampleRate))
	return d.config.BaseURL + "/v1/speak?" + q.Encode()
}
