package tts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"voicegate/core"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, baseURL string) *DeepgramTTS {
	t.Helper()
	svc, err := NewDeepgramTTS(DeepgramTTSConfig{
		APIKey:  "dg-test-key",
		BaseURL: baseURL,
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestSynthesizeSendsSpeakRequestAndReturnsAudio(t *testing.T) {
	var gotAuth, gotContentType string
	var gotQuery map[string]string
	var gotBody speakV1Request

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/speak", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = map[string]string{
			"model":       r.URL.Query().Get("model"),
			"encoding":    r.URL.Query().Get("encoding"),
			"sample_rate": r.URL.Query().Get("sample_rate"),
		}
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, sonic.Unmarshal(body, &gotBody))
		_, _ = w.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	}))
	defer srv.Close()

	audio, err := newService(t, srv.URL).Synthesize(context.Background(), "Hi! How may I help you today?")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, audio)

	assert.Equal(t, "Token dg-test-key", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "aura-2-arcas-en", gotQuery["model"])
	assert.Equal(t, "mulaw", gotQuery["encoding"])
	assert.Equal(t, "8000", gotQuery["sample_rate"])
	assert.Equal(t, "Hi! How may I help you today?", gotBody.Text)
}

func TestSynthesizeMapsThrottlingToRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newService(t, srv.URL).Synthesize(context.Background(), "hello")
	require.ErrorIs(t, err, core.ErrRateLimited)
}

func TestSynthesizeSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newService(t, srv.URL).Synthesize(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "model not found")
}

func TestSynthesizeRejectsEmptyAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newService(t, srv.URL).Synthesize(context.Background(), "hello")
	require.Error(t, err)
}

func TestSynthesizeConnectionFailureIsUpstreamUnavailable(t *testing.T) {
	svc, err := NewDeepgramTTS(DeepgramTTSConfig{
		APIKey:         "dg-test-key",
		BaseURL:        "http://127.0.0.1:1",
		RequestTimeout: 200 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	_, err = svc.Synthesize(context.Background(), "hello")
	var up *core.UpstreamUnavailable
	require.ErrorAs(t, err, &up)
	assert.Equal(t, "synthesizer", up.Service)
}

func TestServiceRequiresAPIKey(t *testing.T) {
	_, err := NewDeepgramTTS(DeepgramTTSConfig{}, nil)
	require.Error(t, err)
}
