package factories

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsCoverEverySection(t *testing.T) {
	cfg := DefaultSettingsConfig()

	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "/twiml", cfg.Gateway.WebhookPath)
	assert.Equal(t, "/media-stream", cfg.Gateway.StreamPath)
	assert.NotEmpty(t, cfg.Session.SystemPrompt)
	assert.NotEmpty(t, cfg.Session.ApologyText)
	assert.Equal(t, 16000, cfg.Transcribe.TargetSampleRate)
	assert.Equal(t, "nova-2", cfg.STT.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "mulaw", cfg.TTS.Encoding)
	assert.Equal(t, 8000, cfg.TTS.SampleRate)
	assert.Empty(t, cfg.WorkflowURL)
}

func TestSettingsFromJSONOverlayDefaults(t *testing.T) {
	cfg, err := SettingsConfigFromJSON([]byte(`{
		"gateway": {"port": 9000, "greeting": "Welcome to Acme."},
		"llm": {"model": "gpt-4o", "max_tokens": 128},
		"workflow_url": "https://hooks.example.com/exchange"
	}`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "Welcome to Acme.", cfg.Gateway.Greeting)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 128, cfg.LLM.MaxTokens)
	assert.Equal(t, "https://hooks.example.com/exchange", cfg.WorkflowURL)

	// Untouched sections keep their defaults.
	assert.Equal(t, "/twiml", cfg.Gateway.WebhookPath)
	assert.Equal(t, "nova-2", cfg.STT.Model)
}

func TestSettingsFromJSONRejectsGarbage(t *testing.T) {
	_, err := SettingsConfigFromJSON([]byte(`{"gateway": [1,2,3]}`))
	require.Error(t, err)
}

func TestSettingsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"port": 9999}}`), 0o600))

	cfg, err := SettingsConfigFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Gateway.Port)

	_, err = SettingsConfigFromFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestInjectAPIKeysReachesVendorSections(t *testing.T) {
	cfg := DefaultSettingsConfig()
	cfg.InjectAPIKeys(APIKeys{Deepgram: "dg-key", OpenAI: "sk-key"})

	assert.Equal(t, "dg-key", cfg.STT.APIKey)
	assert.Equal(t, "dg-key", cfg.TTS.APIKey)

	llmCfg := cfg.llmConfig(APIKeys{OpenAI: "sk-key"})
	assert.Equal(t, "sk-key", llmCfg.APIKey)
	assert.Equal(t, cfg.LLM.Model, llmCfg.Model)
}

func TestPipelineBuilderRequiresKeys(t *testing.T) {
	_, err := NewPipelineBuilder(DefaultSettingsConfig(), APIKeys{}, nil)
	require.Error(t, err)

	_, err = NewPipelineBuilder(DefaultSettingsConfig(), APIKeys{Deepgram: "dg-key"}, nil)
	require.Error(t, err)

	b, err := NewPipelineBuilder(DefaultSettingsConfig(), APIKeys{Deepgram: "dg-key", OpenAI: "sk-key"}, nil)
	require.NoError(t, err)

	deps, err := b.BuildSessionDeps("CA123")
	require.NoError(t, err)
	assert.NotNil(t, deps.Transcriber)
	assert.NotNil(t, deps.Dialogue)
	assert.NotNil(t, deps.Synth)
	assert.NotNil(t, deps.Notifier)
}
