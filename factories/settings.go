package factories

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"voicegate/gateway"
	"voicegate/services/deepgram/stt"
	"voicegate/services/deepgram/tts"
	"voicegate/services/openai/llm"
	"voicegate/session"
	"voicegate/transcribe"
	"voicegate/workflow"
)

// APIKeys carries vendor credentials loaded from the environment.
// Kept out of SettingsConfig so settings.json can be committed.
type APIKeys struct {
	Deepgram string
	OpenAI   string
}

// SettingsConfig is the top-level config loaded from settings.json. Every
// section has defaults; only the keys need to come from the environment.
type SettingsConfig struct {
	Gateway    gateway.Config        `json:"gateway"`
	Session    session.Config        `json:"session"`
	Transcribe transcribe.Config     `json:"transcribe"`
	STT        stt.DeepgramConfig    `json:"stt"`
	LLM        LLMSettings           `json:"llm"`
	TTS        tts.DeepgramTTSConfig `json:"tts"`
	// WorkflowURL, when set, receives one POST per completed exchange.
	WorkflowURL string `json:"workflow_url,omitempty"`
}

// LLMSettings mirrors llm.Config with JSON tags for settings.json.
type LLMSettings struct {
	Model          string  `json:"model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float32 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// DefaultSettingsConfig returns settings with every section defaulted.
func DefaultSettingsConfig() SettingsConfig {
	llmDefaults := llm.DefaultConfig()
	return SettingsConfig{
		Gateway:    gateway.DefaultConfig(),
		Session:    session.DefaultConfig(),
		Transcribe: transcribe.DefaultConfig(),
		STT:        stt.DefaultConfig(),
		LLM: LLMSettings{
			Model:          llmDefaults.Model,
			MaxTokens:      llmDefaults.MaxTokens,
			Temperature:    llmDefaults.Temperature,
			TimeoutSeconds: int(llmDefaults.RequestTimeout / time.Second),
		},
		TTS: tts.DefaultConfig(),
	}
}

// SettingsConfigFromJSON parses settings over the defaults.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("parse settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromFile loads settings.json from disk.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SettingsConfig{}, fmt.Errorf("read settings: %w", err)
	}
	return SettingsConfigFromJSON(data)
}

// InjectAPIKeys copies credentials into the vendor config sections.
func (c *SettingsConfig) InjectAPIKeys(keys APIKeys) {
	c.STT.APIKey = keys.Deepgram
	c.TTS.APIKey = keys.Deepgram
}

func (c *SettingsConfig) llmConfig(keys APIKeys) llm.Config {
	return llm.Config{
		APIKey:         keys.OpenAI,
		Model:          c.LLM.Model,
		MaxTokens:      c.LLM.MaxTokens,
		Temperature:    c.LLM.Temperature,
		RequestTimeout: time.Duration(c.LLM.TimeoutSeconds) * time.Second,
	}
}

// workflowConfig builds the notifier config; empty URL disables delivery.
func (c *SettingsConfig) workflowConfig() workflow.Config {
	return workflow.Config{URL: c.WorkflowURL}
}
