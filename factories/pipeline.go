package factories

import (
	"fmt"

	"voicegate/core"
	"voicegate/dialogue"
	"voicegate/services/deepgram/stt"
	"voicegate/services/deepgram/tts"
	"voicegate/services/openai/llm"
	"voicegate/session"
	"voicegate/transcribe"
	"voicegate/workflow"
)

// PipelineBuilder holds the process-wide service singletons and produces the
// per-call pipeline stages. Built once at startup, injected into the
// gateway; sessions never reach for ambient global state.
type PipelineBuilder struct {
	settings   SettingsConfig
	recognizer *stt.DeepgramRecognizer
	llmService *llm.OpenAILLMService
	ttsService *tts.DeepgramTTS
	notifier   *workflow.Notifier
	logger     *core.Logger
}

// NewPipelineBuilder validates keys and constructs the shared clients.
func NewPipelineBuilder(settings SettingsConfig, keys APIKeys, logger *core.Logger) (*PipelineBuilder, error) {
	if logger == nil {
		logger = core.GetLogger()
	}
	settings.InjectAPIKeys(keys)

	recognizer, err := stt.NewDeepgramRecognizer(settings.STT, logger)
	if err != nil {
		return nil, fmt.Errorf("stt service: %w", err)
	}
	llmService, err := llm.NewOpenAILLMService(settings.llmConfig(keys), logger)
	if err != nil {
		return nil, fmt.Errorf("llm service: %w", err)
	}
	ttsService, err := tts.NewDeepgramTTS(settings.TTS, logger)
	if err != nil {
		return nil, fmt.Errorf("tts service: %w", err)
	}

	return &PipelineBuilder{
		settings:   settings,
		recognizer: recognizer,
		llmService: llmService,
		ttsService: ttsService,
		notifier:   workflow.NewNotifier(settings.workflowConfig(), logger),
		logger:     logger,
	}, nil
}

// BuildSessionDeps creates fresh per-call pipeline stages around the shared
// clients. Implements gateway.SessionBuilder.
func (b *PipelineBuilder) BuildSessionDeps(callID string) (session.Deps, error) {
	sessionLogger := b.logger.With(map[string]any{"call_sid": callID})
	return session.Deps{
		Transcriber: transcribe.NewSession(b.recognizer, b.settings.Transcribe, sessionLogger),
		Dialogue:    dialogue.NewEngine(b.llmService, b.settings.Session.SystemPrompt, sessionLogger),
		Synth:       b.ttsService,
		Notifier:    b.notifier,
	}, nil
}

// SessionConfig returns the per-session policy. Implements
// gateway.SessionBuilder.
func (b *PipelineBuilder) SessionConfig() session.Config {
	return b.settings.Session
}
