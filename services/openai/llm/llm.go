package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"voicegate/core"

	"github.com/sashabaranov/go-openai"
)

// Config holds the configuration for the OpenAI chat service
type Config struct {
	APIKey         string
	BaseURL        string // empty means the public API
	Model          string
	MaxTokens      int
	Temperature    float32
	RequestTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults. Set APIKey before use.
func DefaultConfig() Config {
	return Config{
		Model:          openai.GPT4oMini,
		MaxTokens:      256,
		Temperature:    0.7,
		RequestTimeout: 15 * time.Second,
	}
}

// OpenAILLMService runs chat completions against OpenAI. One instance is
// shared by all call sessions; requests are independent.
type OpenAILLMService struct {
	client *openai.Client
	config Config
	logger *core.Logger
}

// NewOpenAILLMService creates a new OpenAI chat service instance
func NewOpenAILLMService(config Config, logger *core.Logger) (*OpenAILLMService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	defaults := DefaultConfig()
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{
		client: newClient(config),
		config: config,
		logger: logger,
	}, nil
}

func newClient(config Config) *openai.Client {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// Complete sends the full ordered history and returns the assistant reply
// text. The request carries a bounded timeout; 429s are wrapped with
// core.ErrRateLimited, connection failures with core.UpstreamUnavailable.
func (s *OpenAILLMService) Complete(ctx context.Context, turns []core.ConversationTurn) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(reqCtx, openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    convertTurns(turns),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return "", classifyError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("completion returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

// convertTurns converts conversation turns to OpenAI messages
func convertTurns(turns []core.ConversationTurn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(turn.Role),
			Content: turn.Text,
		})
	}
	return messages
}

func convertRole(role core.TurnRole) string {
	switch role {
	case core.TurnRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.TurnRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("chat completion: %w: %v", core.ErrRateLimited, err)
		}
		return fmt.Errorf("chat completion: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &core.UpstreamUnavailable{Service: "llm", Err: err}
}
