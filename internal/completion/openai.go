package completion

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

var systemPrompts = map[string]string{
	ModeDiscovery: "You are a warm guide talking with a first-time visitor. Learn their name and what brought them here, " +
		"keep replies short, and ask one question at a time.",
	ModeCoach: "You are a thoughtful coach. Build on what the user has already shared and help them move toward a concrete next step.",
	modeRating: "Rate how reflective and personally meaningful the user's message is on a scale from 0 to 1. " +
		"Reply with the number only.",
}

// Options configures an OpenAIClient.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds each HTTP call. 0 leaves the client default.
	Timeout time.Duration
}

// OpenAIClient is a Client backed by an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client. BaseURL may point at any
// OpenAI-compatible endpoint.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("completion API key not set")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Timeout > 0 {
		cfg.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	slog.Info("Initializing completion client", "model", model, "base_url", cfg.BaseURL)
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Complete sends the request as a chat completion.
func (o *OpenAIClient) Complete(ctx context.Context, req Request) (Reply, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: buildMessages(req),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Reply{}, ErrEmptyReply
	}
	slog.Debug("Completion received", "mode", req.Mode, "finish_reason", resp.Choices[0].FinishReason,
		"tokens", resp.Usage.TotalTokens)
	return Reply{Text: resp.Choices[0].Message.Content, Tokens: resp.Usage.TotalTokens}, nil
}

func buildMessages(req Request) []openai.ChatCompletionMessage {
	system, ok := systemPrompts[req.Mode]
	if !ok {
		system = systemPrompts[ModeCoach]
	}
	msgs := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: system}}
	if req.Context != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.Context})
	}
	for _, h := range req.History {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: h})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
}
