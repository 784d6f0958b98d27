package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

// AnthropicProvider implements the Provider interface for the Claude API.
type AnthropicProvider struct {
	config ProviderConfig
	client *anthropic.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	opts := []anthropic.ClientOption{
		anthropic.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
	}
	return &AnthropicProvider{
		config: cfg,
		client: anthropic.NewClient(cfg.APIKey, opts...),
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

// Chat sends a non-streaming chat request to Claude.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := p.client.CreateMessages(ctx, toAnthropicRequest(req))
	if err != nil {
		return nil, fmt.Errorf("create messages: %w", err)
	}

	out := &ChatResponse{
		ID:           resp.ID,
		Model:        string(resp.Model),
		FinishReason: string(resp.StopReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	var text []string
	for _, c := range resp.Content {
		switch c.Type {
		case anthropic.MessagesContentTypeText:
			text = append(text, c.GetText())
		case anthropic.MessagesContentTypeToolUse:
			if c.MessageContentToolUse == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   c.MessageContentToolUse.ID,
				Type: "function",
				Function: ToolCallFunction{
					Name:      c.MessageContentToolUse.Name,
					Arguments: string(c.MessageContentToolUse.Input),
				},
			})
		}
	}
	out.Content = strings.Join(text, "")
	if resp.StopReason == anthropic.MessagesStopReasonToolUse {
		out.FinishReason = "tool_calls"
	}
	return out, nil
}

// toAnthropicRequest folds system messages into the system prompt and groups
// consecutive tool results into one user message as the API requires.
func toAnthropicRequest(req *ChatRequest) anthropic.MessagesRequest {
	ar := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		ar.Temperature = &t
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			part := anthropic.NewToolResultMessageContent(m.ToolCallID, m.Content, false)
			if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == anthropic.RoleUser && isToolResult(ar.Messages[n-1]) {
				ar.Messages[n-1].Content = append(ar.Messages[n-1].Content, part)
				continue
			}
			ar.Messages = append(ar.Messages, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{part},
			})
		case RoleAssistant:
			msg := anthropic.Message{Role: anthropic.RoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropic.NewTextMessageContent(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				msg.Content = append(msg.Content, anthropic.NewToolUseMessageContent(tc.ID, tc.Function.Name, input))
			}
			ar.Messages = append(ar.Messages, msg)
		default:
			ar.Messages = append(ar.Messages, anthropic.NewUserTextMessage(m.Content))
		}
	}
	ar.System = strings.Join(system, "\n\n")

	// Tool definitions stay even when tools are off: a history holding
	// tool_use blocks is rejected without them.
	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropic.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if len(ar.Tools) > 0 {
		switch req.ToolChoice {
		case ToolChoiceNone:
			ar.ToolChoice = &anthropic.ToolChoice{Type: "none"}
		case ToolChoiceRequired:
			ar.ToolChoice = &anthropic.ToolChoice{Type: "any"}
		case ToolChoiceAuto:
			ar.ToolChoice = &anthropic.ToolChoice{Type: "auto"}
		}
	}
	return ar
}

func isToolResult(m anthropic.Message) bool {
	for _, c := range m.Content {
		if c.Type != anthropic.MessagesContentTypeToolResult {
			return false
		}
	}
	return len(m.Content) > 0
}

// HealthCheck verifies the provider is reachable with a one-token request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:     anthropic.ModelClaude3Haiku20240307,
		MaxTokens: 1,
		Messages:  []anthropic.Message{anthropic.NewUserTextMessage("ping")},
	})
	return err
}
