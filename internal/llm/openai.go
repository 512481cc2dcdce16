package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint
// (OpenAI, Groq, a local gateway) through langchaingo.
type OpenAIClient struct {
	model  llms.Model
	name   string
	logger *slog.Logger
}

// NewOpenAIClient builds a client for the named model. baseURL may be
// empty for the default OpenAI endpoint.
func NewOpenAIClient(name, baseURL, apiKey string, logger *slog.Logger) (*OpenAIClient, error) {
	opts := []openai.Option{openai.WithModel(name)}
	if apiKey != "" {
		opts = append(opts, openai.WithToken(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing model client: %w", err)
	}

	return &OpenAIClient{model: model, name: name, logger: logger}, nil
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (*ChatResponse, error) {
	content := toLangChainMessages(messages)

	callOpts := []llms.CallOption{}
	if len(tools) > 0 {
		callOpts = append(callOpts, llms.WithTools(toLangChainTools(tools)))
	}

	c.logger.Debug("model call", "model", c.name, "messages", len(content), "tools", len(tools))

	resp, err := c.model.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        c.name,
		FinishReason: choice.StopReason,
		Message: Message{
			Role:    RoleAssistant,
			Content: choice.Content,
		},
	}

	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}

	if n, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		out.InputTokens = n
	}
	if n, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		out.OutputTokens = n
	}

	return out, nil
}

// toLangChainMessages converts neutral messages into langchaingo content.
func toLangChainMessages(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, m.Content))

		case RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))

		case RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if m.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextContent{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, mc)

		case RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{
					llms.ToolCallResponse{
						ToolCallID: m.ToolCallID,
						Name:       m.Name,
						Content:    m.Content,
					},
				},
			})
		}
	}
	return out
}

// toLangChainTools converts tool specs into langchaingo declarations.
func toLangChainTools(tools []ToolSpec) []llms.Tool {
	out := make([]llms.Tool, len(tools))
	for i, t := range tools {
		out[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}
