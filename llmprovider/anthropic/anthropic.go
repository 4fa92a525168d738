// Package anthropic adapts Anthropic's Messages API to llmprovider.ChatModel.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/agentrt/agentrt/llmprovider"
)

// ChatModel implements llmprovider.ChatModel for Claude, extracting the
// system prompt into Anthropic's separate system parameter.
type ChatModel struct {
	apiKey    string
	modelName string
	client    apiClient
}

type apiClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []llmprovider.Message, tools []llmprovider.ToolSpec) (llmprovider.ChatOut, error)
}

// NewChatModel builds a ChatModel. An empty modelName defaults to the
// latest Sonnet release.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey, modelName: modelName},
	}
}

func (m *ChatModel) Name() string { return m.modelName }

func (m *ChatModel) Chat(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSpec) (llmprovider.ChatOut, error) {
	if ctx.Err() != nil {
		return llmprovider.ChatOut{}, ctx.Err()
	}
	systemPrompt, conv := extractSystemPrompt(messages)
	out, err := m.client.createMessage(ctx, systemPrompt, conv, tools)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return llmprovider.ChatOut{}, apiErr
		}
		return llmprovider.ChatOut{}, err
	}
	return out, nil
}

func extractSystemPrompt(messages []llmprovider.Message) (string, []llmprovider.Message) {
	var systemPrompt string
	var conv []llmprovider.Message
	for _, msg := range messages {
		if msg.Role == llmprovider.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conv = append(conv, msg)
	}
	return systemPrompt, conv
}

type apiError struct {
	Type    string
	Message string
}

func (e *apiError) Error() string { return e.Type + ": " + e.Message }

type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) createMessage(ctx context.Context, systemPrompt string, messages []llmprovider.Message, tools []llmprovider.ToolSpec) (llmprovider.ChatOut, error) {
	if c.apiKey == "" {
		return llmprovider.ChatOut{}, errors.New("anthropic: API key is required")
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(c.modelName),
		Messages:  convertMessages(messages),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return llmprovider.ChatOut{}, fmt.Errorf("anthropic: API error: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []llmprovider.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case llmprovider.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func convertTools(tools []llmprovider.ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var properties any
		var required []string
		if tool.Schema != nil {
			if props, ok := tool.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := tool.Schema["required"].([]string); ok {
				required = req
			}
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        tool.Name,
				Description: anthropicsdk.String(tool.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return result
}

func convertResponse(resp *anthropicsdk.Message) llmprovider.ChatOut {
	out := llmprovider.ChatOut{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, llmprovider.ToolCall{
				Name:  b.Name,
				Input: convertToolInput(b.Input),
			})
		}
	}
	return out
}

func convertToolInput(input any) map[string]any {
	switch t := input.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	case json.RawMessage:
		var m map[string]any
		if err := json.Unmarshal(t, &m); err == nil {
			return m
		}
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(t, &m); err == nil {
			return m
		}
	}
	return map[string]any{"_raw": input}
}
