// Package google adapts Google's Generative AI (Gemini) API to
// llmprovider.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentrt/agentrt/llmprovider"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// ChatModel implements llmprovider.ChatModel for Gemini. Chat returns a
// *SafetyFilterError unchanged when its client returns one; the default
// client never builds one, wrapping every API error (a safety block
// included) as a plain error, and convertResponse does not inspect block
// reasons.
type ChatModel struct {
	apiKey    string
	modelName string
	client    apiClient
}

type apiClient interface {
	generateContent(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSpec) (llmprovider.ChatOut, error)
}

// NewChatModel builds a ChatModel. An empty modelName defaults to
// gemini-2.5-flash.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
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
	out, err := m.client.generateContent(ctx, messages, tools)
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return llmprovider.ChatOut{}, safetyErr
		}
		return llmprovider.ChatOut{}, err
	}
	return out, nil
}

// SafetyFilterError reports that Gemini's safety filters blocked a
// response.
type SafetyFilterError struct {
	reason   string
	category string
}

func (e *SafetyFilterError) Error() string       { return "content blocked by safety filter: " + e.category }
func (e *SafetyFilterError) Category() string    { return e.category }
func (e *SafetyFilterError) Reason() string      { return e.reason }

type defaultClient struct {
	apiKey    string
	modelName string
}

func (c *defaultClient) generateContent(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolSpec) (llmprovider.ChatOut, error) {
	if c.apiKey == "" {
		return llmprovider.ChatOut{}, errors.New("google: API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return llmprovider.ChatOut{}, fmt.Errorf("google: failed to create client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(c.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	resp, err := genModel.GenerateContent(ctx, convertMessages(messages)...)
	if err != nil {
		return llmprovider.ChatOut{}, fmt.Errorf("google: API error: %w", err)
	}
	return convertResponse(resp), nil
}

func convertMessages(messages []llmprovider.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []llmprovider.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			if propMap, ok := val.(map[string]any); ok {
				ps := &genai.Schema{}
				if typeStr, ok := propMap["type"].(string); ok {
					ps.Type = convertTypeString(typeStr)
				}
				if desc, ok := propMap["description"].(string); ok {
					ps.Description = desc
				}
				properties[key] = ps
			}
		}
		result.Properties = properties
	}
	if required, ok := schema["required"].([]string); ok {
		result.Required = required
	}
	return result
}

func convertTypeString(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) llmprovider.ChatOut {
	out := llmprovider.ChatOut{}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, llmprovider.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out
}
