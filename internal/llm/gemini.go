package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// geminiModels is the part of *genai.Models the client uses.
type geminiModels interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	Get(ctx context.Context, model string, config *genai.GetModelConfig) (*genai.Model, error)
}

// GeminiClient talks to the Gemini API through the genai SDK.
type GeminiClient struct {
	models    geminiModels
	pingModel string
	logger    *slog.Logger
}

// NewGeminiClient creates a Gemini client. pingModel names the model
// Ping looks up.
func NewGeminiClient(ctx context.Context, apiKey, pingModel string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{
		models:    client.Models,
		pingModel: pingModel,
		logger:    logger.With("provider", "gemini"),
	}, nil
}

// Chat sends one GenerateContent request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	contents, system := convertToGemini(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if decls := convertToolsToGemini(tools); len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	c.logger.Debug("preparing request",
		"model", model,
		"contents", len(contents),
		"tools", len(tools),
	)

	resp, err := c.models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	result, err := convertFromGemini(resp)
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = model
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Message.Content)
	return result, nil
}

// Ping looks up the configured model, which checks the key and the
// endpoint together.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.models.Get(ctx, c.pingModel, nil); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

// convertToGemini maps messages to genai contents. System messages are
// joined into the system instruction; tool results travel as user-role
// function responses.
func convertToGemini(messages []Message) ([]*genai.Content, string) {
	var systemParts []string
	var out []*genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleUser:
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: msg.Content}}})

		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				content.Parts = append(content.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			// The API rejects contents without parts.
			if len(content.Parts) == 0 {
				continue
			}
			out = append(out, content)

		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.ToolName,
				Response: map[string]any{"output": msg.Content},
			}}
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}
	return out, strings.Join(systemParts, "\n\n")
}

func convertToolsToGemini(tools []map[string]any) []*genai.FunctionDeclaration {
	var decls []*genai.FunctionDeclaration
	for _, tool := range tools {
		fn, ok := tool["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		desc, _ := fn["description"].(string)
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          desc,
			ParametersJsonSchema: fn["parameters"],
		})
	}
	return decls
}

func convertFromGemini(resp *genai.GenerateContentResponse) (*ChatResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini returned no candidates")
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	var calls []ToolCall
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			calls = append(calls, ToolCall{
				ID:       p.FunctionCall.ID,
				Function: FunctionCall{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Args},
			})
		case p.Text != "" && !p.Thought:
			text.WriteString(p.Text)
		}
	}

	out := &ChatResponse{
		Model:      resp.ModelVersion,
		Message:    Message{Role: RoleAssistant, Content: text.String(), ToolCalls: calls},
		StopReason: string(cand.FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}
