package llm

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

type fakeGeminiModels struct {
	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
	resp        *genai.GenerateContentResponse
	err         error
}

func (f *fakeGeminiModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel, f.gotContents, f.gotConfig = model, contents, cfg
	return f.resp, f.err
}

func (f *fakeGeminiModels) Get(_ context.Context, model string, _ *genai.GetModelConfig) (*genai.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &genai.Model{Name: model}, nil
}

func TestConvertToGemini(t *testing.T) {
	contents, system := convertToGemini([]Message{
		{Role: RoleSystem, Content: "Be brief."},
		{Role: RoleUser, Content: "two forecasts"},
		{Role: RoleAssistant, Content: "checking", ToolCalls: []ToolCall{
			{ID: "c1", Function: FunctionCall{Name: "get_forecast", Arguments: map[string]any{"city": "Boise"}}},
			{ID: "c2", Function: FunctionCall{Name: "get_forecast", Arguments: map[string]any{"city": "Reno"}}},
		}},
		{Role: RoleTool, Content: "Snow", ToolCallID: "c1", ToolName: "get_forecast"},
		{Role: RoleTool, Content: "Sun", ToolCallID: "c2", ToolName: "get_forecast"},
	})

	if system != "Be brief." {
		t.Errorf("system = %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("got %d contents, want 3", len(contents))
	}
	if contents[1].Role != genai.RoleModel || len(contents[1].Parts) != 3 {
		t.Errorf("model content = %+v", contents[1])
	}
	if fc := contents[1].Parts[1].FunctionCall; fc == nil || fc.Name != "get_forecast" || fc.Args["city"] != "Boise" {
		t.Errorf("function call part = %+v", contents[1].Parts[1])
	}
	responses := contents[2].Parts
	if contents[2].Role != genai.RoleUser || len(responses) != 2 {
		t.Fatalf("function responses = %+v", contents[2])
	}
	if fr := responses[1].FunctionResponse; fr == nil || fr.ID != "c2" || fr.Response["output"] != "Sun" {
		t.Errorf("second response = %+v", responses[1])
	}
}

func TestConvertToGemini_SkipsEmptyAssistant(t *testing.T) {
	contents, _ := convertToGemini([]Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant},
		{Role: RoleUser, Content: "still there?"},
	})

	if len(contents) != 2 {
		t.Fatalf("got %d contents, want 2: %+v", len(contents), contents)
	}
	for i, c := range contents {
		if len(c.Parts) == 0 {
			t.Errorf("contents[%d] has no parts", i)
		}
		if c.Role != genai.RoleUser {
			t.Errorf("contents[%d].Role = %q, want user", i, c.Role)
		}
	}
}

func TestGeminiClient_Chat(t *testing.T) {
	fake := &fakeGeminiModels{resp: &genai.GenerateContentResponse{
		ModelVersion: "gemini-test-001",
		Candidates: []*genai.Candidate{{
			FinishReason: genai.FinishReasonStop,
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
				{Text: "internal reasoning", Thought: true},
				{Text: "Calling echo."},
				{FunctionCall: &genai.FunctionCall{Name: "echo", Args: map[string]any{"text": "hi"}}},
			}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 11, CandidatesTokenCount: 4},
	}}
	c := &GeminiClient{models: fake, pingModel: "gemini-test", logger: testLogger()}

	tools := []map[string]any{{"type": "function", "function": map[string]any{
		"name":       "echo",
		"parameters": map[string]any{"type": "object"},
	}}}
	resp, err := c.Chat(t.Context(), "gemini-test", []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if fake.gotModel != "gemini-test" || fake.gotConfig.SystemInstruction == nil {
		t.Errorf("request model=%q config=%+v", fake.gotModel, fake.gotConfig)
	}
	if len(fake.gotConfig.Tools) != 1 || fake.gotConfig.Tools[0].FunctionDeclarations[0].Name != "echo" {
		t.Errorf("tools = %+v", fake.gotConfig.Tools)
	}
	if resp.Message.Content != "Calling echo." {
		t.Errorf("content = %q (thought parts must be dropped)", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["text"] != "hi" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Model != "gemini-test-001" || resp.InputTokens != 11 || resp.OutputTokens != 4 {
		t.Errorf("response meta = %+v", resp)
	}
}

func TestGeminiClient_NoCandidates(t *testing.T) {
	c := &GeminiClient{models: &fakeGeminiModels{resp: &genai.GenerateContentResponse{}}, logger: testLogger()}
	if _, err := c.Chat(t.Context(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil); err == nil {
		t.Error("expected an error for an empty response")
	}
}

func TestGeminiClient_Ping(t *testing.T) {
	c := &GeminiClient{models: &fakeGeminiModels{}, pingModel: "gemini-test", logger: testLogger()}
	if err := c.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	c.models = &fakeGeminiModels{err: errors.New("403")}
	if err := c.Ping(t.Context()); err == nil {
		t.Error("Ping should surface lookup failures")
	}
}
