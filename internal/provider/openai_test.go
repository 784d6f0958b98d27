package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestOpenAIProviderToolCalls(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "cmpl-1",
			"model": "gpt-4o",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "search", "arguments": "{\"query\":\"weather\"}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "sk-test"}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "what's the weather"}},
		Tools: []Tool{{
			Type:     "function",
			Function: ToolFunction{Name: "search", Description: "web search", Parameters: map[string]interface{}{"type": "object"}},
		}},
		ToolChoice: "auto",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.ToolCalls))
	}
	if resp.ToolCalls[0].Function.Name != "search" {
		t.Errorf("got tool %q, want search", resp.ToolCalls[0].Function.Name)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish reason %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens %d, want 15", resp.Usage.TotalTokens)
	}
	if got["model"] != "gpt-4o" {
		t.Errorf("request model %v", got["model"])
	}
	if tools, _ := got["tools"].([]interface{}); len(tools) != 1 {
		t.Errorf("request carried %d tools, want 1", len(tools))
	}
}

func TestOpenAIProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oa", Endpoint: srv.URL, APIKey: "k"}, zap.NewNop())
	if _, err := p.Chat(context.Background(), &ChatRequest{Model: "m"}); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestToAnthropicRequestGroupsToolResults(t *testing.T) {
	req := toAnthropicRequest(&ChatRequest{
		Model: "claude",
		Messages: []Message{
			{Role: RoleSystem, Content: "be nice"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "a", Function: ToolCallFunction{Name: "x", Arguments: `{}`}},
				{ID: "b", Function: ToolCallFunction{Name: "y"}},
			}},
			{Role: RoleTool, ToolCallID: "a", Content: "1"},
			{Role: RoleTool, ToolCallID: "b", Content: "2"},
		},
	})
	if req.System != "be nice" {
		t.Errorf("system = %q", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(req.Messages))
	}
	if n := len(req.Messages[2].Content); n != 2 {
		t.Errorf("tool results grouped into %d parts, want 2", n)
	}
	if req.MaxTokens != 4096 {
		t.Errorf("max tokens %d", req.MaxTokens)
	}
}

func TestToAnthropicRequestToolChoiceNoneKeepsTools(t *testing.T) {
	req := toAnthropicRequest(&ChatRequest{
		Model: "claude",
		Messages: []Message{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Function: ToolCallFunction{Name: "search", Arguments: `{"query":"x"}`}}}},
			{Role: RoleTool, ToolCallID: "a", Content: `{"results":[]}`},
			{Role: RoleSystem, Content: "answer now"},
		},
		Tools:      []Tool{FunctionTool("search", "web search", map[string]interface{}{"type": "object"})},
		ToolChoice: ToolChoiceNone,
	})
	if len(req.Tools) != 1 {
		t.Fatalf("got %d tool definitions, want 1", len(req.Tools))
	}
	if req.ToolChoice == nil || req.ToolChoice.Type != "none" {
		t.Errorf("tool choice = %+v, want none", req.ToolChoice)
	}
	if !strings.Contains(req.System, "answer now") {
		t.Errorf("system = %q", req.System)
	}

	for choice, want := range map[string]string{ToolChoiceAuto: "auto", ToolChoiceRequired: "any"} {
		r := toAnthropicRequest(&ChatRequest{Tools: []Tool{FunctionTool("x", "", nil)}, ToolChoice: choice})
		if r.ToolChoice == nil || r.ToolChoice.Type != want {
			t.Errorf("%s: tool choice = %+v, want %s", choice, r.ToolChoice, want)
		}
	}
	if r := toAnthropicRequest(&ChatRequest{ToolChoice: ToolChoiceNone}); r.ToolChoice != nil {
		t.Error("tool choice set without tools")
	}
}
