package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewOpenAIClient_Defaults(t *testing.T) {
	client := NewOpenAIClient(Config{Model: "small-model"})
	if client.baseURL != "https://api.openai.com/v1" {
		t.Errorf("expected default baseURL, got %s", client.baseURL)
	}
	if client.client == nil || client.streamClient == nil {
		t.Error("expected http clients to be initialized")
	}
}

func TestNewOpenAIClient_TrimTrailingSlash(t *testing.T) {
	client := NewOpenAIClient(Config{Model: "m", BaseURL: "http://llm.example.test/v1/"})
	if client.baseURL != "http://llm.example.test/v1" {
		t.Errorf("expected baseURL to have trailing slash trimmed, got %s", client.baseURL)
	}
}

func TestComplete_MissingModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be called when model is missing")
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{BaseURL: server.URL})
	_, err := client.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error for missing model, got nil")
	}
	if err.Error() != "missing model for completion client" {
		t.Errorf("expected specific error message, got: %s", err.Error())
	}
}

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path '/chat/completions', got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected Authorization header 'Bearer test-key', got %s", auth)
		}

		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("invalid request body: %v", err)
		}
		if payload["model"] != "small-model" {
			t.Errorf("expected model 'small-model', got %v", payload["model"])
		}
		if payload["temperature"] != float64(0) {
			t.Errorf("expected temperature 0, got %v", payload["temperature"])
		}
		if payload["max_tokens"] != float64(500) {
			t.Errorf("expected max_tokens 500, got %v", payload["max_tokens"])
		}
		if _, ok := payload["stream"]; ok {
			t.Error("non-streaming request must not set stream")
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  the answer  "}},
			},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "small-model", BaseURL: server.URL, APIKey: "test-key"})
	got, err := client.Complete(context.Background(), Request{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 500,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "the answer" {
		t.Errorf("expected trimmed content, got %q", got)
	}
}

func TestComplete_NoAuthHeaderWithoutKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %s", auth)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestComplete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error for HTTP 502, got nil")
	}
	if !strings.HasPrefix(err.Error(), "LLM request failed:") {
		t.Errorf("expected request failure error, got: %s", err.Error())
	}
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), Request{})
	if err == nil || err.Error() != "LLM response had no choices" {
		t.Errorf("expected no-choices error, got: %v", err)
	}
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"content": "   "}}},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	_, err := client.Complete(context.Background(), Request{})
	if err == nil || err.Error() != "LLM response was empty" {
		t.Errorf("expected empty-response error, got: %v", err)
	}
}

func streamChunk(content string) string {
	chunk := map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]any{"content": content}},
		},
	}
	data, _ := json.Marshal(chunk)
	return fmt.Sprintf("data: %s\n\n", data)
}

func TestStream_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		if payload["stream"] != true {
			t.Errorf("expected stream true, got %v", payload["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, streamChunk("Mars "))
		fmt.Fprint(w, streamChunk("is far"))
		fmt.Fprint(w, streamChunk("."))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "answer-model", BaseURL: server.URL})
	var fragments []string
	full, err := client.Stream(context.Background(), Request{MaxTokens: 2500}, func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != "Mars is far." {
		t.Errorf("expected full text 'Mars is far.', got %q", full)
	}
	if len(fragments) != 3 {
		t.Fatalf("expected 3 fragments, got %d: %v", len(fragments), fragments)
	}
	if strings.Join(fragments, "") != full {
		t.Errorf("fragments %v do not join to full text %q", fragments, full)
	}
}

func TestStream_EmitErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, streamChunk("one"))
		fmt.Fprint(w, streamChunk("two"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	calls := 0
	_, err := client.Stream(context.Background(), Request{}, func(fragment string) error {
		calls++
		return fmt.Errorf("consumer gone")
	})
	if err == nil || err.Error() != "consumer gone" {
		t.Fatalf("expected consumer error, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected emit to be called once before abort, got %d", calls)
	}
}

func TestStream_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	_, err := client.Stream(context.Background(), Request{}, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "LLM request failed:") {
		t.Errorf("expected request failure error, got: %v", err)
	}
}

func TestStream_EmptyStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := NewOpenAIClient(Config{Model: "m", BaseURL: server.URL})
	_, err := client.Stream(context.Background(), Request{}, nil)
	if err == nil || err.Error() != "LLM response was empty" {
		t.Errorf("expected empty-response error, got: %v", err)
	}
}
