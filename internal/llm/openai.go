package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient speaks the OpenAI-compatible chat-completions API, which
// covers hosted endpoints as well as local inference servers. The API key
// is optional: local endpoints commonly run without one.
type OpenAIClient struct {
	model   string
	baseURL string
	apiKey  string
	client  *http.Client
	// Streams are bounded by the caller's context, not a client timeout.
	streamClient *http.Client
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		model:        cfg.Model,
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: 35 * time.Second},
		streamClient: &http.Client{},
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.post(ctx, c.client, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("LLM response had no choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("LLM response was empty")
	}
	return content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, emit func(fragment string) error) (string, error) {
	resp, err := c.post(ctx, c.streamClient, req, true)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		fragment := chunk.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)
		if emit != nil {
			if err := emit(fragment); err != nil {
				return full.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), err
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", errors.New("LLM response was empty")
	}
	return full.String(), nil
}

func (c *OpenAIClient) post(ctx context.Context, client *http.Client, req Request, stream bool) (*http.Response, error) {
	if c.model == "" {
		return nil, errors.New("missing model for completion client")
	}
	payload := map[string]any{
		"model":       c.model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if stream {
		payload["stream"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("LLM request failed: %s", resp.Status)
	}
	return resp, nil
}
