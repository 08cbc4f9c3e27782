package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GroqClient talks to Groq's OpenAI-compatible chat completions endpoint.
// Groq has no embedding endpoint, so it only implements Completer.
type GroqClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
	baseURL    string
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
		Delta   struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func NewGroqClient(timeout time.Duration) *GroqClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GroqClient{
		model:   "llama-3.1-8b-instant",
		baseURL: "https://api.groq.com/openai/v1",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *GroqClient) SetAPIKey(key string) {
	c.apiKey = key
}

func (c *GroqClient) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

func (c *GroqClient) SetBaseURL(url string) {
	if url != "" {
		c.baseURL = url
	}
}

func (c *GroqClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *GroqClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := c.post(ctx, c.buildRequest(prompt, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if chatResp.Error != nil {
		return "", &APIError{Provider: "groq", Message: chatResp.Error.Message, Status: chatResp.Error.Type}
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no response from groq")
	}
	return chatResp.Choices[0].Message.Content, nil
}

func (c *GroqClient) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.buildRequest(prompt, opts, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var streamErr error
		err := readSSE(resp.Body, func(data []byte) bool {
			var part chatResponse
			if err := json.Unmarshal(data, &part); err != nil {
				streamErr = fmt.Errorf("failed to parse stream chunk: %w", err)
				return false
			}
			if part.Error != nil {
				streamErr = &APIError{Provider: "groq", Message: part.Error.Message, Status: part.Error.Type}
				return false
			}
			if len(part.Choices) > 0 && part.Choices[0].Delta.Content != "" {
				return send(ctx, ch, Chunk{Text: part.Choices[0].Delta.Content})
			}
			return true
		})
		if streamErr == nil && err != nil {
			streamErr = fmt.Errorf("failed to read stream: %w", err)
		}
		if streamErr != nil {
			send(ctx, ch, Chunk{Err: streamErr})
		}
	}()

	return ch, nil
}

func (c *GroqClient) buildRequest(prompt string, opts Options, stream bool) *chatRequest {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}

	req := &chatRequest{Model: model, Temperature: 0.2, Stream: stream}
	if opts.SystemPrompt != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: opts.SystemPrompt})
	}
	req.Messages = append(req.Messages, opts.History...)
	req.Messages = append(req.Messages, Message{Role: "user", Content: prompt})
	return req
}

func (c *GroqClient) post(ctx context.Context, payload *chatRequest) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("groq api key not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		var errResp chatResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, &APIError{Provider: "groq", Code: resp.StatusCode, Message: errResp.Error.Message, Status: errResp.Error.Type}
		}
		return nil, &APIError{Provider: "groq", Code: resp.StatusCode, Message: string(respBody)}
	}

	return resp, nil
}
