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

type GeminiClient struct {
	apiKey         string
	model          string
	embeddingModel string
	httpClient     *http.Client
	baseURL        string
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *geminiAPIError `json:"error,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type embedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type embedContentRequest struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type embedResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
	Error *geminiAPIError `json:"error,omitempty"`
}

func NewGeminiClient(timeout time.Duration) *GeminiClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		model:          "gemini-2.5-flash-lite",
		embeddingModel: "text-embedding-004",
		baseURL:        "https://generativelanguage.googleapis.com/v1beta",
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *GeminiClient) SetAPIKey(key string) {
	c.apiKey = key
}

func (c *GeminiClient) SetModel(model string) {
	if model != "" {
		c.model = model
	}
}

func (c *GeminiClient) SetEmbeddingModel(model string) {
	if model != "" {
		c.embeddingModel = model
	}
}

func (c *GeminiClient) SetBaseURL(url string) {
	if url != "" {
		c.baseURL = url
	}
}

func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != ""
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	resp, err := c.post(ctx, c.modelFor(opts), "generateContent", "", c.buildRequest(prompt, opts))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if geminiResp.Error != nil {
		return "", geminiResp.Error.toAPIError()
	}

	text := geminiResp.text()
	if text == "" {
		return "", fmt.Errorf("no response from gemini")
	}
	return text, nil
}

func (c *GeminiClient) Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error) {
	resp, err := c.post(ctx, c.modelFor(opts), "streamGenerateContent", "alt=sse", c.buildRequest(prompt, opts))
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var streamErr error
		err := readSSE(resp.Body, func(data []byte) bool {
			var part geminiResponse
			if err := json.Unmarshal(data, &part); err != nil {
				streamErr = fmt.Errorf("failed to parse stream chunk: %w", err)
				return false
			}
			if part.Error != nil {
				streamErr = part.Error.toAPIError()
				return false
			}
			if text := part.text(); text != "" {
				return send(ctx, ch, Chunk{Text: text})
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

// Embed returns one vector per input text.
func (c *GeminiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	model := "models/" + c.embeddingModel
	req := embedRequest{Requests: make([]embedContentRequest, len(texts))}
	for i, text := range texts {
		req.Requests[i] = embedContentRequest{
			Model:   model,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		}
	}

	resp, err := c.post(ctx, c.embeddingModel, "batchEmbedContents", "", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var embResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if embResp.Error != nil {
		return nil, embResp.Error.toAPIError()
	}
	if len(embResp.Embeddings) < len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embResp.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = embResp.Embeddings[i].Values
	}
	return vectors, nil
}

func (c *GeminiClient) modelFor(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

func (c *GeminiClient) buildRequest(prompt string, opts Options) *geminiRequest {
	req := &geminiRequest{
		GenerationConfig: &generationConfig{Temperature: 0.2},
	}

	if opts.SystemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: opts.SystemPrompt}}}
	}

	for _, m := range opts.History {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	req.Contents = append(req.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: prompt}}})

	return req
}

// post sends the request and returns the response when the status is 2xx.
// The caller owns the body.
func (c *GeminiClient) post(ctx context.Context, model, method, query string, payload any) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", c.baseURL, model, method)
	if query != "" {
		url += "?" + query
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var errResp geminiResponse
		respBody, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, errResp.Error.toAPIError()
		}
		return nil, &APIError{Provider: "gemini", Code: resp.StatusCode, Message: string(respBody)}
	}

	return resp, nil
}

func (r *geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var buf bytes.Buffer
	for _, p := range r.Candidates[0].Content.Parts {
		buf.WriteString(p.Text)
	}
	return buf.String()
}

func (e *geminiAPIError) toAPIError() *APIError {
	return &APIError{Provider: "gemini", Code: e.Code, Message: e.Message, Status: e.Status}
}
