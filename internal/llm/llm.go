// Package llm provides the completion and embedding backends used by the
// knowledge store. All providers are called over plain HTTP.
package llm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/knowledgepitt/server/internal/config"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	SystemPrompt string
	Model        string
	History      []Message
}

// Chunk is one piece of a streamed completion. A chunk with Err set is the
// last one sent on the channel.
type Chunk struct {
	Text string
	Err  error
}

type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	Stream(ctx context.Context, prompt string, opts Options) (<-chan Chunk, error)
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type APIError struct {
	Provider string
	Code     int
	Message  string
	Status   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: %s (status: %s, code: %d)", e.Provider, e.Message, e.Status, e.Code)
}

// NewCompleter returns the configured completion provider.
func NewCompleter(cfg config.LLMConfig) (Completer, error) {
	switch cfg.CompletionProvider {
	case "gemini", "":
		c := NewGeminiClient(cfg.Timeout)
		c.SetAPIKey(cfg.GeminiAPIKey)
		c.SetModel(cfg.GeminiModel)
		c.SetEmbeddingModel(cfg.EmbeddingModel)
		return c, nil
	case "groq":
		c := NewGroqClient(cfg.Timeout)
		c.SetAPIKey(cfg.GroqAPIKey)
		c.SetModel(cfg.GroqModel)
		return c, nil
	default:
		return nil, fmt.Errorf("unknown completion provider: %s", cfg.CompletionProvider)
	}
}

// Collect drains a stream into a single string.
func Collect(ch <-chan Chunk) (string, error) {
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return sb.String(), chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// readSSE calls fn with the payload of every "data:" line until the stream
// ends, fn returns false, or the payload is "[DONE]".
func readSSE(r io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return nil
		}
		if !fn([]byte(data)) {
			return nil
		}
	}
	return scanner.Err()
}

func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
