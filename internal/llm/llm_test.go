package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/knowledgepitt/server/internal/config"
)

func newGemini(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewGeminiClient(0)
	c.SetAPIKey("test-key")
	c.SetBaseURL(srv.URL)
	return c
}

func newGroq(t *testing.T, handler http.HandlerFunc) *GroqClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewGroqClient(0)
	c.SetAPIKey("test-key")
	c.SetBaseURL(srv.URL)
	return c
}

func TestGeminiComplete(t *testing.T) {
	var got geminiRequest
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-2.5-flash-lite:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("api key header missing")
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]}}]}`)
	})

	text, err := c.Complete(context.Background(), "hi", Options{
		SystemPrompt: "be brief",
		History:      []Message{{Role: "assistant", Content: "earlier"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system prompt not sent: %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 || got.Contents[0].Role != "model" || got.Contents[1].Role != "user" {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
}

func TestGeminiAPIError(t *testing.T) {
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)
	})

	_, err := c.Complete(context.Background(), "hi", Options{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 429 || apiErr.Status != "RESOURCE_EXHAUSTED" {
		t.Fatalf("unexpected error fields: %+v", apiErr)
	}
}

func TestGeminiRequiresAPIKey(t *testing.T) {
	c := NewGeminiClient(0)
	if c.IsConfigured() {
		t.Fatal("client without key reports configured")
	}
	if _, err := c.Complete(context.Background(), "hi", Options{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func TestGeminiStream(t *testing.T) {
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("stream request missing alt=sse")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"one ", "two ", "three"} {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", part)
			w.(http.Flusher).Flush()
		}
	})

	ch, err := c.Stream(context.Background(), "count", Options{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "one two three" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestGeminiStreamMalformedChunk(t *testing.T) {
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ok\"}]}}]}\n\ndata: {not json\n\n")
	})

	ch, err := c.Stream(context.Background(), "x", Options{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(ch)
	if err == nil {
		t.Fatal("expected error from malformed chunk")
	}
	if text != "ok" {
		t.Fatalf("text before error = %q, want ok", text)
	}
}

func TestGeminiEmbed(t *testing.T) {
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/text-embedding-004:batchEmbedContents") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Requests) != 2 || req.Requests[0].Model != "models/text-embedding-004" {
			t.Errorf("unexpected embed request: %+v", req)
		}
		// one extra vector is ignored
		io.WriteString(w, `{"embeddings":[{"values":[1,0]},{"values":[0,1]},{"values":[1,1]}]}`)
	})

	vecs, err := c.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][1] != 1 {
		t.Fatalf("unexpected vectors %v", vecs)
	}
}

func TestGeminiEmbedShortResponse(t *testing.T) {
	c := newGemini(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"embeddings":[{"values":[1,0]}]}`)
	})

	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for missing embeddings")
	}
}

func TestGroqComplete(t *testing.T) {
	var got chatRequest
	c := newGroq(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"answer"}}]}`)
	})

	text, err := c.Complete(context.Background(), "q", Options{SystemPrompt: "sys"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if text != "answer" {
		t.Fatalf("unexpected text %q", text)
	}
	if got.Model != "llama-3.1-8b-instant" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestGroqStream(t *testing.T) {
	c := newGroq(t, func(w http.ResponseWriter, r *http.Request) {
		for _, part := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		io.WriteString(w, "data: [DONE]\n\n")
	})

	ch, err := c.Stream(context.Background(), "q", Options{})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(ch)
	if err != nil || text != "abc" {
		t.Fatalf("Collect = %q, %v", text, err)
	}
}

func TestGroqHTTPError(t *testing.T) {
	c := newGroq(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	})

	_, err := c.Stream(context.Background(), "q", Options{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}

func TestNewCompleter(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{"gemini", "*llm.GeminiClient", false},
		{"groq", "*llm.GroqClient", false},
		{"openai", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			c, err := NewCompleter(config.LLMConfig{CompletionProvider: tt.provider})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCompleter failed: %v", err)
			}
			if got := fmt.Sprintf("%T", c); got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
