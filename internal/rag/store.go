// Package rag stores document chunks with their embeddings and answers
// questions from them.
package rag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/db"
	"github.com/knowledgepitt/server/internal/llm"
)

const (
	ModeNaive  = "naive"
	ModeLocal  = "local"
	ModeGlobal = "global"
	ModeHybrid = "hybrid"
)

const defaultSystemPrompt = `You answer questions using only the provided context passages.
If the context does not contain the answer, say that you do not know.
Keep answers concise and cite passage numbers like [1] when you use them.`

var validModes = map[string]bool{
	ModeNaive:  true,
	ModeLocal:  true,
	ModeGlobal: true,
	ModeHybrid: true,
}

func ValidMode(mode string) bool {
	return validModes[mode]
}

type Store struct {
	docs      *db.DocumentOperations
	embedder  llm.Embedder
	completer llm.Completer
	cfg       config.RAGConfig
	logger    *slog.Logger
}

func NewStore(database *sql.DB, embedder llm.Embedder, completer llm.Completer, cfg config.RAGConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 300
	}
	if cfg.TopK < 1 {
		cfg.TopK = 8
	}
	if cfg.EmbedBatchSize < 1 {
		cfg.EmbedBatchSize = 32
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeHybrid
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &Store{
		docs:      db.NewDocumentOperations(database),
		embedder:  embedder,
		completer: completer,
		cfg:       cfg,
		logger:    logger.With("component", "rag"),
	}
}

// Ingest chunks, embeds and stores texts as one document and returns its
// tracking token. Every failure wraps core.ErrIngestion.
func (s *Store) Ingest(ctx context.Context, texts []string) (string, error) {
	var chunks []db.Chunk
	for _, text := range texts {
		for _, content := range splitWords(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap) {
			chunks = append(chunks, db.Chunk{
				ID:      chunkID(content),
				Seq:     len(chunks),
				Content: content,
				Tokens:  len(strings.Fields(content)),
			})
		}
	}
	if len(chunks) == 0 {
		return "", fmt.Errorf("%w: no content to ingest", core.ErrIngestion)
	}

	if err := s.embed(ctx, chunks); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIngestion, err)
	}

	doc := &db.Document{
		ID:          uuid.New().String(),
		Token:       uuid.New().String(),
		SourceCount: len(texts),
	}
	inserted, err := s.docs.SaveDocument(ctx, doc, chunks)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrIngestion, err)
	}

	s.logger.Info("document ingested", "document_id", doc.ID, "chunks", len(chunks), "new_chunks", inserted)
	return doc.Token, nil
}

func (s *Store) embed(ctx context.Context, chunks []db.Chunk) error {
	for start := 0; start < len(chunks); start += s.cfg.EmbedBatchSize {
		end := min(start+s.cfg.EmbedBatchSize, len(chunks))

		batch := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			batch = append(batch, c.Content)
		}

		vectors, err := s.embedder.Embed(ctx, batch)
		if err != nil {
			return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i, v := range vectors {
			chunks[start+i].Embedding = v
		}
	}
	return nil
}

// Query retrieves context for question and streams the answer. An empty mode
// uses the configured default. Every failure, including one reported
// mid-stream, wraps core.ErrQuery.
func (s *Store) Query(ctx context.Context, question, mode string) (<-chan llm.Chunk, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", core.ErrQuery)
	}
	if mode == "" {
		mode = s.cfg.DefaultMode
	}
	if !ValidMode(mode) {
		return nil, fmt.Errorf("%w: unknown mode %q", core.ErrQuery, mode)
	}

	passages, err := s.retrieve(ctx, question, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrQuery, err)
	}
	s.logger.Debug("context retrieved", "mode", mode, "passages", len(passages))

	upstream, err := s.completer.Stream(ctx, buildPrompt(question, passages), llm.Options{SystemPrompt: s.cfg.SystemPrompt})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrQuery, err)
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for chunk := range upstream {
			if chunk.Err != nil {
				chunk.Err = fmt.Errorf("%w: %w", core.ErrQuery, chunk.Err)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				// let the producer observe ctx and close upstream
				for range upstream {
				}
				return
			}
		}
	}()
	return out, nil
}

// Answer is the non-streaming form of Query.
func (s *Store) Answer(ctx context.Context, question, mode string) (string, error) {
	ch, err := s.Query(ctx, question, mode)
	if err != nil {
		return "", err
	}
	return llm.Collect(ch)
}

func (s *Store) Stats(ctx context.Context) (db.StoreStats, error) {
	return s.docs.Stats(ctx)
}

// Document looks up an ingestion by the token Ingest returned. A missing
// token yields sql.ErrNoRows.
func (s *Store) Document(ctx context.Context, token string) (*db.Document, error) {
	return s.docs.GetDocumentByToken(ctx, token)
}

// Documents lists ingestions newest first.
func (s *Store) Documents(ctx context.Context) ([]*db.Document, error) {
	return s.docs.ListDocuments(ctx)
}

func (s *Store) retrieve(ctx context.Context, question, mode string) ([]db.Chunk, error) {
	all, err := s.docs.ListChunks(ctx, "")
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	var ranked []scored
	switch mode {
	case ModeGlobal:
		ranked = rankByKeywords(all, question, s.cfg.TopK)
	default:
		vectors, err := s.embedder.Embed(ctx, []string{question})
		if err != nil {
			return nil, fmt.Errorf("failed to embed question: %w", err)
		}
		if len(vectors) == 0 {
			return nil, fmt.Errorf("embedder returned no vector for question")
		}
		byVector := rankByVector(all, vectors[0], s.cfg.TopK)

		switch mode {
		case ModeNaive:
			ranked = byVector
		case ModeLocal:
			ranked = withNeighbors(topK(byVector, (s.cfg.TopK+1)/2), all, s.cfg.TopK)
		case ModeHybrid:
			ranked = fuse(s.cfg.TopK, byVector, rankByKeywords(all, question, s.cfg.TopK))
		}
	}

	passages := make([]db.Chunk, len(ranked))
	for i, r := range ranked {
		passages[i] = r.chunk
	}
	return passages, nil
}

func buildPrompt(question string, passages []db.Chunk) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	if len(passages) == 0 {
		sb.WriteString("(no documents have been ingested yet)\n")
	}
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, p.Content)
	}
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}
