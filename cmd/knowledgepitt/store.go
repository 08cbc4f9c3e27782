package main

import (
	"database/sql"
	"fmt"

	"github.com/knowledgepitt/server/internal/db"
	"github.com/knowledgepitt/server/internal/llm"
	"github.com/knowledgepitt/server/internal/rag"
)

// openStore opens the database and builds the knowledge store. Embeddings
// always come from Gemini; completions from the configured provider.
func (a *app) openStore() (*rag.Store, *sql.DB, error) {
	database, err := db.Open(a.cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	completer, err := llm.NewCompleter(a.cfg.LLM)
	if err != nil {
		database.Close()
		return nil, nil, err
	}

	embedder := llm.NewGeminiClient(a.cfg.LLM.Timeout)
	embedder.SetAPIKey(a.cfg.LLM.GeminiAPIKey)
	embedder.SetEmbeddingModel(a.cfg.LLM.EmbeddingModel)
	if !embedder.IsConfigured() {
		a.logger.Warn("GEMINI_API_KEY is not set, ingestion and vector queries will fail")
	}

	store := rag.NewStore(database, embedder, completer, a.cfg.RAG, a.logger)
	a.logger.Info("knowledge store ready", "path", a.cfg.Database.Path, "completion_provider", a.cfg.LLM.CompletionProvider)
	return store, database, nil
}

func closeDB(database *sql.DB) error {
	if err := database.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
