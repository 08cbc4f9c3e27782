package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type DocumentOperations struct {
	db *sql.DB
}

func NewDocumentOperations(db *sql.DB) *DocumentOperations {
	return &DocumentOperations{db: db}
}

// SaveDocument stores the document and its chunks in one transaction. Chunks
// whose id already exists are skipped. It returns the number of chunks
// actually inserted and records that number on the document.
func (o *DocumentOperations) SaveDocument(ctx context.Context, d *Document, chunks []Chunk) (int, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, InsertDocument, d.ID, d.Token, d.SourceCount, 0); err != nil {
		return 0, fmt.Errorf("failed to create document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, InsertChunk)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range chunks {
		result, err := stmt.ExecContext(ctx, c.ID, d.ID, c.Seq, c.Content, c.Tokens, EncodeEmbedding(c.Embedding))
		if err != nil {
			return 0, fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if _, err := tx.ExecContext(ctx, UpdateDocumentChunkCount, inserted, d.ID); err != nil {
		return 0, fmt.Errorf("failed to update chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit document: %w", err)
	}
	d.ChunkCount = inserted
	return inserted, nil
}

func (o *DocumentOperations) GetDocumentByToken(ctx context.Context, token string) (*Document, error) {
	d := &Document{}
	err := o.db.QueryRowContext(ctx, GetDocumentByToken, token).Scan(
		&d.ID, &d.Token, &d.SourceCount, &d.ChunkCount, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

func (o *DocumentOperations) ListDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := o.db.QueryContext(ctx, ListDocuments)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		if err := rows.Scan(&d.ID, &d.Token, &d.SourceCount, &d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListChunks returns every stored chunk with its embedding. An empty
// documentID lists chunks of all documents.
func (o *DocumentOperations) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if documentID == "" {
		rows, err = o.db.QueryContext(ctx, ListChunks)
	} else {
		rows, err = o.db.QueryContext(ctx, ListChunksByDocument, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c    Chunk
			blob []byte
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Seq, &c.Content, &c.Tokens, &blob, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if c.Embedding, err = DecodeEmbedding(blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (o *DocumentOperations) Stats(ctx context.Context) (StoreStats, error) {
	var s StoreStats
	if err := o.db.QueryRowContext(ctx, CountDocuments).Scan(&s.Documents); err != nil {
		return s, fmt.Errorf("failed to count documents: %w", err)
	}
	if err := o.db.QueryRowContext(ctx, CountChunks).Scan(&s.Chunks); err != nil {
		return s, fmt.Errorf("failed to count chunks: %w", err)
	}
	return s, nil
}
