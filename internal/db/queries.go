package db

const (
	InsertDocument = `
		INSERT INTO documents (id, token, source_count, chunk_count)
		VALUES (?, ?, ?, ?)
	`

	GetDocumentByToken = `
		SELECT id, token, source_count, chunk_count, created_at
		FROM documents WHERE token = ?
	`

	ListDocuments = `
		SELECT id, token, source_count, chunk_count, created_at
		FROM documents ORDER BY created_at DESC, rowid DESC
	`

	UpdateDocumentChunkCount = `
		UPDATE documents SET chunk_count = ? WHERE id = ?
	`

	InsertChunk = `
		INSERT OR IGNORE INTO chunks (id, document_id, seq, content, tokens, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	ListChunks = `
		SELECT id, document_id, seq, content, tokens, embedding, created_at
		FROM chunks ORDER BY document_id, seq
	`

	ListChunksByDocument = `
		SELECT id, document_id, seq, content, tokens, embedding, created_at
		FROM chunks WHERE document_id = ? ORDER BY seq
	`

	CountDocuments = `SELECT COUNT(*) FROM documents`

	CountChunks = `SELECT COUNT(*) FROM chunks`
)
