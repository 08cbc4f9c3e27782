package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/db"
)

// Documents exposes stored ingestions by their tracking token.
type Documents interface {
	Document(ctx context.Context, token string) (*db.Document, error)
	Documents(ctx context.Context) ([]*db.Document, error)
}

type DocumentHandler struct {
	docs Documents
}

func NewDocumentHandler(docs Documents) *DocumentHandler {
	return &DocumentHandler{docs: docs}
}

type DocumentListResponse struct {
	Documents []*db.Document `json:"documents"`
	Count     int            `json:"count"`
}

func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	docs, err := h.docs.Documents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list documents"})
		return
	}
	if docs == nil {
		docs = []*db.Document{}
	}

	c.JSON(http.StatusOK, DocumentListResponse{
		Documents: docs,
		Count:     len(docs),
	})
}

func (h *DocumentHandler) GetDocument(c *gin.Context) {
	doc, err := h.docs.Document(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *DocumentHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/documents", h.ListDocuments)
	r.GET("/documents/:token", h.GetDocument)
}
