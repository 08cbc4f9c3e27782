package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/knowledgepitt/server/internal/archive"
)

type Archives interface {
	RunArchive(ctx context.Context) (*archive.ArchiveFile, error)
	ListArchives() ([]*archive.ArchiveFile, error)
	Path(filename string) (string, error)
	DeleteArchive(filename string) error
}

type ArchiveHandler struct {
	archiver Archives
}

func NewArchiveHandler(archiver Archives) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list archives"})
		return
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives: archives,
		Count:    len(archives),
	})
}

func (h *ArchiveHandler) CreateArchive(c *gin.Context) {
	file, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, file)
}

func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")

	path, err := h.archiver.Path(filename)
	if err != nil {
		archiveError(c, err)
		return
	}

	c.FileAttachment(path, filename)
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	if err := h.archiver.DeleteArchive(c.Param("filename")); err != nil {
		archiveError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

func archiveError(c *gin.Context, err error) {
	if errors.Is(err, archive.ErrArchiveNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives", h.CreateArchive)
	r.GET("/archives/:filename", h.DownloadArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)
}
