package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/knowledgepitt/server/internal/core"
	"github.com/knowledgepitt/server/internal/extract"
)

// JobQueue is the part of the worker pool the HTTP layer needs.
type JobQueue interface {
	Submit(sourceRef string) (core.Job, error)
	Get(id string) (core.Job, bool)
	List(status core.JobStatus) []core.Job
	Stats() core.QueueStats
}

type SubmitPathsRequest struct {
	Paths []string `json:"paths" binding:"required"`
}

type SubmittedJob struct {
	ID     string         `json:"id"`
	Status core.JobStatus `json:"status"`
}

type ListJobsQuery struct {
	Status string `form:"status"`
}

type JobHandler struct {
	queue          JobQueue
	uploadDir      string
	maxUploadBytes int64
}

func NewJobHandler(queue JobQueue, uploadDir string, maxUploadMB int64) *JobHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 50
	}
	return &JobHandler{
		queue:          queue,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadMB << 20,
	}
}

// CreateJobs accepts either a multipart upload with one or more files[]
// parts or a JSON body listing paths already on disk. One job is submitted
// per document.
func (h *JobHandler) CreateJobs(c *gin.Context) {
	var (
		sources  []string
		err      error
		uploaded = strings.HasPrefix(c.ContentType(), "multipart/")
	)
	if uploaded {
		sources, err = h.saveUploads(c)
	} else {
		sources, err = h.bindPaths(c)
	}
	if err != nil {
		c.JSON(submitStatus(err), gin.H{"error": err.Error()})
		return
	}

	jobs := make([]SubmittedJob, 0, len(sources))
	for i, src := range sources {
		job, err := h.queue.Submit(src)
		if err != nil {
			if uploaded {
				removeAll(sources[i:])
			}
			c.JSON(submitStatus(err), gin.H{"error": err.Error(), "submitted": jobs})
			return
		}
		jobs = append(jobs, SubmittedJob{ID: job.ID, Status: job.Status})
	}

	c.JSON(http.StatusAccepted, jobs)
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrPoolStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrSubmission):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func (h *JobHandler) bindPaths(c *gin.Context) ([]string, error) {
	var req SubmitPathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSubmission, err)
	}
	if len(req.Paths) == 0 {
		return nil, fmt.Errorf("%w: no paths given", core.ErrSubmission)
	}
	for _, p := range req.Paths {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("%w: empty path", core.ErrSubmission)
		}
		if !supportedFile(p) {
			return nil, fmt.Errorf("%w: unsupported file type: %s", core.ErrSubmission, filepath.Base(p))
		}
	}
	return req.Paths, nil
}

// saveUploads validates every part before writing any of them.
func (h *JobHandler) saveUploads(c *gin.Context) ([]string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	form, err := c.MultipartForm()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid upload: %v", core.ErrSubmission, err)
	}

	files := form.File["files[]"]
	if len(files) == 0 {
		files = form.File["files"]
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", core.ErrSubmission)
	}

	for _, f := range files {
		if !supportedFile(f.Filename) {
			return nil, fmt.Errorf("%w: unsupported file type: %s", core.ErrSubmission, f.Filename)
		}
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		dst := filepath.Join(h.uploadDir, uuid.New().String()+"_"+filepath.Base(f.Filename))
		if err := c.SaveUploadedFile(f, dst); err != nil {
			removeAll(paths)
			return nil, fmt.Errorf("failed to save %s: %w", f.Filename, err)
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

func supportedFile(name string) bool {
	return slices.Contains(extract.SupportedExtensions(), strings.ToLower(filepath.Ext(name)))
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.queue.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := core.JobStatus(query.Status)
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid status: %s", query.Status)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": h.queue.List(status)})
}

func (h *JobHandler) GetJobStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Stats())
}

func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", h.CreateJobs)
	r.GET("/jobs/stats", h.GetJobStats)
	r.GET("/jobs/:id", h.GetJob)
}
