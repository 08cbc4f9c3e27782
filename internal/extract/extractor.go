// Package extract turns uploaded documents into plain text.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/knowledgepitt/server/internal/config"
	"github.com/knowledgepitt/server/internal/core"
)

const (
	MimePDF      = "application/pdf"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
)

// Converter extracts text from one kind of document.
type Converter interface {
	Name() string
	Supports(mimeType string) bool
	Convert(ctx context.Context, path string) (string, error)
}

type Extractor struct {
	converters []Converter
	maxWorkers int
	logger     *slog.Logger
}

func New(cfg config.ExtractorConfig, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 4
	}
	return &Extractor{
		converters: []Converter{
			NewPopplerConverter(cfg.PDFToText),
			&TextConverter{},
		},
		maxWorkers: maxWorkers,
		logger:     logger.With("component", "extractor"),
	}
}

// Extract returns the text content of the document at sourceRef. Every
// failure wraps core.ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, sourceRef string) (string, error) {
	mimeType, err := DetectMimeType(sourceRef)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrExtraction, err)
	}

	conv, err := e.converterFor(mimeType)
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrExtraction, err)
	}

	e.logger.Debug("extracting", "source", sourceRef, "mime_type", mimeType, "converter", conv.Name())

	text, err := conv.Convert(ctx, sourceRef)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", core.ErrExtraction, conv.Name(), err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: no text found in %s", core.ErrExtraction, filepath.Base(sourceRef))
	}
	return text, nil
}

// ExtractAll extracts several documents in parallel and returns the texts
// that succeeded, in input order.
func (e *Extractor) ExtractAll(ctx context.Context, paths []string) []string {
	if len(paths) == 0 {
		return nil
	}

	workers := min(e.maxWorkers, len(paths), runtime.NumCPU())
	e.logger.Info("extracting documents", "count", len(paths), "workers", workers)

	results := make([]string, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			text, err := e.Extract(gctx, path)
			if err != nil {
				e.logger.Warn("extraction failed", "source", path, "err", err)
				return nil
			}
			results[i] = text
			return nil
		})
	}
	g.Wait()

	texts := make([]string, 0, len(results))
	for _, r := range results {
		if r != "" {
			texts = append(texts, r)
		}
	}
	e.logger.Info("extraction finished", "succeeded", len(texts), "total", len(paths))
	return texts
}

func (e *Extractor) converterFor(mimeType string) (Converter, error) {
	for _, c := range e.converters {
		if c.Supports(mimeType) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unsupported MIME type: %s", mimeType)
}

// DetectMimeType uses the file extension and falls back to sniffing the
// first 512 bytes.
func DetectMimeType(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return MimePDF, nil
	case ".txt", ".text":
		return MimeText, nil
	case ".md", ".markdown":
		return MimeMarkdown, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	mimeType := http.DetectContentType(buf[:n])
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = mimeType[:i]
	}
	return mimeType, nil
}

func SupportedExtensions() []string {
	return []string{".pdf", ".txt", ".text", ".md", ".markdown"}
}

// TextConverter reads UTF-8 text and markdown files as-is.
type TextConverter struct{}

func (t *TextConverter) Name() string { return "text" }

func (t *TextConverter) Supports(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	return mimeType == MimeText || mimeType == MimeMarkdown
}

func (t *TextConverter) Convert(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file is not valid UTF-8")
	}
	return string(data), nil
}
