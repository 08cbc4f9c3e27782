package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// PopplerConverter shells out to pdftotext. Each call runs in its own
// process, so several documents can be converted in parallel.
type PopplerConverter struct {
	binary string
}

func NewPopplerConverter(binary string) *PopplerConverter {
	if binary == "" {
		binary = "pdftotext"
	}
	return &PopplerConverter{binary: binary}
}

func (p *PopplerConverter) Name() string {
	return "poppler"
}

func (p *PopplerConverter) Supports(mimeType string) bool {
	return strings.ToLower(mimeType) == MimePDF
}

// Convert writes the text layer of every page to stdout. Page breaks become
// form feeds, which are replaced with blank lines.
func (p *PopplerConverter) Convert(ctx context.Context, path string) (string, error) {
	if _, err := exec.LookPath(p.binary); err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w (install poppler-utils)", p.binary, err)
	}

	// -layout: keep physical layout so tables stay readable
	// -enc UTF-8: force encoding regardless of locale
	// "-": write to stdout
	cmd := exec.CommandContext(ctx, p.binary, "-layout", "-enc", "UTF-8", path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("pdftotext failed: %w\nOutput: %s", err, strings.TrimSpace(stderr.String()))
	}

	return strings.ReplaceAll(stdout.String(), "\f", "\n\n"), nil
}
