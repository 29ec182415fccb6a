// Package document stores uploaded files and turns them back into text.
package document

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/joshu-sajeev/parsemd/common"
)

// ErrUnsupportedFormat means no decoder exists for the file type. Retrying
// cannot help.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// SupportedExtensions lists the file types Decode understands.
var SupportedExtensions = []string{".pdf", ".txt", ".md"}

// Decoder resolves a payload handle into text.
type Decoder interface {
	Decode(ctx context.Context, handle string) (string, error)
}

// FileDecoder reads handles as local file paths. Plain text is read
// directly; PDFs go through pdftotext.
type FileDecoder struct {
	runner    Runner
	pdftotext string
}

func NewFileDecoder(runner Runner, pdftotext string) *FileDecoder {
	if pdftotext == "" {
		pdftotext = "pdftotext"
	}
	return &FileDecoder{runner: runner, pdftotext: pdftotext}
}

var _ Decoder = (*FileDecoder)(nil)

func (d *FileDecoder) Decode(ctx context.Context, handle string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(handle)); ext {
	case ".txt", ".md":
		b, err := os.ReadFile(handle)
		if err != nil {
			return "", fmt.Errorf("%w: read %s: %w", common.ErrPayloadUnreadable, handle, err)
		}
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrUnsupportedFormat, handle)
		}
		return string(b), nil
	case ".pdf":
		return d.pdfToText(ctx, handle)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func (d *FileDecoder) pdfToText(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrPayloadUnreadable, err)
	}

	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := d.runner.Run(ctx, d.pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("%w: pdftotext: %w: %s", common.ErrPayloadUnreadable, err, truncate(strings.TrimSpace(string(errb)), 512))
	}
	// pages are separated by form feeds
	return strings.ReplaceAll(string(out), "\f", "\n"), nil
}
