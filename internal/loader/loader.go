// Package loader converts documents on disk into plain-text units.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bull/offline-rag/internal/markdown"
)

// Format identifies a supported document format.
type Format string

const (
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatHTML     Format = "html"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ErrUnsupportedFormat is returned for files the loader cannot read.
var ErrUnsupportedFormat = errors.New("unsupported format")

// LoadError reports a corrupt or unreadable document.
type LoadError struct {
	Path   string
	Format Format
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Unit is a piece of extracted text with its position in the source.
type Unit struct {
	Text     string
	Location string // "page 3", "# Title > ## Section", or empty
}

var extensions = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
}

// DetectFormat returns the format for path. A non-empty hint wins over
// the file extension.
func DetectFormat(path string, hint Format) (Format, error) {
	if hint != "" {
		switch hint {
		case FormatText, FormatMarkdown, FormatHTML, FormatPDF, FormatDOCX:
			return hint, nil
		}
		return "", fmt.Errorf("%w: hint %q", ErrUnsupportedFormat, hint)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// Supported reports whether path has a recognised extension.
func Supported(path string) bool {
	_, err := DetectFormat(path, "")
	return err == nil
}

// SupportedExtensions lists recognised file extensions.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extensions))
	for ext := range extensions {
		out = append(out, ext)
	}
	return out
}

// Loader dispatches to a reader per format.
type Loader struct {
	sectioner *markdown.Sectioner
	logger    *slog.Logger
}

// New creates a loader.
func New(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		sectioner: markdown.NewSectioner(0),
		logger:    logger,
	}
}

// Load reads path and returns its normalised text units. Failures to
// read or parse are returned as *LoadError; unknown formats wrap
// ErrUnsupportedFormat. The source file is opened read-only.
func (l *Loader) Load(ctx context.Context, path string, hint Format) ([]Unit, Format, error) {
	format, err := DetectFormat(path, hint)
	if err != nil {
		return nil, "", err
	}
	if err := ctx.Err(); err != nil {
		return nil, format, err
	}

	units, err := l.read(path, format)
	if err != nil {
		return nil, format, &LoadError{Path: path, Format: format, Err: err}
	}

	out := units[:0]
	for _, u := range units {
		u.Text = Normalize(u.Text)
		if u.Text != "" {
			out = append(out, u)
		}
	}
	l.logger.Debug("Loaded document", "path", path, "format", format, "units", len(out))
	return out, format, nil
}

func (l *Loader) read(path string, format Format) (units []Unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panic: %v", r)
		}
	}()

	switch format {
	case FormatPDF:
		return readPDF(path)
	case FormatDOCX:
		return readDOCX(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatMarkdown:
		return l.readMarkdown(data)
	case FormatHTML:
		return readHTML(data)
	default:
		return readText(data)
	}
}

func (l *Loader) readMarkdown(data []byte) ([]Unit, error) {
	sections, err := l.sectioner.Sections(data)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, len(sections))
	for i, s := range sections {
		units[i] = Unit{Text: s.Text, Location: s.HeaderPath}
	}
	return units, nil
}
