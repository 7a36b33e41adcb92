// Package export renders a chapter to a printable PDF.
package export

import "errors"

// Request selects what goes into the export.
type Request struct {
	Chapter         int
	Mode            string // "both", "han", "ko"
	IncludeAnalysis bool
	IncludeStory    bool
}

// Result contains the export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrChapterUnavailable indicates the chapter could not be loaded.
	ErrChapterUnavailable = errors.New("export chapter unavailable")
	// ErrPDFDependencyMissing indicates the headless browser is not installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
