// Package batch applies whole-corpus imports: parse a keyed JSON document,
// normalize each record, and write everything in bounded sequential chunks
// so one oversized import cannot produce one oversized transaction.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"

	"daoread/api/internal/store"
)

const DefaultMaxOps = 400

var (
	// ErrBadDocument marks an import rejected at parse time, before any
	// write.
	ErrBadDocument = errors.New("batch: bad import document")
	// ErrChunkFailed marks a chunk transaction failure. Chapters committed
	// by earlier chunks stay committed.
	ErrChunkFailed = errors.New("batch: chunk failed")
)

// Store is the write side the updater drives. Each call is one transaction.
type Store interface {
	BatchUpsertChapters(ctx context.Context, items []store.Chapter, merge bool) error
}

// Archiver keeps the raw import document. Failures are logged, never fatal.
type Archiver interface {
	ArchiveImport(ctx context.Context, name string, raw []byte) error
}

// Progress is reported after every committed chunk. Completed is cumulative.
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Chunks     int `json:"chunks"`
	ChunksDone int `json:"chunksDone"`
}

// ReportSamples lists up to ten chapter keys per missing field so an
// operator can spot-check the document before running it.
type ReportSamples struct {
	Title    []string `json:"title,omitempty"`
	Subtitle []string `json:"subtitle,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Lines    []string `json:"lines,omitempty"`
	Analysis []string `json:"analysis,omitempty"`
}

// Report summarizes an import document without writing anything.
// MissingAny counts records missing at least one field.
type Report struct {
	Total           int           `json:"total"`
	MissingTitle    int           `json:"missingTitle"`
	MissingSubtitle int           `json:"missingSubtitle"`
	MissingTags     int           `json:"missingTags"`
	MissingLines    int           `json:"missingLines"`
	MissingAnalysis int           `json:"missingAnalysis"`
	MissingAny      int           `json:"missingAny"`
	Samples         ReportSamples `json:"samples"`
	Malformed       int           `json:"malformed"`
	MalformedSample []string      `json:"malformedSample,omitempty"`
}

// Result is the outcome of one Run. On a chunk failure Completed counts the
// chapters already committed; those writes are kept.
type Result struct {
	Total      int  `json:"total"`
	Completed  int  `json:"completed"`
	Chunks     int  `json:"chunks"`
	ChunksDone int  `json:"chunksDone"`
	Merge      bool `json:"merge"`
}

type Updater struct {
	store   Store
	archive Archiver
	maxOps  int
}

func NewUpdater(s Store, archive Archiver, maxOps int) *Updater {
	if maxOps <= 0 {
		maxOps = DefaultMaxOps
	}
	return &Updater{store: s, archive: archive, maxOps: maxOps}
}

// Normalize turns one keyed record into a chapter. The key is authoritative
// for the chapter number; records under a non-numeric or non-positive key
// are rejected with a nil chapter.
func Normalize(key string, raw json.RawMessage) (*store.Chapter, error) {
	number, err := strconv.Atoi(key)
	if err != nil || number <= 0 {
		return nil, fmt.Errorf("batch: bad chapter key %q", key)
	}
	var chapter store.Chapter
	if err := json.Unmarshal(raw, &chapter); err != nil {
		return nil, fmt.Errorf("batch: chapter %q: %w", key, err)
	}
	chapter.Chapter = number
	return &chapter, nil
}

// Parse decodes a keyed import document into sorted chapters plus the keys
// that had to be dropped.
func Parse(raw []byte) ([]store.Chapter, []string, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadDocument, err)
	}

	chapters := make([]store.Chapter, 0, len(doc))
	var malformed []string
	for key, record := range doc {
		chapter, err := Normalize(key, record)
		if err != nil {
			malformed = append(malformed, key)
			continue
		}
		chapters = append(chapters, *chapter)
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Chapter < chapters[j].Chapter })
	sort.Strings(malformed)
	return chapters, malformed, nil
}

// Inspect parses the document and reports what it holds and what it lacks,
// without touching the store.
func (u *Updater) Inspect(raw []byte) (*Report, error) {
	chapters, malformed, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	report := &Report{Total: len(chapters), Malformed: len(malformed)}
	if len(malformed) > 10 {
		malformed = malformed[:10]
	}
	report.MalformedSample = malformed

	for _, chapter := range chapters {
		key := strconv.Itoa(chapter.Chapter)
		missing := false
		if chapter.Title == "" {
			report.MissingTitle++
			report.Samples.Title = appendSample(report.Samples.Title, key)
			missing = true
		}
		if chapter.Subtitle == "" {
			report.MissingSubtitle++
			report.Samples.Subtitle = appendSample(report.Samples.Subtitle, key)
			missing = true
		}
		if len(chapter.Tags) == 0 {
			report.MissingTags++
			report.Samples.Tags = appendSample(report.Samples.Tags, key)
			missing = true
		}
		if len(chapter.Lines) == 0 {
			report.MissingLines++
			report.Samples.Lines = appendSample(report.Samples.Lines, key)
			missing = true
		}
		if chapter.Analysis == nil {
			report.MissingAnalysis++
			report.Samples.Analysis = appendSample(report.Samples.Analysis, key)
			missing = true
		}
		if missing {
			report.MissingAny++
		}
	}
	return report, nil
}

func appendSample(samples []string, key string) []string {
	if len(samples) >= 10 {
		return samples
	}
	return append(samples, key)
}

// Run applies an import document to the store in order, one transactional
// chunk at a time. A failed chunk aborts the run; chapters committed by
// earlier chunks stay committed. The archive hook keeps the raw upload
// after a full success and never fails the run.
func (u *Updater) Run(ctx context.Context, name string, raw []byte, merge bool, onProgress func(Progress)) (*Result, error) {
	chapters, malformed, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if len(malformed) > 0 {
		log.Printf("batch: dropping %d malformed records: %v", len(malformed), malformed)
	}

	chunks := chunkChapters(chapters, u.maxOps)
	result := &Result{Total: len(chapters), Chunks: len(chunks), Merge: merge}

	for i, chunk := range chunks {
		if err := u.store.BatchUpsertChapters(ctx, chunk, merge); err != nil {
			return result, fmt.Errorf("%w: chunk %d/%d: %v", ErrChunkFailed, i+1, len(chunks), err)
		}
		result.Completed += len(chunk)
		result.ChunksDone = i + 1
		if onProgress != nil {
			onProgress(Progress{
				Completed:  result.Completed,
				Total:      result.Total,
				Chunks:     result.Chunks,
				ChunksDone: result.ChunksDone,
			})
		}
	}

	if u.archive != nil {
		if err := u.archive.ArchiveImport(ctx, name, raw); err != nil {
			log.Printf("batch: archive import %s: %v", name, err)
		}
	}
	return result, nil
}

func chunkChapters(chapters []store.Chapter, size int) [][]store.Chapter {
	var chunks [][]store.Chapter
	for start := 0; start < len(chapters); start += size {
		end := start + size
		if end > len(chapters) {
			end = len(chapters)
		}
		chunks = append(chunks, chapters[start:end])
	}
	return chunks
}
