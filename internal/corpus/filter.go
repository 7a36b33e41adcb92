package corpus

import (
	"context"
	"log"
	"strings"

	"daoread/api/internal/store"
)

// Mode picks which chapter filter applies before the text query.
type Mode string

const (
	ModeRange Mode = "range"
	ModeTag   Mode = "tag"
)

// Input is one reader-view request: filter mode, its parameters, the free
// text query, and an optional explicit chapter selection.
type Input struct {
	Mode  Mode
	Start int
	End   int
	Tags  []string
	Query string

	// Select names a chapter to open. Zero means restore the last viewed
	// chapter if it survives the filter, else the first match.
	Select int
}

// View is the computed reader state for one input.
type View struct {
	Chapters []store.Chapter `json:"chapters"`
	Selected *store.Chapter  `json:"selected,omitempty"`
	Index    int             `json:"index"`
	Prev     *store.Chapter  `json:"prev,omitempty"`
	Next     *store.Chapter  `json:"next,omitempty"`
	Total    int             `json:"total"`
}

// Prefs persists the per-subject last viewed chapter. Failures here are
// logged and never fail the view.
type Prefs interface {
	LastChapter(ctx context.Context, subjectID string) (int, bool, error)
	SetLastChapter(ctx context.Context, subjectID string, chapter int) error
}

// Engine computes reader views over a corpus snapshot.
type Engine struct {
	prefs Prefs
}

func NewEngine(prefs Prefs) *Engine {
	return &Engine{prefs: prefs}
}

// View filters the corpus by mode, narrows by the text query, then resolves
// the selection. Filters compose: the query only searches within the chapters
// the mode filter kept.
func (e *Engine) View(ctx context.Context, subjectID string, corpus []store.Chapter, in Input) View {
	filtered := filterByMode(corpus, in)

	query := strings.ToLower(strings.TrimSpace(in.Query))
	if query != "" {
		narrowed := make([]store.Chapter, 0, len(filtered))
		for _, chapter := range filtered {
			if strings.Contains(searchBlob(chapter), query) {
				narrowed = append(narrowed, chapter)
			}
		}
		filtered = narrowed
	}

	view := View{Chapters: filtered, Index: -1, Total: len(filtered)}
	if len(filtered) == 0 {
		return view
	}

	index := e.resolveSelection(ctx, subjectID, filtered, in.Select)
	view.Index = index
	view.Selected = &filtered[index]
	if index > 0 {
		view.Prev = &filtered[index-1]
	}
	if index < len(filtered)-1 {
		view.Next = &filtered[index+1]
	}

	if e.prefs != nil {
		if err := e.prefs.SetLastChapter(ctx, subjectID, filtered[index].Chapter); err != nil {
			log.Printf("corpus: persist last chapter: %v", err)
		}
	}
	return view
}

// resolveSelection picks an index into filtered: the explicit selection when
// it survived the filter, else the persisted last viewed chapter, else the
// first chapter. filtered is non-empty.
func (e *Engine) resolveSelection(ctx context.Context, subjectID string, filtered []store.Chapter, explicit int) int {
	if explicit > 0 {
		if i, ok := indexOf(filtered, explicit); ok {
			return i
		}
	}
	if e.prefs != nil {
		last, ok, err := e.prefs.LastChapter(ctx, subjectID)
		if err != nil {
			log.Printf("corpus: read last chapter: %v", err)
		} else if ok {
			if i, found := indexOf(filtered, last); found {
				return i
			}
		}
	}
	return 0
}

func indexOf(chapters []store.Chapter, number int) (int, bool) {
	for i := range chapters {
		if chapters[i].Chapter == number {
			return i, true
		}
	}
	return 0, false
}

func filterByMode(corpus []store.Chapter, in Input) []store.Chapter {
	switch in.Mode {
	case ModeTag:
		if len(in.Tags) == 0 {
			return corpus
		}
		wanted := make(map[string]bool, len(in.Tags))
		for _, tag := range in.Tags {
			wanted[tag] = true
		}
		out := make([]store.Chapter, 0, len(corpus))
		for _, chapter := range corpus {
			for _, tag := range chapter.Tags {
				if wanted[tag] {
					out = append(out, chapter)
					break
				}
			}
		}
		return out
	default:
		// Range bounds are inclusive on both ends.
		out := make([]store.Chapter, 0, len(corpus))
		for _, chapter := range corpus {
			if chapter.Chapter >= in.Start && chapter.Chapter <= in.End {
				out = append(out, chapter)
			}
		}
		return out
	}
}

// searchBlob flattens every searchable field of a chapter into one lowercase
// string: title, subtitle, tags, key sentence, line text in both scripts, and
// analysis section headers and bodies.
func searchBlob(chapter store.Chapter) string {
	var b strings.Builder
	b.WriteString(chapter.Title)
	b.WriteByte('\n')
	b.WriteString(chapter.Subtitle)
	b.WriteByte('\n')
	for _, tag := range chapter.Tags {
		b.WriteString(tag)
		b.WriteByte('\n')
	}
	for _, line := range chapter.Lines {
		b.WriteString(line.Han)
		b.WriteByte('\n')
		b.WriteString(line.Ko)
		b.WriteByte('\n')
	}
	if chapter.Analysis != nil {
		b.WriteString(chapter.Analysis.KeySentence)
		b.WriteByte('\n')
		for _, section := range chapter.Analysis.Sections {
			b.WriteString(section.Type)
			b.WriteByte('\n')
			b.WriteString(section.Title)
			b.WriteByte('\n')
			for _, paragraph := range section.Content {
				b.WriteString(paragraph)
				b.WriteByte('\n')
			}
		}
	}
	return strings.ToLower(b.String())
}
