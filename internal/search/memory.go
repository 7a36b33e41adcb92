package search

import (
	"sort"
	"strings"
	"sync"

	"daoread/api/internal/store"
)

// CorpusSnapshot exposes the currently loaded chapter list.
type CorpusSnapshot interface {
	Snapshot() ([]store.Chapter, bool, error)
}

// Memory implements Searcher with a substring scan over the corpus cache.
// It is the always-available fallback when Meilisearch is down.
type Memory struct {
	corpus CorpusSnapshot

	mu      sync.RWMutex
	stories []StoryRecord
}

func NewMemory(corpus CorpusSnapshot) *Memory {
	return &Memory{corpus: corpus}
}

// SetStories replaces the story snapshot used by the fallback scan.
func (m *Memory) SetStories(stories []StoryRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories = stories
}

// Healthy always holds; the scan needs nothing external.
func (m *Memory) Healthy() bool { return true }

func (m *Memory) Search(q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return []Result{}, 0, nil
	}

	var matches []Result
	if q.FilterType == "" || q.FilterType == ResultChapter {
		chapters, _, err := m.corpus.Snapshot()
		if err != nil {
			return nil, 0, err
		}
		for _, chapter := range chapters {
			record := RecordFromChapter(chapter)
			if recordMatches(record, needle) {
				matches = append(matches, Result{
					Type:    ResultChapter,
					Chapter: record.Chapter,
					Title:   record.Title,
					Snippet: firstNonBlank(record.KeySentence, record.Subtitle),
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultStory {
		m.mu.RLock()
		stories := m.stories
		m.mu.RUnlock()
		for _, story := range stories {
			blob := strings.ToLower(story.Title + "\n" + story.Body)
			if strings.Contains(blob, needle) {
				matches = append(matches, Result{
					Type:    ResultStory,
					Chapter: story.Chapter,
					Title:   story.Title,
					Snippet: snippet(story.Body),
				})
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Chapter < matches[j].Chapter })

	total := len(matches)
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if q.Offset >= total {
		return []Result{}, total, nil
	}
	end := q.Offset + limit
	if end > total {
		end = total
	}
	return matches[q.Offset:end], total, nil
}

func recordMatches(record ChapterRecord, needle string) bool {
	var b strings.Builder
	b.WriteString(record.Title)
	b.WriteByte('\n')
	b.WriteString(record.Subtitle)
	b.WriteByte('\n')
	b.WriteString(strings.Join(record.Tags, "\n"))
	b.WriteByte('\n')
	b.WriteString(record.Han)
	b.WriteByte('\n')
	b.WriteString(record.Ko)
	b.WriteByte('\n')
	b.WriteString(record.KeySentence)
	b.WriteByte('\n')
	b.WriteString(record.Analysis)
	return strings.Contains(strings.ToLower(b.String()), needle)
}

func snippet(body string) string {
	const max = 120
	body = strings.TrimSpace(body)
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}

// RecordFromChapter flattens a chapter into its index document.
func RecordFromChapter(chapter store.Chapter) ChapterRecord {
	record := ChapterRecord{
		Chapter:  chapter.Chapter,
		Title:    chapter.Title,
		Subtitle: chapter.Subtitle,
		Tags:     chapter.Tags,
	}
	var han, ko []string
	for _, line := range chapter.Lines {
		han = append(han, line.Han)
		ko = append(ko, line.Ko)
	}
	record.Han = strings.Join(han, "\n")
	record.Ko = strings.Join(ko, "\n")
	if chapter.Analysis != nil {
		record.KeySentence = chapter.Analysis.KeySentence
		var parts []string
		for _, section := range chapter.Analysis.Sections {
			parts = append(parts, section.Title)
			parts = append(parts, section.Content...)
		}
		record.Analysis = strings.Join(parts, "\n")
	}
	return record
}

// RecordFromStory flattens a story into its index document.
func RecordFromStory(story store.Story) StoryRecord {
	return StoryRecord{
		Chapter: story.Chapter,
		Title:   story.Title,
		Body:    strings.Join(story.Paragraphs, "\n"),
	}
}
