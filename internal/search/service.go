package search

import (
	"context"
	"log"

	"daoread/api/internal/store"
)

// StoryLister reads all stories for reindexing.
type StoryLister interface {
	ListStories(ctx context.Context) ([]store.Story, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// in-memory corpus scan.
type Service struct {
	meili  *Meili
	memory *Memory
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; memory is required.
func NewService(meili *Meili, memory *Memory) *Service {
	return &Service{meili: meili, memory: memory}
}

// Search tries Meilisearch if healthy, otherwise scans in memory. Search
// never fails the request; the worst case is an empty result set.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to memory scan: %v", err)
	}

	results, total, err := s.memory.Search(q)
	if err != nil {
		log.Printf("search: memory scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Reindex pushes the whole corpus into Meilisearch and refreshes the story
// snapshot used by the fallback. Called at startup and after batch imports.
func (s *Service) Reindex(ctx context.Context, corpus CorpusSnapshot, stories StoryLister) {
	chapters, _, err := corpus.Snapshot()
	if err != nil {
		log.Printf("search: reindex skipped, corpus unavailable: %v", err)
		return
	}

	chapterRecords := make([]ChapterRecord, 0, len(chapters))
	for _, chapter := range chapters {
		chapterRecords = append(chapterRecords, RecordFromChapter(chapter))
	}

	var storyRecords []StoryRecord
	if stories != nil {
		items, err := stories.ListStories(ctx)
		if err != nil {
			log.Printf("search: reindex stories: %v", err)
		} else {
			storyRecords = make([]StoryRecord, 0, len(items))
			for _, item := range items {
				storyRecords = append(storyRecords, RecordFromStory(item))
			}
			s.memory.SetStories(storyRecords)
		}
	}

	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexChapters(chapterRecords); err != nil {
		log.Printf("search: reindex chapters: %v", err)
	}
	if err := s.meili.IndexStories(storyRecords); err != nil {
		log.Printf("search: reindex stories: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
