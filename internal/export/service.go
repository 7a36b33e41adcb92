package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"daoread/api/internal/store"
)

// DataStore supplies the chapter and its optional story.
type DataStore interface {
	GetChapter(ctx context.Context, chapter int) (store.Chapter, error)
	GetStory(ctx context.Context, chapter int) (store.Story, error)
}

// Service renders chapters to PDF.
type Service struct {
	store DataStore
}

func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders one chapter. Mode selects which script columns appear; the
// story and analysis blocks are opt-in.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	chapter, err := s.store.GetChapter(ctx, req.Chapter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: chapter %d", ErrChapterUnavailable, req.Chapter)
		}
		return nil, fmt.Errorf("get chapter: %w", err)
	}

	data := TemplateData{
		Chapter:  chapter.Chapter,
		Title:    chapter.Title,
		Subtitle: chapter.Subtitle,
		Tags:     chapter.Tags,
	}

	for _, line := range chapter.Lines {
		rendered := TemplateLine{}
		if req.Mode != "ko" {
			rendered.Han = line.Han
		}
		if req.Mode != "han" {
			rendered.Ko = line.Ko
		}
		data.Lines = append(data.Lines, rendered)
	}

	if req.IncludeAnalysis && chapter.Analysis != nil {
		data.KeySentence = chapter.Analysis.KeySentence
		for _, section := range chapter.Analysis.Sections {
			data.Sections = append(data.Sections, TemplateSection{
				Title:      section.Title,
				Paragraphs: section.Content,
			})
		}
	}

	if req.IncludeStory {
		story, err := s.store.GetStory(ctx, req.Chapter)
		if err == nil {
			data.StoryTitle = story.Title
			data.StoryParagraphs = story.Paragraphs
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get story: %w", err)
		}
	}

	html, err := RenderChapterHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	return exportPDF(html, "chapter-"+strconv.Itoa(chapter.Chapter))
}
