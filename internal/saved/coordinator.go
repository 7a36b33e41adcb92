// Package saved coordinates the per-subject record types: bookmarks and
// clips. Every operation returns the resulting state explicitly so callers
// render what the store actually holds, not what they hoped it would hold.
package saved

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"daoread/api/internal/store"
	"daoread/api/internal/util"
)

var (
	ErrMissingSubject  = errors.New("saved: missing subject")
	ErrEmptyClip       = errors.New("saved: empty clip text")
	ErrUnknownClipType = errors.New("saved: unknown clip type")
	ErrBadChapter      = errors.New("saved: chapter must be positive")
	ErrNotFound        = errors.New("saved: record not found")
)

var clipTypes = map[string]bool{
	"han":          true,
	"ko":           true,
	"hanko":        true,
	"keySentence":  true,
	"analysis":     true,
	"analysisLine": true,
	"story":        true,
}

// Store is the persistence surface the coordinator drives.
type Store interface {
	UpsertBookmark(ctx context.Context, subjectID string, chapter int) error
	DeleteBookmark(ctx context.Context, subjectID string, chapter int) error
	ListBookmarks(ctx context.Context, subjectID string) ([]store.Bookmark, error)
	InsertClip(ctx context.Context, clip store.Clip) error
	ListClips(ctx context.Context, subjectID string, limit int) ([]store.Clip, error)
	SetClipPinned(ctx context.Context, subjectID, clipID string, pinned bool) (bool, error)
	DeleteClip(ctx context.Context, subjectID, clipID string) (bool, error)
}

// ClipInput is everything needed to freeze a clip at save time. Text is the
// snapshot; later corpus edits never rewrite an existing clip.
type ClipInput struct {
	Type         string `json:"type"`
	Chapter      int    `json:"chapter"`
	ChapterTitle string `json:"chapterTitle"`
	Text         string `json:"text"`
	Note         string `json:"note"`
	SectionType  string `json:"sectionType"`
	SectionTitle string `json:"sectionTitle"`
}

// SavedView is the combined listing for the saved screen.
type SavedView struct {
	Bookmarks []store.Bookmark `json:"bookmarks"`
	Clips     []store.Clip     `json:"clips"`
}

// Filter narrows the saved view. Zero values keep everything. Chapter
// applies to bookmarks and clips; the rest apply to clips only.
type Filter struct {
	Chapter    int
	Type       string
	PinnedOnly bool
	Query      string
}

// Coordinator serializes writes per (subject, record) key so rapid toggles
// settle on the last requested state instead of interleaving.
type Coordinator struct {
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(s Store) *Coordinator {
	return &Coordinator{store: s, locks: map[string]*sync.Mutex{}}
}

func (c *Coordinator) keyLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}

// ToggleBookmark drives the bookmark for one chapter to the requested state
// and reports the state that actually holds afterwards. Removing a bookmark
// that does not exist succeeds.
func (c *Coordinator) ToggleBookmark(ctx context.Context, subjectID string, chapter int, saved bool) (bool, error) {
	if subjectID == "" {
		return false, ErrMissingSubject
	}
	if chapter <= 0 {
		return false, ErrBadChapter
	}

	lock := c.keyLock("bookmark:" + subjectID + ":" + strconv.Itoa(chapter))
	lock.Lock()
	defer lock.Unlock()

	if saved {
		if err := c.store.UpsertBookmark(ctx, subjectID, chapter); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := c.store.DeleteBookmark(ctx, subjectID, chapter); err != nil {
		return true, err
	}
	return false, nil
}

// SaveClip validates and freezes one clip. The id is assigned here.
func (c *Coordinator) SaveClip(ctx context.Context, subjectID string, in ClipInput) (*store.Clip, error) {
	if subjectID == "" {
		return nil, ErrMissingSubject
	}
	if !clipTypes[in.Type] {
		return nil, ErrUnknownClipType
	}
	if in.Chapter <= 0 {
		return nil, ErrBadChapter
	}
	if strings.TrimSpace(in.Text) == "" {
		return nil, ErrEmptyClip
	}

	now := time.Now().UTC()
	clip := store.Clip{
		ID:           util.NewID("clip"),
		SubjectID:    subjectID,
		Type:         in.Type,
		Chapter:      in.Chapter,
		ChapterTitle: in.ChapterTitle,
		Text:         in.Text,
		Note:         in.Note,
		SectionType:  in.SectionType,
		SectionTitle: in.SectionTitle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.store.InsertClip(ctx, clip); err != nil {
		return nil, err
	}
	return &clip, nil
}

// TogglePin drives the pinned flag of one clip and returns the state that
// holds afterwards. A missing clip is ErrNotFound.
func (c *Coordinator) TogglePin(ctx context.Context, subjectID, clipID string, pinned bool) (bool, error) {
	if subjectID == "" {
		return false, ErrMissingSubject
	}

	lock := c.keyLock("clip:" + subjectID + ":" + clipID)
	lock.Lock()
	defer lock.Unlock()

	ok, err := c.store.SetClipPinned(ctx, subjectID, clipID, pinned)
	if err != nil {
		return !pinned, err
	}
	if !ok {
		return false, ErrNotFound
	}
	return pinned, nil
}

// DeleteClip removes one clip owned by the subject.
func (c *Coordinator) DeleteClip(ctx context.Context, subjectID, clipID string) error {
	if subjectID == "" {
		return ErrMissingSubject
	}

	lock := c.keyLock("clip:" + subjectID + ":" + clipID)
	lock.Lock()
	defer lock.Unlock()

	ok, err := c.store.DeleteClip(ctx, subjectID, clipID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// List returns the subject's bookmarks and clips. Clips come back pinned
// first, newest first within each group, after the filter is applied.
func (c *Coordinator) List(ctx context.Context, subjectID string, f Filter) (*SavedView, error) {
	if subjectID == "" {
		return nil, ErrMissingSubject
	}

	bookmarks, err := c.store.ListBookmarks(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	clips, err := c.store.ListClips(ctx, subjectID, 0)
	if err != nil {
		return nil, err
	}

	if f.Chapter > 0 {
		bookmarks = filterBookmarks(bookmarks, f.Chapter)
	}
	clips = filterClips(clips, f)

	sort.SliceStable(clips, func(i, j int) bool {
		return clips[i].IsPinned && !clips[j].IsPinned
	})

	if bookmarks == nil {
		bookmarks = []store.Bookmark{}
	}
	return &SavedView{Bookmarks: bookmarks, Clips: clips}, nil
}

func filterBookmarks(in []store.Bookmark, chapter int) []store.Bookmark {
	out := make([]store.Bookmark, 0, len(in))
	for _, b := range in {
		if b.Chapter == chapter {
			out = append(out, b)
		}
	}
	return out
}

func filterClips(in []store.Clip, f Filter) []store.Clip {
	query := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]store.Clip, 0, len(in))
	for _, clip := range in {
		if f.Chapter > 0 && clip.Chapter != f.Chapter {
			continue
		}
		if f.Type != "" && clip.Type != f.Type {
			continue
		}
		if f.PinnedOnly && !clip.IsPinned {
			continue
		}
		if query != "" && !strings.Contains(clipBlob(clip), query) {
			continue
		}
		out = append(out, clip)
	}
	return out
}

// clipBlob is the lowercased searchable text of one clip: its type, chapter
// number and title, the frozen text, and the note.
func clipBlob(clip store.Clip) string {
	return strings.ToLower(strings.Join([]string{
		clip.Type,
		strconv.Itoa(clip.Chapter),
		clip.ChapterTitle,
		clip.Text,
		clip.Note,
	}, "\n"))
}
