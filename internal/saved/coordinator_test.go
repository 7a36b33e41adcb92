package saved

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"daoread/api/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	bookmarks map[string]store.Bookmark
	clips     map[string]store.Clip

	upsertErr error
	deleteErr error
	pinErr    error
	listErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookmarks: map[string]store.Bookmark{},
		clips:     map[string]store.Clip{},
	}
}

func bookmarkKey(subjectID string, chapter int) string {
	return subjectID + ":" + strconv.Itoa(chapter)
}

func (f *fakeStore) UpsertBookmark(ctx context.Context, subjectID string, chapter int) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookmarks[bookmarkKey(subjectID, chapter)] = store.Bookmark{SubjectID: subjectID, Chapter: chapter}
	return nil
}

func (f *fakeStore) DeleteBookmark(ctx context.Context, subjectID string, chapter int) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bookmarks, bookmarkKey(subjectID, chapter))
	return nil
}

func (f *fakeStore) ListBookmarks(ctx context.Context, subjectID string) ([]store.Bookmark, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bookmark
	for _, b := range f.bookmarks {
		if b.SubjectID == subjectID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertClip(ctx context.Context, clip store.Clip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clips[clip.ID] = clip
	return nil
}

func (f *fakeStore) ListClips(ctx context.Context, subjectID string, limit int) ([]store.Clip, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Clip
	for _, clip := range f.clips {
		if clip.SubjectID == subjectID {
			out = append(out, clip)
		}
	}
	return out, nil
}

func (f *fakeStore) SetClipPinned(ctx context.Context, subjectID, clipID string, pinned bool) (bool, error) {
	if f.pinErr != nil {
		return false, f.pinErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	clip, ok := f.clips[clipID]
	if !ok || clip.SubjectID != subjectID {
		return false, nil
	}
	clip.IsPinned = pinned
	f.clips[clipID] = clip
	return true, nil
}

func (f *fakeStore) DeleteClip(ctx context.Context, subjectID, clipID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	clip, ok := f.clips[clipID]
	if !ok || clip.SubjectID != subjectID {
		return false, nil
	}
	delete(f.clips, clipID)
	return true, nil
}

func TestToggleBookmarkOnThenOff(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)

	saved, err := coord.ToggleBookmark(context.Background(), "sub_1", 8, true)
	if err != nil || !saved {
		t.Fatalf("expected saved=true, got %v err=%v", saved, err)
	}
	saved, err = coord.ToggleBookmark(context.Background(), "sub_1", 8, false)
	if err != nil || saved {
		t.Fatalf("expected saved=false, got %v err=%v", saved, err)
	}
	if len(fs.bookmarks) != 0 {
		t.Fatalf("bookmark should be gone, got %d", len(fs.bookmarks))
	}
}

func TestToggleBookmarkRemoveMissingIsNoOp(t *testing.T) {
	coord := NewCoordinator(newFakeStore())
	saved, err := coord.ToggleBookmark(context.Background(), "sub_1", 3, false)
	if err != nil {
		t.Fatalf("removing an absent bookmark must succeed, got %v", err)
	}
	if saved {
		t.Fatal("expected saved=false")
	}
}

func TestToggleBookmarkFailureReportsActualState(t *testing.T) {
	fs := newFakeStore()
	fs.upsertErr = errors.New("write refused")
	coord := NewCoordinator(fs)

	saved, err := coord.ToggleBookmark(context.Background(), "sub_1", 8, true)
	if err == nil {
		t.Fatal("expected error")
	}
	if saved {
		t.Fatal("failed save must report unsaved state")
	}
}

func TestToggleBookmarkValidation(t *testing.T) {
	coord := NewCoordinator(newFakeStore())
	if _, err := coord.ToggleBookmark(context.Background(), "", 8, true); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if _, err := coord.ToggleBookmark(context.Background(), "sub_1", 0, true); !errors.Is(err, ErrBadChapter) {
		t.Fatalf("expected ErrBadChapter, got %v", err)
	}
}

func TestSaveClipAssignsIDAndFreezesText(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)

	clip, err := coord.SaveClip(context.Background(), "sub_1", ClipInput{
		Type:         "hanko",
		Chapter:      8,
		ChapterTitle: "상선약수",
		Text:         "上善若水\n최고의 선은 물과 같다",
	})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}
	if !strings.HasPrefix(clip.ID, "clip_") {
		t.Fatalf("unexpected clip id %q", clip.ID)
	}
	stored := fs.clips[clip.ID]
	if stored.Text != clip.Text || stored.Chapter != 8 {
		t.Fatalf("stored clip mismatch: %+v", stored)
	}
	if clip.CreatedAt.IsZero() || time.Since(clip.CreatedAt) > time.Minute {
		t.Fatalf("unexpected created at %v", clip.CreatedAt)
	}
}

func TestSaveClipValidation(t *testing.T) {
	coord := NewCoordinator(newFakeStore())
	ctx := context.Background()

	if _, err := coord.SaveClip(ctx, "", ClipInput{Type: "han", Chapter: 1, Text: "x"}); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "verse", Chapter: 1, Text: "x"}); !errors.Is(err, ErrUnknownClipType) {
		t.Fatalf("expected ErrUnknownClipType, got %v", err)
	}
	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "han", Chapter: 1, Text: "   "}); !errors.Is(err, ErrEmptyClip) {
		t.Fatalf("expected ErrEmptyClip, got %v", err)
	}
	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "han", Chapter: 0, Text: "x"}); !errors.Is(err, ErrBadChapter) {
		t.Fatalf("expected ErrBadChapter, got %v", err)
	}
}

func TestTogglePin(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	clip, err := coord.SaveClip(context.Background(), "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "x"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}

	pinned, err := coord.TogglePin(context.Background(), "sub_1", clip.ID, true)
	if err != nil || !pinned {
		t.Fatalf("expected pinned=true, got %v err=%v", pinned, err)
	}
	if !fs.clips[clip.ID].IsPinned {
		t.Fatal("pin flag not persisted")
	}

	if _, err := coord.TogglePin(context.Background(), "sub_1", "clip_missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTogglePinFailureReportsPriorState(t *testing.T) {
	fs := newFakeStore()
	fs.pinErr = errors.New("write refused")
	coord := NewCoordinator(fs)

	pinned, err := coord.TogglePin(context.Background(), "sub_1", "clip_1", true)
	if err == nil {
		t.Fatal("expected error")
	}
	if pinned {
		t.Fatal("failed pin must report the unpinned state")
	}
}

func TestDeleteClipScopedToOwner(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	clip, err := coord.SaveClip(context.Background(), "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "x"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}

	if err := coord.DeleteClip(context.Background(), "sub_2", clip.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other subject must not delete, got %v", err)
	}
	if err := coord.DeleteClip(context.Background(), "sub_1", clip.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if len(fs.clips) != 0 {
		t.Fatal("clip should be gone")
	}
}

func TestListPinnedClipsFirst(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	ctx := context.Background()

	plain, _ := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "plain"})
	starred, _ := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 2, Text: "starred"})
	if _, err := coord.TogglePin(ctx, "sub_1", starred.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if _, err := coord.ToggleBookmark(ctx, "sub_1", 1, true); err != nil {
		t.Fatalf("bookmark: %v", err)
	}

	view, err := coord.List(ctx, "sub_1", Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 2 || view.Clips[0].ID != starred.ID || view.Clips[1].ID != plain.ID {
		t.Fatalf("expected pinned clip first, got %+v", view.Clips)
	}
	if len(view.Bookmarks) != 1 {
		t.Fatalf("expected one bookmark, got %d", len(view.Bookmarks))
	}
}

func TestListChapterFilter(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	ctx := context.Background()

	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "one"}); err != nil {
		t.Fatalf("save clip: %v", err)
	}
	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 2, Text: "two"}); err != nil {
		t.Fatalf("save clip: %v", err)
	}
	if _, err := coord.ToggleBookmark(ctx, "sub_1", 2, true); err != nil {
		t.Fatalf("bookmark: %v", err)
	}

	view, err := coord.List(ctx, "sub_1", Filter{Chapter: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 1 || view.Clips[0].Chapter != 2 {
		t.Fatalf("expected only chapter 2 clips, got %+v", view.Clips)
	}
	if len(view.Bookmarks) != 1 || view.Bookmarks[0].Chapter != 2 {
		t.Fatalf("expected only chapter 2 bookmarks, got %+v", view.Bookmarks)
	}
}

func TestListFiltersClipsByType(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	ctx := context.Background()

	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "풀이"}); err != nil {
		t.Fatalf("save clip: %v", err)
	}
	han, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "han", Chapter: 1, Text: "道可道"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}

	view, err := coord.List(ctx, "sub_1", Filter{Type: "han"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 1 || view.Clips[0].ID != han.ID {
		t.Fatalf("expected only the han clip, got %+v", view.Clips)
	}
}

func TestListPinnedOnly(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	ctx := context.Background()

	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 1, Text: "plain"}); err != nil {
		t.Fatalf("save clip: %v", err)
	}
	starred, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 2, Text: "starred"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}
	if _, err := coord.TogglePin(ctx, "sub_1", starred.ID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}

	view, err := coord.List(ctx, "sub_1", Filter{PinnedOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 1 || view.Clips[0].ID != starred.ID {
		t.Fatalf("expected only the pinned clip, got %+v", view.Clips)
	}
}

func TestListQueryMatchesTextAndNote(t *testing.T) {
	fs := newFakeStore()
	coord := NewCoordinator(fs)
	ctx := context.Background()

	byText, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "han", Chapter: 1, Text: "上善若水"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}
	byNote, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 2, Text: "다른 구절", Note: "물에 대한 비유"})
	if err != nil {
		t.Fatalf("save clip: %v", err)
	}
	if _, err := coord.SaveClip(ctx, "sub_1", ClipInput{Type: "ko", Chapter: 3, Text: "무관한 구절"}); err != nil {
		t.Fatalf("save clip: %v", err)
	}

	view, err := coord.List(ctx, "sub_1", Filter{Query: "若水"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 1 || view.Clips[0].ID != byText.ID {
		t.Fatalf("expected text match only, got %+v", view.Clips)
	}

	view, err = coord.List(ctx, "sub_1", Filter{Query: "  물에 "})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Clips) != 1 || view.Clips[0].ID != byNote.ID {
		t.Fatalf("expected note match only, got %+v", view.Clips)
	}
}

func TestListEmptyIsNonNil(t *testing.T) {
	coord := NewCoordinator(newFakeStore())
	view, err := coord.List(context.Background(), "sub_1", Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if view.Bookmarks == nil || view.Clips == nil {
		t.Fatal("empty lists must be non-nil")
	}
}
