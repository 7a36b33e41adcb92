package corpus

import (
	"context"
	"errors"
	"testing"

	"daoread/api/internal/store"
)

type fakeLoader struct {
	chapters []store.Chapter
	err      error
	calls    int
}

func (f *fakeLoader) ListChapters(ctx context.Context) ([]store.Chapter, error) {
	f.calls++
	return f.chapters, f.err
}

func TestCacheLoadOnce(t *testing.T) {
	loader := &fakeLoader{chapters: []store.Chapter{{Chapter: 2}, {Chapter: 1}}}
	cache := NewCache(loader)

	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected one store read, got %d", loader.calls)
	}

	data, loading, err := cache.Snapshot()
	if loading || err != nil {
		t.Fatalf("unexpected state: loading=%v err=%v", loading, err)
	}
	if len(data) != 2 || data[0].Chapter != 1 || data[1].Chapter != 2 {
		t.Fatalf("expected sorted chapters, got %+v", data)
	}
}

func TestCacheDropsMalformedRecords(t *testing.T) {
	loader := &fakeLoader{chapters: []store.Chapter{{Chapter: 3}, {Chapter: 0}, {Chapter: -7}}}
	cache := NewCache(loader)

	if err := cache.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	data, _, _ := cache.Snapshot()
	if len(data) != 1 || data[0].Chapter != 3 {
		t.Fatalf("expected only chapter 3, got %+v", data)
	}
}

func TestCacheLoadErrorYieldsEmptyList(t *testing.T) {
	loader := &fakeLoader{err: errors.New("connection refused")}
	cache := NewCache(loader)

	if err := cache.Load(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	data, loading, err := cache.Snapshot()
	if err == nil {
		t.Fatal("expected snapshot error")
	}
	if loading {
		t.Fatal("load finished, should not report loading")
	}
	if data == nil || len(data) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", data)
	}

	// Reload after the store recovers replaces the error state.
	loader.err = nil
	loader.chapters = []store.Chapter{{Chapter: 1}}
	if err := cache.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	data, _, err = cache.Snapshot()
	if err != nil || len(data) != 1 {
		t.Fatalf("expected recovered snapshot, got %v err=%v", data, err)
	}
}
