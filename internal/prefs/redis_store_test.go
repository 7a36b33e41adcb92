package prefs

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStore(t *testing.T) *RedisStore {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestLastChapterRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if _, ok, err := store.LastChapter(ctx, "sub_a"); err != nil || ok {
		t.Fatalf("expected no value, got ok=%v err=%v", ok, err)
	}

	if err := store.SetLastChapter(ctx, "sub_a", 7); err != nil {
		t.Fatalf("SetLastChapter failed: %v", err)
	}

	chapter, ok, err := store.LastChapter(ctx, "sub_a")
	if err != nil {
		t.Fatalf("LastChapter failed: %v", err)
	}
	if !ok || chapter != 7 {
		t.Fatalf("expected chapter 7, got %d ok=%v", chapter, ok)
	}

	// Other subjects are isolated
	if _, ok, _ := store.LastChapter(ctx, "sub_b"); ok {
		t.Fatal("sub_b should have no last chapter")
	}
}

func TestReadingModeDefaultsToBoth(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	mode, err := store.ReadingMode(ctx, "sub_a")
	if err != nil {
		t.Fatalf("ReadingMode failed: %v", err)
	}
	if mode != ModeBoth {
		t.Fatalf("expected default %q, got %q", ModeBoth, mode)
	}
}

func TestReadingModeRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.SetReadingMode(ctx, "sub_a", ModeHan); err != nil {
		t.Fatalf("SetReadingMode failed: %v", err)
	}
	mode, err := store.ReadingMode(ctx, "sub_a")
	if err != nil {
		t.Fatalf("ReadingMode failed: %v", err)
	}
	if mode != ModeHan {
		t.Fatalf("expected %q, got %q", ModeHan, mode)
	}

	if err := store.SetReadingMode(ctx, "sub_a", "bogus"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
