// Package prefs persists per-subject reader preferences: the last viewed
// chapter and the reading display mode. Values survive process restarts
// and are read back on every view computation.
package prefs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	fieldLastChapter = "lastChapter"
	fieldReadingMode = "readingMode"
)

// Reading display modes, as stored. "both" is the default.
const (
	ModeBoth = "both"
	ModeHan  = "han"
	ModeKo   = "ko"
)

// Store reads and writes reader preferences for one subject at a time.
type Store interface {
	LastChapter(ctx context.Context, subjectID string) (int, bool, error)
	SetLastChapter(ctx context.Context, subjectID string, chapter int) error
	ReadingMode(ctx context.Context, subjectID string) (string, error)
	SetReadingMode(ctx context.Context, subjectID, mode string) error
}

// RedisStore keeps preferences in a Redis hash per subject.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "prefs:"}
}

func (s *RedisStore) key(subjectID string) string {
	return s.prefix + subjectID
}

func (s *RedisStore) LastChapter(ctx context.Context, subjectID string) (int, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(subjectID), fieldLastChapter).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last chapter: %w", err)
	}
	chapter, err := strconv.Atoi(raw)
	if err != nil || chapter <= 0 {
		return 0, false, nil
	}
	return chapter, true, nil
}

func (s *RedisStore) SetLastChapter(ctx context.Context, subjectID string, chapter int) error {
	if err := s.client.HSet(ctx, s.key(subjectID), fieldLastChapter, strconv.Itoa(chapter)).Err(); err != nil {
		return fmt.Errorf("write last chapter: %w", err)
	}
	return nil
}

func (s *RedisStore) ReadingMode(ctx context.Context, subjectID string) (string, error) {
	raw, err := s.client.HGet(ctx, s.key(subjectID), fieldReadingMode).Result()
	if err == redis.Nil {
		return ModeBoth, nil
	}
	if err != nil {
		return "", fmt.Errorf("read reading mode: %w", err)
	}
	switch raw {
	case ModeBoth, ModeHan, ModeKo:
		return raw, nil
	default:
		return ModeBoth, nil
	}
}

func (s *RedisStore) SetReadingMode(ctx context.Context, subjectID, mode string) error {
	switch mode {
	case ModeBoth, ModeHan, ModeKo:
	default:
		return fmt.Errorf("unknown reading mode %q", mode)
	}
	if err := s.client.HSet(ctx, s.key(subjectID), fieldReadingMode, mode).Err(); err != nil {
		return fmt.Errorf("write reading mode: %w", err)
	}
	return nil
}
