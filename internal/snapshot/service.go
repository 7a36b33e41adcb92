// Package snapshot keeps a git history of the corpus. Every batch import and
// editorial save commits the full chapter list as one JSON file, so any past
// corpus state can be read back by hash.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"daoread/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const corpusFile = "corpus.json"

// CommitInfo describes one recorded corpus state.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Chapters  int       `json:"chapters"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service owns the single corpus repository. All operations serialize on one
// lock; corpus writes are rare and never concurrent with themselves.
type Service struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) *Service {
	return &Service{dir: dir}
}

// CommitSnapshot writes the chapter list and commits it. The first call
// initializes the repository.
func (s *Service) CommitSnapshot(ctx context.Context, message string, chapters []store.Chapter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.openOrInit()
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("snapshot: open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(chapters, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal corpus: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, corpusFile), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("snapshot: write corpus file: %w", err)
	}
	if _, err := worktree.Add(corpusFile); err != nil {
		return fmt.Errorf("snapshot: git add: %w", err)
	}

	_, err = worktree.Commit(fmt.Sprintf("%s (%d chapters)", message, len(chapters)), &git.CommitOptions{
		Author: &object.Signature{
			Name:  "daoread",
			Email: "corpus@daoread.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("snapshot: commit: %w", err)
	}
	return nil
}

// History lists recorded corpus states, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("snapshot: open repo: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return []CommitInfo{}, nil
		}
		return nil, fmt.Errorf("snapshot: resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("snapshot: read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("snapshot: iterate log: %w", err)
	}
	return items, nil
}

// CorpusAt reads the chapter list as recorded by one commit.
func (s *Service) CorpusAt(ctx context.Context, hash string) ([]store.Chapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := git.PlainOpen(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read commit %s: %w", hash, err)
	}

	file, err := commitObj.File(corpusFile)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load %s from commit: %w", corpusFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("snapshot: open corpus reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read corpus bytes: %w", err)
	}
	var chapters []store.Chapter
	if err := json.Unmarshal(raw, &chapters); err != nil {
		return nil, fmt.Errorf("snapshot: decode corpus: %w", err)
	}
	return chapters, nil
}

func (s *Service) openOrInit() (*git.Repository, error) {
	repo, err := git.PlainOpen(s.dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("snapshot: open repo: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create repo dir: %w", err)
	}
	repo, err = git.PlainInit(s.dir, false)
	if err != nil {
		return nil, fmt.Errorf("snapshot: init repo: %w", err)
	}
	return repo, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		CreatedAt: commitObj.Author.When,
	}
	if file, err := commitObj.File(corpusFile); err == nil {
		if reader, err := file.Reader(); err == nil {
			var chapters []json.RawMessage
			if err := json.NewDecoder(reader).Decode(&chapters); err == nil {
				info.Chapters = len(chapters)
			}
			reader.Close()
		}
	}
	return info
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("snapshot: resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
