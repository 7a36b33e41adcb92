package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"daoread/api/internal/auth"
	"daoread/api/internal/batch"
	"daoread/api/internal/config"
	"daoread/api/internal/corpus"
	"daoread/api/internal/export"
	"daoread/api/internal/identity"
	"daoread/api/internal/rbac"
	"daoread/api/internal/saved"
	"daoread/api/internal/search"
	"daoread/api/internal/session"
	"daoread/api/internal/snapshot"
	"daoread/api/internal/store"
	"daoread/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

type Session struct {
	Token        string
	RefreshToken string
	SubjectID    string
	Role         string
	IsAnonymous  bool
	JTI          string
	ExpiresAt    time.Time
}

// ReaderView is the reader screen state: the filtered chapter list plus the
// subject's reading mode and the bookmark state of the selected chapter.
type ReaderView struct {
	corpus.View
	Loading     bool   `json:"loading"`
	ReadingMode string `json:"readingMode"`
	Bookmarked  bool   `json:"bookmarked"`
}

// ChapterDetail bundles a chapter with its optional story.
type ChapterDetail struct {
	Chapter store.Chapter `json:"chapter"`
	Story   *store.Story  `json:"story,omitempty"`
}

type dataStore interface {
	CreateSubject(ctx context.Context, subject store.Subject) error
	GetSubject(ctx context.Context, subjectID string) (store.Subject, error)
	GetSubjectByEmail(ctx context.Context, email string) (store.Subject, error)
	GetChapter(ctx context.Context, chapter int) (store.Chapter, error)
	UpsertChapter(ctx context.Context, item store.Chapter, merge bool) error
	GetStory(ctx context.Context, chapter int) (store.Story, error)
	UpsertStory(ctx context.Context, item store.Story) error
	ListStories(ctx context.Context) ([]store.Story, error)
	GetBookmark(ctx context.Context, subjectID string, chapter int) (store.Bookmark, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type prefsStore interface {
	LastChapter(ctx context.Context, subjectID string) (int, bool, error)
	SetLastChapter(ctx context.Context, subjectID string, chapter int) error
	ReadingMode(ctx context.Context, subjectID string) (string, error)
	SetReadingMode(ctx context.Context, subjectID, mode string) error
}

type importArchive interface {
	ArchiveImport(ctx context.Context, name string, raw []byte) error
	ListImports(ctx context.Context) ([]string, error)
}

// Deps collects everything the application service drives.
type Deps struct {
	Store    dataStore
	Identity *identity.Service
	Sessions sessionStore
	Prefs    prefsStore
	Corpus   *corpus.Cache
	Engine   *corpus.Engine
	Saved    *saved.Coordinator
	Updater  *batch.Updater
	Search   *search.Service
	Snapshot *snapshot.Service
	Export   *export.Service
	Archive  importArchive // nil when object storage is not configured
}

type Service struct {
	cfg config.Config
	Deps
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{cfg: cfg, Deps: deps}
}

// Bootstrap loads the corpus, seeds the configured admin account, and primes
// the search index. Called once at startup.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.Corpus.Load(ctx); err != nil {
		// A cold store is not fatal; the reader sees an empty corpus until
		// the first import.
		log.Printf("app: initial corpus load: %v", err)
	}

	if s.cfg.AdminEmail != "" && s.cfg.AdminPassword != "" {
		if err := s.ensureAdmin(ctx); err != nil {
			return err
		}
	}

	s.Deps.Search.Reindex(ctx, s.Corpus, s.Store)
	return nil
}

func (s *Service) ensureAdmin(ctx context.Context) error {
	_, err := s.Store.GetSubjectByEmail(ctx, s.cfg.AdminEmail)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup admin: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := store.Subject{
		ID:           util.NewID("sub"),
		Email:        s.cfg.AdminEmail,
		PasswordHash: string(hash),
		Role:         string(rbac.RoleAdmin),
		IsAnonymous:  false,
	}
	if err := s.Store.CreateSubject(ctx, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	log.Printf("app: created admin subject %s", admin.ID)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.Store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- sessions ----

// EnsureSession mints a brand-new anonymous subject and a session for it.
func (s *Service) EnsureSession(ctx context.Context) (Session, error) {
	subject, err := s.Identity.EnsureSession(ctx)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, subject)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	subject, err := s.Identity.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, subject)
}

// SignUp creates a permanent account. When the caller already holds an
// anonymous session its subject id is preserved.
func (s *Service) SignUp(ctx context.Context, current *Session, email, password string) (Session, error) {
	var currentSubject *store.Subject
	if current != nil {
		subject, err := s.Store.GetSubject(ctx, current.SubjectID)
		if err == nil {
			currentSubject = &subject
		} else if !errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("load current subject: %w", err)
		}
	}
	subject, err := s.Identity.SignUp(ctx, currentSubject, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, subject)
}

// Link upgrades the session's anonymous subject in place.
func (s *Service) Link(ctx context.Context, current Session, email, password string) (Session, error) {
	subject, err := s.Store.GetSubject(ctx, current.SubjectID)
	if err != nil {
		return Session{}, err
	}
	upgraded, err := s.Identity.Link(ctx, subject, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, upgraded)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.Sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.Sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	subject, err := s.Store.GetSubject(ctx, data.SubjectID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, subject)
}

func (s *Service) issueSession(ctx context.Context, subject store.Subject) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:       subject.ID,
		Anonymous: subject.IsAnonymous,
		Role:      subject.Role,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	err = s.Sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		SubjectID:   subject.ID,
		Role:        subject.Role,
		IsAnonymous: subject.IsAnonymous,
		CreatedAt:   now,
	}, refreshExpires)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		SubjectID:    subject.ID,
		Role:         subject.Role,
		IsAnonymous:  subject.IsAnonymous,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.Sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	// Role and anonymity come from the store, not the claims; a linked
	// subject keeps its old access token until it expires.
	subject, err := s.Store.GetSubject(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		SubjectID:   subject.ID,
		Role:        subject.Role,
		IsAnonymous: subject.IsAnonymous,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) SignOut(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.Sessions.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.Sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	s.Identity.SignOut()
	return nil
}

// Subject returns the stored subject behind a session.
func (s *Service) Subject(ctx context.Context, sess Session) (store.Subject, error) {
	return s.Store.GetSubject(ctx, sess.SubjectID)
}

// ---- reader ----

// Reader computes the reader view for one filter/search/selection input.
func (s *Service) Reader(ctx context.Context, sess Session, in corpus.Input) (*ReaderView, error) {
	chapters, loading, err := s.Corpus.Snapshot()
	if err != nil {
		return nil, domainError(502, "STORE_READ_ERROR", "Corpus unavailable", nil)
	}

	view := s.Engine.View(ctx, sess.SubjectID, chapters, in)

	mode, err := s.Prefs.ReadingMode(ctx, sess.SubjectID)
	if err != nil {
		log.Printf("app: reading mode for %s: %v", sess.SubjectID, err)
		mode = "both"
	}

	result := &ReaderView{View: view, Loading: loading, ReadingMode: mode}
	if view.Selected != nil {
		_, err := s.Store.GetBookmark(ctx, sess.SubjectID, view.Selected.Chapter)
		switch {
		case err == nil:
			result.Bookmarked = true
		case errors.Is(err, sql.ErrNoRows):
		default:
			log.Printf("app: bookmark state for %s: %v", sess.SubjectID, err)
		}
	}
	return result, nil
}

func (s *Service) SetReadingMode(ctx context.Context, sess Session, mode string) error {
	if err := s.Prefs.SetReadingMode(ctx, sess.SubjectID, mode); err != nil {
		return domainError(422, "VALIDATION_ERROR", err.Error(), nil)
	}
	return nil
}

// ChapterDetail loads one chapter with its story, if any.
func (s *Service) ChapterDetail(ctx context.Context, number int) (*ChapterDetail, error) {
	chapter, err := s.Store.GetChapter(ctx, number)
	if err != nil {
		return nil, err
	}
	detail := &ChapterDetail{Chapter: chapter}

	story, err := s.Store.GetStory(ctx, number)
	if err == nil {
		detail.Story = &story
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return detail, nil
}

// Story loads the background story for one chapter.
func (s *Service) Story(ctx context.Context, number int) (*store.Story, error) {
	story, err := s.Store.GetStory(ctx, number)
	if err != nil {
		return nil, err
	}
	return &story, nil
}

// ---- saved records ----

func (s *Service) ToggleBookmark(ctx context.Context, sess Session, chapter int, want bool) (bool, error) {
	return s.Saved.ToggleBookmark(ctx, sess.SubjectID, chapter, want)
}

func (s *Service) SaveClip(ctx context.Context, sess Session, in saved.ClipInput) (*store.Clip, error) {
	if in.ChapterTitle == "" {
		if chapters, _, err := s.Corpus.Snapshot(); err == nil {
			for i := range chapters {
				if chapters[i].Chapter == in.Chapter {
					in.ChapterTitle = chapters[i].Title
					break
				}
			}
		}
	}
	return s.Saved.SaveClip(ctx, sess.SubjectID, in)
}

func (s *Service) ToggleClipPin(ctx context.Context, sess Session, clipID string, pinned bool) (bool, error) {
	return s.Saved.TogglePin(ctx, sess.SubjectID, clipID, pinned)
}

func (s *Service) DeleteClip(ctx context.Context, sess Session, clipID string) error {
	return s.Saved.DeleteClip(ctx, sess.SubjectID, clipID)
}

func (s *Service) ListSaved(ctx context.Context, sess Session, f saved.Filter) (*saved.SavedView, error) {
	return s.Saved.List(ctx, sess.SubjectID, f)
}

// ---- search and export ----

func (s *Service) Search(q search.Query) search.Response {
	return s.Deps.Search.Search(q)
}

func (s *Service) ExportChapterPDF(ctx context.Context, req export.Request) (*export.Result, error) {
	return s.Deps.Export.Export(ctx, req)
}

// ---- corpus administration ----

func (s *Service) InspectImport(raw []byte) (*batch.Report, error) {
	return s.Updater.Inspect(raw)
}

// RunImport applies an import document and refreshes everything derived
// from the corpus. The refresh runs even when the import aborts part way;
// committed chunks are already visible. The git snapshot records the
// reloaded corpus, not the payload, so a merge of partial records still
// yields a usable history entry.
func (s *Service) RunImport(ctx context.Context, name string, raw []byte, merge bool, onProgress func(batch.Progress)) (*batch.Result, error) {
	result, runErr := s.Updater.Run(ctx, name, raw, merge, onProgress)

	if result != nil && result.Completed > 0 {
		if err := s.Corpus.Reload(ctx); err != nil {
			log.Printf("app: corpus reload after import: %v", err)
		}
		s.Deps.Search.Reindex(ctx, s.Corpus, s.Store)

		if s.Deps.Snapshot != nil {
			chapters, _, err := s.Corpus.Snapshot()
			if err == nil {
				message := fmt.Sprintf("import %s: %d of %d chapters", name, result.Completed, result.Total)
				if err := s.Deps.Snapshot.CommitSnapshot(ctx, message, chapters); err != nil {
					log.Printf("app: corpus snapshot after import: %v", err)
				}
			}
		}
	}
	return result, runErr
}

func (s *Service) ReloadCorpus(ctx context.Context) error {
	if err := s.Corpus.Reload(ctx); err != nil {
		return domainError(502, "STORE_READ_ERROR", "Corpus reload failed", nil)
	}
	s.Deps.Search.Reindex(ctx, s.Corpus, s.Store)
	return nil
}

// SaveChapter is the editorial single-chapter save. Merge semantics keep
// fields the payload leaves blank.
func (s *Service) SaveChapter(ctx context.Context, item store.Chapter, merge bool) error {
	if item.Chapter <= 0 {
		return domainError(422, "VALIDATION_ERROR", "chapter must be positive", nil)
	}
	if err := s.Store.UpsertChapter(ctx, item, merge); err != nil {
		return domainError(502, "STORE_WRITE_ERROR", "Chapter save failed", nil)
	}
	if err := s.Corpus.Reload(ctx); err != nil {
		log.Printf("app: corpus reload after chapter save: %v", err)
	}
	s.Deps.Search.Reindex(ctx, s.Corpus, s.Store)
	return nil
}

func (s *Service) SaveStory(ctx context.Context, item store.Story) error {
	if item.Chapter <= 0 {
		return domainError(422, "VALIDATION_ERROR", "chapter must be positive", nil)
	}
	if err := s.Store.UpsertStory(ctx, item); err != nil {
		return domainError(502, "STORE_WRITE_ERROR", "Story save failed", nil)
	}
	s.Deps.Search.Reindex(ctx, s.Corpus, s.Store)
	return nil
}

// SnapshotHistory lists recorded corpus states.
func (s *Service) SnapshotHistory(ctx context.Context, limit int) ([]snapshot.CommitInfo, error) {
	return s.Deps.Snapshot.History(ctx, limit)
}

// CorpusDownload returns the corpus as a JSON document, either the current
// cache state or a recorded snapshot by hash.
func (s *Service) CorpusDownload(ctx context.Context, hash string) ([]byte, error) {
	var chapters []store.Chapter
	if hash == "" {
		snapshotChapters, _, err := s.Corpus.Snapshot()
		if err != nil {
			return nil, domainError(502, "STORE_READ_ERROR", "Corpus unavailable", nil)
		}
		chapters = snapshotChapters
	} else {
		past, err := s.Deps.Snapshot.CorpusAt(ctx, hash)
		if err != nil {
			return nil, domainError(404, "NOT_FOUND", "No corpus snapshot for that hash", nil)
		}
		chapters = past
	}

	doc := make(map[string]store.Chapter, len(chapters))
	for _, chapter := range chapters {
		doc[fmt.Sprintf("%d", chapter.Chapter)] = chapter
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ChapterDownload returns one chapter as a standalone JSON document.
func (s *Service) ChapterDownload(ctx context.Context, number int) ([]byte, error) {
	chapter, err := s.Store.GetChapter(ctx, number)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(chapter, "", "  ")
}

// ListImportArchives lists the raw import documents kept in object storage.
func (s *Service) ListImportArchives(ctx context.Context) ([]string, error) {
	if s.Archive == nil {
		return []string{}, nil
	}
	keys, err := s.Archive.ListImports(ctx)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}
