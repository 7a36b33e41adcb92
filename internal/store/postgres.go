package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrEmailTaken is returned when a credential attach or sign-up collides
// with an email already owned by another subject.
var ErrEmailTaken = errors.New("email already in use")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- subjects ----

func (s *PostgresStore) CreateSubject(ctx context.Context, subject Subject) error {
	var email, hash any
	if subject.Email != "" {
		email = subject.Email
	}
	if subject.PasswordHash != "" {
		hash = subject.PasswordHash
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, email, password_hash, role, is_anonymous)
		VALUES ($1, $2, $3, $4, $5)
	`, subject.ID, email, hash, subject.Role, subject.IsAnonymous)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	return s.scanSubject(s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email, ''), COALESCE(password_hash, ''), role, is_anonymous, created_at, upgraded_at
		FROM subjects
		WHERE id=$1
	`, subjectID))
}

func (s *PostgresStore) GetSubjectByEmail(ctx context.Context, email string) (Subject, error) {
	return s.scanSubject(s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email, ''), COALESCE(password_hash, ''), role, is_anonymous, created_at, upgraded_at
		FROM subjects
		WHERE email=$1
	`, email))
}

func (s *PostgresStore) scanSubject(row *sql.Row) (Subject, error) {
	var subject Subject
	err := row.Scan(
		&subject.ID,
		&subject.Email,
		&subject.PasswordHash,
		&subject.Role,
		&subject.IsAnonymous,
		&subject.CreatedAt,
		&subject.UpgradedAt,
	)
	if err != nil {
		return Subject{}, err
	}
	return subject, nil
}

// AttachCredential upgrades an anonymous subject in place. The subject id
// never changes; that is what keeps bookmarks and clips reachable after
// the upgrade.
func (s *PostgresStore) AttachCredential(ctx context.Context, subjectID, email, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subjects
		SET email=$2, password_hash=$3, is_anonymous=FALSE, upgraded_at=NOW()
		WHERE id=$1 AND is_anonymous
	`, subjectID, email, passwordHash)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("attach credential: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach credential rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---- chapters ----

func (s *PostgresStore) ListChapters(ctx context.Context) ([]Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter, title, subtitle, tags, lines, analysis, created_at, updated_at
		FROM chapters
		ORDER BY chapter ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	items := make([]Chapter, 0)
	for rows.Next() {
		item, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chapters: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, chapter int) (Chapter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter, title, subtitle, tags, lines, analysis, created_at, updated_at
		FROM chapters
		WHERE chapter=$1
	`, chapter)
	if err != nil {
		return Chapter{}, fmt.Errorf("get chapter: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Chapter{}, err
		}
		return Chapter{}, sql.ErrNoRows
	}
	return scanChapter(rows)
}

func scanChapter(rows *sql.Rows) (Chapter, error) {
	var item Chapter
	var tagsRaw, linesRaw []byte
	var analysisRaw sql.NullString
	if err := rows.Scan(&item.Chapter, &item.Title, &item.Subtitle, &tagsRaw, &linesRaw, &analysisRaw, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Chapter{}, fmt.Errorf("scan chapter: %w", err)
	}
	if len(tagsRaw) > 0 {
		if err := json.Unmarshal(tagsRaw, &item.Tags); err != nil {
			return Chapter{}, fmt.Errorf("decode chapter tags: %w", err)
		}
	}
	if len(linesRaw) > 0 {
		if err := json.Unmarshal(linesRaw, &item.Lines); err != nil {
			return Chapter{}, fmt.Errorf("decode chapter lines: %w", err)
		}
	}
	if analysisRaw.Valid && analysisRaw.String != "" {
		var analysis Analysis
		if err := json.Unmarshal([]byte(analysisRaw.String), &analysis); err != nil {
			return Chapter{}, fmt.Errorf("decode chapter analysis: %w", err)
		}
		item.Analysis = &analysis
	}
	return item, nil
}

const upsertChapterMerge = `
	INSERT INTO chapters (chapter, title, subtitle, tags, lines, analysis)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (chapter) DO UPDATE SET
		title = CASE WHEN EXCLUDED.title = '' THEN chapters.title ELSE EXCLUDED.title END,
		subtitle = CASE WHEN EXCLUDED.subtitle = '' THEN chapters.subtitle ELSE EXCLUDED.subtitle END,
		tags = CASE WHEN EXCLUDED.tags = '[]'::jsonb THEN chapters.tags ELSE EXCLUDED.tags END,
		lines = CASE WHEN EXCLUDED.lines = '[]'::jsonb THEN chapters.lines ELSE EXCLUDED.lines END,
		analysis = COALESCE(EXCLUDED.analysis, chapters.analysis),
		updated_at = NOW()
`

const upsertChapterReplace = `
	INSERT INTO chapters (chapter, title, subtitle, tags, lines, analysis)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (chapter) DO UPDATE SET
		title = EXCLUDED.title,
		subtitle = EXCLUDED.subtitle,
		tags = EXCLUDED.tags,
		lines = EXCLUDED.lines,
		analysis = EXCLUDED.analysis,
		updated_at = NOW()
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpsertChapter(ctx context.Context, tx execer, item Chapter, merge bool) error {
	tagsRaw, err := json.Marshal(orEmpty(item.Tags))
	if err != nil {
		return fmt.Errorf("encode chapter tags: %w", err)
	}
	linesRaw, err := json.Marshal(orEmptyLines(item.Lines))
	if err != nil {
		return fmt.Errorf("encode chapter lines: %w", err)
	}
	var analysisRaw any
	if item.Analysis != nil {
		encoded, err := json.Marshal(item.Analysis)
		if err != nil {
			return fmt.Errorf("encode chapter analysis: %w", err)
		}
		analysisRaw = string(encoded)
	}

	query := upsertChapterReplace
	if merge {
		query = upsertChapterMerge
	}
	if _, err := tx.ExecContext(ctx, query, item.Chapter, item.Title, item.Subtitle, string(tagsRaw), string(linesRaw), analysisRaw); err != nil {
		return fmt.Errorf("upsert chapter %d: %w", item.Chapter, err)
	}
	return nil
}

func (s *PostgresStore) UpsertChapter(ctx context.Context, item Chapter, merge bool) error {
	return execUpsertChapter(ctx, s.db, item, merge)
}

// BatchUpsertChapters writes one chunk of chapter records as a single
// transaction. The chunk either commits whole or not at all; callers own
// the chunking and the sequencing.
func (s *PostgresStore) BatchUpsertChapters(ctx context.Context, items []Chapter, merge bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	for _, item := range items {
		if err := execUpsertChapter(ctx, tx, item, merge); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// ---- stories ----

func (s *PostgresStore) GetStory(ctx context.Context, chapter int) (Story, error) {
	var item Story
	var paragraphsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT chapter, title, paragraphs, created_at, updated_at
		FROM stories
		WHERE chapter=$1
	`, chapter).Scan(&item.Chapter, &item.Title, &paragraphsRaw, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Story{}, err
	}
	if len(paragraphsRaw) > 0 {
		if err := json.Unmarshal(paragraphsRaw, &item.Paragraphs); err != nil {
			return Story{}, fmt.Errorf("decode story paragraphs: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) ListStories(ctx context.Context) ([]Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chapter, title, paragraphs, created_at, updated_at
		FROM stories
		ORDER BY chapter ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list stories: %w", err)
	}
	defer rows.Close()

	items := []Story{}
	for rows.Next() {
		var item Story
		var paragraphsRaw []byte
		if err := rows.Scan(&item.Chapter, &item.Title, &paragraphsRaw, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan story: %w", err)
		}
		if len(paragraphsRaw) > 0 {
			if err := json.Unmarshal(paragraphsRaw, &item.Paragraphs); err != nil {
				return nil, fmt.Errorf("decode story paragraphs: %w", err)
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertStory(ctx context.Context, item Story) error {
	paragraphsRaw, err := json.Marshal(orEmpty(item.Paragraphs))
	if err != nil {
		return fmt.Errorf("encode story paragraphs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (chapter, title, paragraphs)
		VALUES ($1, $2, $3)
		ON CONFLICT (chapter) DO UPDATE SET
			title = CASE WHEN EXCLUDED.title = '' THEN stories.title ELSE EXCLUDED.title END,
			paragraphs = CASE WHEN EXCLUDED.paragraphs = '[]'::jsonb THEN stories.paragraphs ELSE EXCLUDED.paragraphs END,
			updated_at = NOW()
	`, item.Chapter, item.Title, string(paragraphsRaw))
	if err != nil {
		return fmt.Errorf("upsert story: %w", err)
	}
	return nil
}

// ---- bookmarks ----

func (s *PostgresStore) UpsertBookmark(ctx context.Context, subjectID string, chapter int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bookmarks (subject_id, chapter)
		VALUES ($1, $2)
		ON CONFLICT (subject_id, chapter) DO UPDATE SET updated_at=NOW()
	`, subjectID, chapter)
	if err != nil {
		return fmt.Errorf("upsert bookmark: %w", err)
	}
	return nil
}

// DeleteBookmark removes the record entirely; deleting a bookmark that
// does not exist is a no-op success.
func (s *PostgresStore) DeleteBookmark(ctx context.Context, subjectID string, chapter int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bookmarks WHERE subject_id=$1 AND chapter=$2`, subjectID, chapter)
	if err != nil {
		return fmt.Errorf("delete bookmark: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBookmark(ctx context.Context, subjectID string, chapter int) (Bookmark, error) {
	var item Bookmark
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, chapter, created_at, updated_at
		FROM bookmarks
		WHERE subject_id=$1 AND chapter=$2
	`, subjectID, chapter).Scan(&item.SubjectID, &item.Chapter, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Bookmark{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListBookmarks(ctx context.Context, subjectID string) ([]Bookmark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id, chapter, created_at, updated_at
		FROM bookmarks
		WHERE subject_id=$1
		ORDER BY updated_at DESC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list bookmarks: %w", err)
	}
	defer rows.Close()

	items := make([]Bookmark, 0)
	for rows.Next() {
		var item Bookmark
		if err := rows.Scan(&item.SubjectID, &item.Chapter, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan bookmark: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookmarks: %w", err)
	}
	return items, nil
}

// ---- clips ----

func (s *PostgresStore) InsertClip(ctx context.Context, item Clip) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clips (id, subject_id, type, chapter, chapter_title, text, note, section_type, section_title, is_pinned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.SubjectID, item.Type, item.Chapter, item.ChapterTitle, item.Text, item.Note, item.SectionType, item.SectionTitle, item.IsPinned)
	if err != nil {
		return fmt.Errorf("insert clip: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetClip(ctx context.Context, subjectID, clipID string) (Clip, error) {
	var item Clip
	err := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, type, chapter, chapter_title, text, note, section_type, section_title, is_pinned, created_at, updated_at
		FROM clips
		WHERE subject_id=$1 AND id=$2
	`, subjectID, clipID).Scan(
		&item.ID, &item.SubjectID, &item.Type, &item.Chapter, &item.ChapterTitle,
		&item.Text, &item.Note, &item.SectionType, &item.SectionTitle, &item.IsPinned,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Clip{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListClips(ctx context.Context, subjectID string, limit int) ([]Clip, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, type, chapter, chapter_title, text, note, section_type, section_title, is_pinned, created_at, updated_at
		FROM clips
		WHERE subject_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list clips: %w", err)
	}
	defer rows.Close()

	items := make([]Clip, 0)
	for rows.Next() {
		var item Clip
		if err := rows.Scan(
			&item.ID, &item.SubjectID, &item.Type, &item.Chapter, &item.ChapterTitle,
			&item.Text, &item.Note, &item.SectionType, &item.SectionTitle, &item.IsPinned,
			&item.CreatedAt, &item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan clip: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clips: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetClipPinned(ctx context.Context, subjectID, clipID string, pinned bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE clips SET is_pinned=$3, updated_at=NOW() WHERE subject_id=$1 AND id=$2
	`, subjectID, clipID, pinned)
	if err != nil {
		return false, fmt.Errorf("set clip pin: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set clip pin rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteClip(ctx context.Context, subjectID, clipID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM clips WHERE subject_id=$1 AND id=$2`, subjectID, clipID)
	if err != nil {
		return false, fmt.Errorf("delete clip: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete clip rows: %w", err)
	}
	return affected > 0, nil
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func orEmpty(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func orEmptyLines(values []Line) []Line {
	if values == nil {
		return []Line{}
	}
	return values
}
