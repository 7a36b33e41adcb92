package store

import "time"

type Subject struct {
	ID           string     `json:"id"`
	Email        string     `json:"email,omitempty"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	IsAnonymous  bool       `json:"isAnonymous"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpgradedAt   *time.Time `json:"upgradedAt,omitempty"`
}

// Line is one original/translation pair inside a chapter. Order values are
// unique within a chapter and define presentation order.
type Line struct {
	Order int    `json:"order"`
	Han   string `json:"han"`
	Ko    string `json:"ko"`
	Note  string `json:"note,omitempty"`
}

type Section struct {
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Content []string `json:"content"`
}

type Analysis struct {
	Sections    []Section `json:"sections"`
	KeySentence string    `json:"keySentence"`
}

// Chapter is one corpus record, keyed by its immutable chapter number.
// Optional fields stay empty rather than zero-filled so merge upserts can
// tell "absent" from "present but blank".
type Chapter struct {
	Chapter   int       `json:"chapter"`
	Title     string    `json:"title,omitempty"`
	Subtitle  string    `json:"subtitle,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Lines     []Line    `json:"lines,omitempty"`
	Analysis  *Analysis `json:"analysis,omitempty"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

type Story struct {
	Chapter    int       `json:"chapter"`
	Title      string    `json:"title,omitempty"`
	Paragraphs []string  `json:"paragraphs"`
	CreatedAt  time.Time `json:"-"`
	UpdatedAt  time.Time `json:"-"`
}

// Bookmark existence IS the saved state; un-saving deletes the row.
type Bookmark struct {
	SubjectID string    `json:"-"`
	Chapter   int       `json:"chapter"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clip is a snapshot of chapter content plus a personal note. Text is
// computed once at creation and never re-derived from the chapter.
type Clip struct {
	ID           string    `json:"id"`
	SubjectID    string    `json:"-"`
	Type         string    `json:"type"`
	Chapter      int       `json:"chapter"`
	ChapterTitle string    `json:"chapterTitle,omitempty"`
	Text         string    `json:"text"`
	Note         string    `json:"note,omitempty"`
	SectionType  string    `json:"sectionType,omitempty"`
	SectionTitle string    `json:"sectionTitle,omitempty"`
	IsPinned     bool      `json:"isPinned"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
