// Package identity wraps subject storage with the anonymous-by-default
// session model: every caller gets a subject, and an anonymous subject can
// be upgraded to a permanent email credential without changing its id.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"daoread/api/internal/store"
	"daoread/api/internal/util"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrProvider means the identity backend itself is unreachable.
	ErrProvider          = errors.New("identity provider unavailable")
	ErrInvalidCredential = errors.New("invalid email or password")
	ErrNotFound          = errors.New("no account for that email")
	ErrRateLimited       = errors.New("too many attempts, try again later")
	ErrWeakCredential    = errors.New("password must be at least 8 characters")
	ErrCredentialInUse   = errors.New("email already registered")
	// ErrNotAnonymous means link was called for a permanent subject;
	// callers must use sign-in or sign-up instead.
	ErrNotAnonymous = errors.New("current subject is not anonymous")
	ErrValidation   = errors.New("email and password are required")
)

// SubjectStore defines the storage interface for identity
type SubjectStore interface {
	CreateSubject(ctx context.Context, subject store.Subject) error
	GetSubject(ctx context.Context, subjectID string) (store.Subject, error)
	GetSubjectByEmail(ctx context.Context, email string) (store.Subject, error)
	AttachCredential(ctx context.Context, subjectID, email, passwordHash string) error
}

const (
	signInWindow      = time.Minute
	signInMaxAttempts = 10
)

type attemptWindow struct {
	start time.Time
	count int
}

// Service implements the identity manager
type Service struct {
	store SubjectStore

	limiterMu sync.Mutex
	attempts  map[string]attemptWindow

	observerMu sync.Mutex
	observers  map[int]func(*store.Subject)
	nextObs    int
	current    *store.Subject
}

func NewService(subjects SubjectStore) *Service {
	return &Service{
		store:     subjects,
		attempts:  make(map[string]attemptWindow),
		observers: make(map[int]func(*store.Subject)),
	}
}

// EnsureSession creates a fresh anonymous subject. Callers holding a valid
// token never reach this; it backs the "no active subject" path only.
func (s *Service) EnsureSession(ctx context.Context) (store.Subject, error) {
	subject := store.Subject{
		ID:          util.NewID("sub"),
		Role:        "reader",
		IsAnonymous: true,
	}
	if err := s.store.CreateSubject(ctx, subject); err != nil {
		return store.Subject{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	s.notify(&subject)
	return subject, nil
}

// SignIn authenticates an existing permanent credential. The resulting
// subject id is whatever id owns the credential; continuity with any prior
// anonymous subject is NOT guaranteed here.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Subject, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.Subject{}, ErrValidation
	}
	if !s.allowAttempt(email) {
		return store.Subject{}, ErrRateLimited
	}

	subject, err := s.store.GetSubjectByEmail(ctx, email)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subject{}, ErrNotFound
	}
	if err != nil {
		return store.Subject{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(subject.PasswordHash), []byte(password)); err != nil {
		return store.Subject{}, ErrInvalidCredential
	}

	s.clearAttempts(email)
	s.notify(&subject)
	return subject, nil
}

// SignUp creates a permanent account. When the current subject is
// anonymous it MUST delegate to Link so the anonymous subject's bookmarks
// and clips survive under the same id; a parallel new subject would
// silently orphan them.
func (s *Service) SignUp(ctx context.Context, current *store.Subject, email, password string) (store.Subject, error) {
	if current != nil && current.IsAnonymous {
		return s.Link(ctx, *current, email, password)
	}

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.Subject{}, ErrValidation
	}
	if len(password) < 8 {
		return store.Subject{}, ErrWeakCredential
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.Subject{}, fmt.Errorf("hash password: %w", err)
	}

	subject := store.Subject{
		ID:           util.NewID("sub"),
		Email:        email,
		PasswordHash: string(hash),
		Role:         "reader",
		IsAnonymous:  false,
	}
	err = s.store.CreateSubject(ctx, subject)
	if errors.Is(err, store.ErrEmailTaken) {
		return store.Subject{}, ErrCredentialInUse
	}
	if err != nil {
		return store.Subject{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	s.notify(&subject)
	return subject, nil
}

// Link attaches an email credential to the current anonymous subject,
// preserving its id. Permanent subjects cannot be re-linked.
func (s *Service) Link(ctx context.Context, current store.Subject, email, password string) (store.Subject, error) {
	if !current.IsAnonymous {
		return store.Subject{}, ErrNotAnonymous
	}

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.Subject{}, ErrValidation
	}
	if len(password) < 8 {
		return store.Subject{}, ErrWeakCredential
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.Subject{}, fmt.Errorf("hash password: %w", err)
	}

	err = s.store.AttachCredential(ctx, current.ID, email, string(hash))
	if errors.Is(err, store.ErrEmailTaken) {
		return store.Subject{}, ErrCredentialInUse
	}
	if errors.Is(err, sql.ErrNoRows) {
		// The row was upgraded since the token was issued.
		return store.Subject{}, ErrNotAnonymous
	}
	if err != nil {
		return store.Subject{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}

	subject, err := s.store.GetSubject(ctx, current.ID)
	if err != nil {
		return store.Subject{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	s.notify(&subject)
	return subject, nil
}

// SignOut clears the observed subject. Nothing is deleted.
func (s *Service) SignOut() {
	s.notify(nil)
}

// Observe registers a callback that receives the current subject (nil when
// none) once immediately and again on every change. Deliveries are
// serialized; the returned func unsubscribes.
func (s *Service) Observe(fn func(*store.Subject)) func() {
	s.observerMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	current := s.current
	fn(current)
	s.observerMu.Unlock()

	return func() {
		s.observerMu.Lock()
		delete(s.observers, id)
		s.observerMu.Unlock()
	}
}

func (s *Service) notify(subject *store.Subject) {
	s.observerMu.Lock()
	defer s.observerMu.Unlock()
	s.current = subject
	for _, fn := range s.observers {
		fn(subject)
	}
}

func (s *Service) allowAttempt(email string) bool {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	now := time.Now()
	window := s.attempts[email]
	if now.Sub(window.start) >= signInWindow {
		window = attemptWindow{start: now}
	}
	window.count++
	s.attempts[email] = window
	return window.count <= signInMaxAttempts
}

func (s *Service) clearAttempts(email string) {
	s.limiterMu.Lock()
	delete(s.attempts, email)
	s.limiterMu.Unlock()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
