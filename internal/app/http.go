package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"daoread/api/internal/auth"
	"daoread/api/internal/batch"
	"daoread/api/internal/corpus"
	"daoread/api/internal/export"
	"daoread/api/internal/identity"
	"daoread/api/internal/rbac"
	"daoread/api/internal/saved"
	"daoread/api/internal/search"
	"daoread/api/internal/session"
	"daoread/api/internal/store"
)

const maxImportBytes = 32 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/session" {
		s.handleEnsureSession(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		s.handleRefresh(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		s.handleSignOut(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		subject, err := s.service.Subject(r.Context(), sess)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"subject":       subject,
		})
		return
	}

	// Everything below needs a session.
	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	parts := splitPath(r.URL.Path)

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/link" {
		s.handleLink(w, r, sess)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/chapters" {
		chapters, loading, err := s.service.Corpus.Snapshot()
		if err != nil {
			writeError(w, http.StatusBadGateway, "STORE_READ_ERROR", "Corpus unavailable", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chapters": chapters, "loading": loading})
		return
	}

	// GET /api/chapters/{n}/story
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "chapters" && parts[3] == "story" {
		number, err := strconv.Atoi(parts[2])
		if err != nil || number <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be a positive integer", nil)
			return
		}
		story, err := s.service.Story(r.Context(), number)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, story)
		return
	}

	// GET /api/chapters/{n}/export/pdf
	if r.Method == http.MethodGet && len(parts) == 5 && parts[0] == "api" && parts[1] == "chapters" && parts[3] == "export" && parts[4] == "pdf" {
		number, err := strconv.Atoi(parts[2])
		if err != nil || number <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be a positive integer", nil)
			return
		}
		result, err := s.service.ExportChapterPDF(r.Context(), export.Request{
			Chapter:         number,
			Mode:            strings.TrimSpace(r.URL.Query().Get("mode")),
			IncludeAnalysis: r.URL.Query().Get("analysis") == "true",
			IncludeStory:    r.URL.Query().Get("story") == "true",
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	// GET /api/chapters/{n}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "chapters" {
		number, err := strconv.Atoi(parts[2])
		if err != nil || number <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be a positive integer", nil)
			return
		}
		detail, err := s.service.ChapterDetail(r.Context(), number)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/reader/view" {
		var body struct {
			Mode   string   `json:"mode"`
			Start  int      `json:"start"`
			End    int      `json:"end"`
			Tags   []string `json:"tags"`
			Query  string   `json:"query"`
			Select int      `json:"select"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.Reader(r.Context(), sess, corpus.Input{
			Mode:   corpus.Mode(body.Mode),
			Start:  body.Start,
			End:    body.End,
			Tags:   body.Tags,
			Query:  body.Query,
			Select: body.Select,
		})
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	if r.Method == http.MethodPut && r.URL.Path == "/api/reader/mode" {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.SetReadingMode(r.Context(), sess, body.Mode); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mode": body.Mode})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/saved" {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		filter, err := savedFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		view, err := s.service.ListSaved(r.Context(), sess, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}

	// GET /api/saved/bookmarks and GET /api/saved/clips
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "saved" && (parts[2] == "bookmarks" || parts[2] == "clips") {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		filter, err := savedFilterFromQuery(r)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		view, err := s.service.ListSaved(r.Context(), sess, filter)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if parts[2] == "bookmarks" {
			writeJSON(w, http.StatusOK, map[string]any{"bookmarks": view.Bookmarks})
		} else {
			writeJSON(w, http.StatusOK, map[string]any{"clips": view.Clips})
		}
		return
	}

	// PUT/DELETE /api/saved/bookmarks/{chapter}
	if (r.Method == http.MethodPut || r.Method == http.MethodDelete) && len(parts) == 4 && parts[0] == "api" && parts[1] == "saved" && parts[2] == "bookmarks" {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		chapter, err := strconv.Atoi(parts[3])
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be an integer", nil)
			return
		}
		want := false
		if r.Method == http.MethodPut {
			// PUT defaults to saving; an explicit body can still unsave.
			body := struct {
				Saved *bool `json:"saved"`
			}{}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			want = body.Saved == nil || *body.Saved
		}
		state, err := s.service.ToggleBookmark(r.Context(), sess, chapter, want)
		if err != nil {
			status, code, message, details := mapError(err)
			// The response carries the state that actually holds so the
			// caller can render it instead of guessing.
			payload := map[string]any{"code": code, "error": message, "saved": state}
			if details != nil {
				payload["details"] = details
			}
			writeJSON(w, status, payload)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": state})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/saved/clips" {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body saved.ClipInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		clip, err := s.service.SaveClip(r.Context(), sess, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, clip)
		return
	}

	// POST/PUT /api/saved/clips/{id}/pin
	if (r.Method == http.MethodPost || r.Method == http.MethodPut) && len(parts) == 5 && parts[0] == "api" && parts[1] == "saved" && parts[2] == "clips" && parts[4] == "pin" {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var body struct {
			Pinned bool `json:"pinned"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		state, err := s.service.ToggleClipPin(r.Context(), sess, parts[3], body.Pinned)
		if err != nil {
			status, code, message, details := mapError(err)
			payload := map[string]any{"code": code, "error": message, "pinned": state}
			if details != nil {
				payload["details"] = details
			}
			writeJSON(w, status, payload)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pinned": state})
		return
	}

	// DELETE /api/saved/clips/{id}
	if r.Method == http.MethodDelete && len(parts) == 4 && parts[0] == "api" && parts[1] == "saved" && parts[2] == "clips" {
		if !s.service.Can(sess.Role, rbac.ActionSave) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		if err := s.service.DeleteClip(r.Context(), sess, parts[3]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}
		response := s.service.Search(search.Query{
			Text:       q,
			FilterType: search.ResultType(filterType),
			Limit:      limit,
			Offset:     offset,
		})
		writeJSON(w, http.StatusOK, response)
		return
	}

	// Admin and editorial routes.
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "admin" {
		s.handleAdmin(w, r, sess, parts)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, sess Session, parts []string) {
	// PUT /api/admin/chapters/{n} and /api/admin/stories/{n} are editorial.
	if r.Method == http.MethodPut && len(parts) == 4 && (parts[2] == "chapters" || parts[2] == "stories") {
		if !s.service.Can(sess.Role, rbac.ActionEdit) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		number, err := strconv.Atoi(parts[3])
		if err != nil || number <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be a positive integer", nil)
			return
		}

		if parts[2] == "chapters" {
			var body struct {
				store.Chapter
				Merge *bool `json:"merge"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			body.Chapter.Chapter = number
			merge := true
			if body.Merge != nil {
				merge = *body.Merge
			}
			if err := s.service.SaveChapter(r.Context(), body.Chapter, merge); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}

		var body store.Story
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		body.Chapter = number
		if err := s.service.SaveStory(r.Context(), body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything else under /api/admin/corpus needs import rights.
	if !s.service.Can(sess.Role, rbac.ActionImport) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/corpus/inspect" {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "import document too large or unreadable", nil)
			return
		}
		report, err := s.service.InspectImport(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/corpus/upload" {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "import document too large or unreadable", nil)
			return
		}
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			name = "corpus.json"
		}
		merge := r.URL.Query().Get("merge") != "false"

		result, runErr := s.service.RunImport(r.Context(), name, raw, merge, func(p batch.Progress) {
			log.Printf("import %s: %d/%d chapters (%d/%d chunks)", name, p.Completed, p.Total, p.ChunksDone, p.Chunks)
		})
		if runErr != nil {
			status, code, message, details := mapError(runErr)
			payload := map[string]any{"code": code, "error": message, "result": result}
			if details != nil {
				payload["details"] = details
			}
			writeJSON(w, status, payload)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/admin/corpus/reload" {
		if err := s.service.ReloadCorpus(r.Context()); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/corpus/history" {
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		history, err := s.service.SnapshotHistory(r.Context(), limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
		return
	}

	// GET /api/admin/corpus/download/{n}
	if r.Method == http.MethodGet && len(parts) == 5 && parts[2] == "corpus" && parts[3] == "download" {
		number, err := strconv.Atoi(parts[4])
		if err != nil || number <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "chapter must be a positive integer", nil)
			return
		}
		raw, err := s.service.ChapterDownload(r.Context(), number)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "chapter-"+parts[4]+".json"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/corpus/download" {
		raw, err := s.service.CorpusDownload(r.Context(), strings.TrimSpace(r.URL.Query().Get("hash")))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="corpus.json"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/admin/corpus/archives" {
		keys, err := s.service.ListImportArchives(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archives": keys})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// ---- auth handlers ----

func (s *HTTPServer) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	// A caller presenting a valid token keeps its session.
	if token := bearerToken(r); token != "" {
		if sess, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			writeJSON(w, http.StatusOK, sessionPayload(sess, false))
			return
		}
	}
	sess, err := s.service.EnsureSession(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess, true))
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	// The current anonymous session, if any, upgrades in place.
	var current *Session
	if token := bearerToken(r); token != "" {
		if sess, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			current = &sess
		}
	}

	sess, err := s.service.SignUp(r.Context(), current, body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(sess, true))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess, true))
}

func (s *HTTPServer) handleLink(w http.ResponseWriter, r *http.Request, current Session) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Link(r.Context(), current, body.Email, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess, true))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess, true))
}

func (s *HTTPServer) handleSignOut(w http.ResponseWriter, r *http.Request) {
	sess := Session{}
	if token := bearerToken(r); token != "" {
		if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
			sess = parsed
		}
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.SignOut(r.Context(), sess, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionPayload(sess Session, withTokens bool) map[string]any {
	payload := map[string]any{
		"subjectId":   sess.SubjectID,
		"role":        sess.Role,
		"isAnonymous": sess.IsAnonymous,
		"expiresAt":   sess.ExpiresAt.Unix(),
	}
	if withTokens {
		payload["accessToken"] = sess.Token
		payload["refreshToken"] = sess.RefreshToken
	}
	return payload
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	sess, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return sess, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func savedFilterFromQuery(r *http.Request) (saved.Filter, error) {
	q := r.URL.Query()
	f := saved.Filter{
		Type:  strings.TrimSpace(q.Get("type")),
		Query: strings.TrimSpace(q.Get("q")),
	}
	if raw := strings.TrimSpace(q.Get("chapter")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return saved.Filter{}, errors.New("chapter must be an integer")
		}
		f.Chapter = parsed
	}
	switch raw := strings.TrimSpace(q.Get("pinned")); raw {
	case "", "false", "0":
	case "true", "1":
		f.PinnedOnly = true
	default:
		return saved.Filter{}, errors.New("pinned must be true or false")
	}
	return f, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An absent body means "no fields"; callers default the rest.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, identity.ErrProvider):
		return http.StatusServiceUnavailable, "PROVIDER_ERROR", "Identity provider unavailable", nil
	case errors.Is(err, identity.ErrInvalidCredential):
		return http.StatusUnauthorized, "INVALID_CREDENTIAL", "Invalid email or password", nil
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "No account for that email", nil
	case errors.Is(err, identity.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts, try again later", nil
	case errors.Is(err, identity.ErrWeakCredential):
		return http.StatusUnprocessableEntity, "WEAK_CREDENTIAL", "Password must be at least 8 characters", nil
	case errors.Is(err, identity.ErrCredentialInUse):
		return http.StatusConflict, "CREDENTIAL_IN_USE", "Email already registered", nil
	case errors.Is(err, identity.ErrNotAnonymous):
		return http.StatusConflict, "NOT_ANONYMOUS", "Account already has a credential", nil
	case errors.Is(err, identity.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Email and password are required", nil
	case errors.Is(err, saved.ErrMissingSubject):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, saved.ErrEmptyClip):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Clip text is required", nil
	case errors.Is(err, saved.ErrUnknownClipType):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unknown clip type", nil
	case errors.Is(err, saved.ErrBadChapter):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Chapter must be positive", nil
	case errors.Is(err, saved.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, export.ErrChapterUnavailable):
		return http.StatusNotFound, "NOT_FOUND", "Chapter not found", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF renderer not installed", nil
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, batch.ErrBadDocument):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, batch.ErrChunkFailed):
		return http.StatusBadGateway, "BATCH_CHUNK_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
