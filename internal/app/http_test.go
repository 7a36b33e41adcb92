package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"daoread/api/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service, *fakeData) {
	t.Helper()
	svc, data := newTestService(t)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return server, svc, data
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func fieldString(t *testing.T, doc map[string]json.RawMessage, key string) string {
	t.Helper()
	var value string
	if err := json.Unmarshal(doc[key], &value); err != nil {
		t.Fatalf("field %q: %v", key, err)
	}
	return value
}

func fieldBool(t *testing.T, doc map[string]json.RawMessage, key string) bool {
	t.Helper()
	var value bool
	if err := json.Unmarshal(doc[key], &value); err != nil {
		t.Fatalf("field %q: %v", key, err)
	}
	return value
}

func anonymousToken(t *testing.T, server *httptest.Server) string {
	t.Helper()
	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/auth/session", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("auth/session status = %d", resp.StatusCode)
	}
	return fieldString(t, doc, "accessToken")
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	resp, doc := doJSON(t, http.MethodGet, server.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !fieldBool(t, doc, "ok") {
		t.Error("health reported not ok")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestRoutesRequireSession(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, path := range []string{"/api/chapters", "/api/saved", "/api/search?q=x"} {
		resp, _ := doJSON(t, http.MethodGet, server.URL+path, "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status = %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestAnonymousSessionFlow(t *testing.T) {
	server, _, _ := newTestServer(t)

	token := anonymousToken(t, server)

	resp, doc := doJSON(t, http.MethodGet, server.URL+"/api/session", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session status = %d", resp.StatusCode)
	}
	if !fieldBool(t, doc, "authenticated") {
		t.Error("session not recognized")
	}
}

func TestEnsureSessionKeepsValidToken(t *testing.T) {
	server, _, _ := newTestServer(t)

	token := anonymousToken(t, server)

	// Presenting a live token must not mint a second subject.
	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/auth/session", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for kept session", resp.StatusCode)
	}
	if _, hasToken := doc["accessToken"]; hasToken {
		t.Error("kept session must not reissue tokens")
	}
}

func TestSignUpOverHTTPKeepsSubjectID(t *testing.T) {
	server, svc, _ := newTestServer(t)

	token := anonymousToken(t, server)
	before, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}

	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/auth/signup", token, map[string]string{
		"email":    "reader@example.com",
		"password": "correct-horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status = %d", resp.StatusCode)
	}
	if got := fieldString(t, doc, "subjectId"); got != before.SubjectID {
		t.Errorf("subject changed on signup: %q -> %q", before.SubjectID, got)
	}
	if fieldBool(t, doc, "isAnonymous") {
		t.Error("signed-up session still anonymous")
	}
}

func TestBookmarkToggleRoundTrip(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 1, "도")

	token := anonymousToken(t, server)

	resp, doc := doJSON(t, http.MethodPut, server.URL+"/api/saved/bookmarks/1", token, map[string]bool{"saved": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	if !fieldBool(t, doc, "saved") {
		t.Error("bookmark not reported saved")
	}

	resp, doc = doJSON(t, http.MethodPut, server.URL+"/api/saved/bookmarks/1", token, map[string]bool{"saved": false})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unsave status = %d", resp.StatusCode)
	}
	if fieldBool(t, doc, "saved") {
		t.Error("bookmark still reported saved")
	}
}

func TestBookmarkDeleteUnsaves(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 1, "도")

	token := anonymousToken(t, server)

	// PUT with no body saves.
	resp, doc := doJSON(t, http.MethodPut, server.URL+"/api/saved/bookmarks/1", token, nil)
	if resp.StatusCode != http.StatusOK || !fieldBool(t, doc, "saved") {
		t.Fatalf("save: status = %d, doc = %v", resp.StatusCode, doc)
	}

	resp, doc = doJSON(t, http.MethodDelete, server.URL+"/api/saved/bookmarks/1", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if fieldBool(t, doc, "saved") {
		t.Error("bookmark still reported saved after delete")
	}

	resp, doc = doJSON(t, http.MethodGet, server.URL+"/api/saved/bookmarks", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var bookmarks []json.RawMessage
	if err := json.Unmarshal(doc["bookmarks"], &bookmarks); err != nil {
		t.Fatalf("bookmarks field: %v", err)
	}
	if len(bookmarks) != 0 {
		t.Errorf("bookmarks = %d, want 0", len(bookmarks))
	}
}

func TestChapterStoryRoute(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 8, "상선약수")
	data.mu.Lock()
	data.stories[8] = store.Story{Chapter: 8, Title: "물의 이야기", Paragraphs: []string{"옛날에"}}
	data.mu.Unlock()

	token := anonymousToken(t, server)

	resp, doc := doJSON(t, http.MethodGet, server.URL+"/api/chapters/8/story", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := fieldString(t, doc, "title"); got != "물의 이야기" {
		t.Errorf("title = %q", got)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/chapters/9/story", token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing story status = %d, want 404", resp.StatusCode)
	}
}

func TestClipLifecycleOverHTTP(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 8, "상선약수")

	token := anonymousToken(t, server)

	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/saved/clips", token, map[string]any{
		"type":    "ko",
		"chapter": 8,
		"text":    "최고의 선은 물과 같다",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("clip status = %d", resp.StatusCode)
	}
	clipID := fieldString(t, doc, "id")

	resp, doc = doJSON(t, http.MethodPut, server.URL+"/api/saved/clips/"+clipID+"/pin", token, map[string]bool{"pinned": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pin status = %d", resp.StatusCode)
	}
	if !fieldBool(t, doc, "pinned") {
		t.Error("clip not reported pinned")
	}

	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/saved/clips/"+clipID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, server.URL+"/api/saved/clips/"+clipID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestClipValidationOverHTTP(t *testing.T) {
	server, _, _ := newTestServer(t)
	token := anonymousToken(t, server)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/saved/clips", token, map[string]any{
		"type":    "ko",
		"chapter": 8,
		"text":    "",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("empty clip status = %d, want 422", resp.StatusCode)
	}
}

func TestSavedViewFiltersOverHTTP(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 8, "상선약수")

	token := anonymousToken(t, server)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/saved/clips", token, map[string]any{
		"type": "ko", "chapter": 8, "text": "최고의 선은 물과 같다",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("clip status = %d", resp.StatusCode)
	}
	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/saved/clips", token, map[string]any{
		"type": "han", "chapter": 8, "text": "上善若水",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("clip status = %d", resp.StatusCode)
	}
	hanID := fieldString(t, doc, "id")
	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/saved/clips/"+hanID+"/pin", token, map[string]bool{"pinned": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pin status = %d", resp.StatusCode)
	}

	var view struct {
		Clips []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"clips"`
	}
	decodeView := func(target string) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", res.StatusCode)
		}
		view.Clips = nil
		if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}

	decodeView(server.URL + "/api/saved?type=han")
	if len(view.Clips) != 1 || view.Clips[0].Type != "han" {
		t.Errorf("type filter returned %+v", view.Clips)
	}

	decodeView(server.URL + "/api/saved?pinned=true")
	if len(view.Clips) != 1 || view.Clips[0].ID != hanID {
		t.Errorf("pinned filter returned %+v", view.Clips)
	}

	decodeView(server.URL + "/api/saved/clips?q=" + url.QueryEscape("물과 같다"))
	if len(view.Clips) != 1 || view.Clips[0].Type != "ko" {
		t.Errorf("query filter returned %+v", view.Clips)
	}

	resp, _ = doJSON(t, http.MethodGet, server.URL+"/api/saved?pinned=maybe", token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("bad pinned value status = %d, want 422", resp.StatusCode)
	}
}

func TestSearchValidatesPagination(t *testing.T) {
	server, _, _ := newTestServer(t)
	token := anonymousToken(t, server)

	resp, _ := doJSON(t, http.MethodGet, server.URL+"/api/search?q=water&limit=abc", token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestAdminRoutesForbiddenForReader(t *testing.T) {
	server, _, _ := newTestServer(t)
	token := anonymousToken(t, server)

	resp, _ := doJSON(t, http.MethodPost, server.URL+"/api/admin/corpus/reload", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("reload status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, server.URL+"/api/admin/chapters/1", token, map[string]any{"title": "x"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("chapter save status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminImportFlow(t *testing.T) {
	server, svc, data := newTestServer(t)

	// Promote a subject to admin directly in the store.
	token := anonymousToken(t, server)
	sess, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	data.mu.Lock()
	subject := data.subjects[sess.SubjectID]
	subject.Role = "admin"
	data.subjects[sess.SubjectID] = subject
	data.mu.Unlock()

	doc := `{"1":{"title":"도"},"2":{"title":"덕"}}`
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/admin/corpus/upload?name=test.json", bytes.NewBufferString(doc))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}

	var result struct {
		Completed int `json:"completed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Completed != 2 {
		t.Errorf("completed = %d, want 2", result.Completed)
	}

	chapters, _, err := svc.Corpus.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(chapters) != 2 {
		t.Errorf("corpus has %d chapters, want 2", len(chapters))
	}
}

func TestAdminUploadRejectsMalformedDocument(t *testing.T) {
	server, svc, data := newTestServer(t)

	token := anonymousToken(t, server)
	sess, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	data.mu.Lock()
	subject := data.subjects[sess.SubjectID]
	subject.Role = "admin"
	data.subjects[sess.SubjectID] = subject
	data.mu.Unlock()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/admin/corpus/upload?name=bad.json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("upload status = %d, want 422", resp.StatusCode)
	}

	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "VALIDATION_ERROR" {
		t.Errorf("code = %q, want VALIDATION_ERROR", body.Code)
	}
}

func TestReaderViewOverHTTP(t *testing.T) {
	server, svc, data := newTestServer(t)
	seedChapter(t, svc, data, 1, "도")
	seedChapter(t, svc, data, 2, "덕")

	token := anonymousToken(t, server)

	resp, doc := doJSON(t, http.MethodPost, server.URL+"/api/reader/view", token, map[string]any{
		"mode":  "range",
		"start": 1,
		"end":   2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var chapters []json.RawMessage
	if err := json.Unmarshal(doc["chapters"], &chapters); err != nil {
		t.Fatalf("chapters field: %v", err)
	}
	if len(chapters) != 2 {
		t.Errorf("chapters = %d, want 2", len(chapters))
	}
}
