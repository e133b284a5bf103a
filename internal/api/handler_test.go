package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/domain"
	"chatrelay/internal/hub"
	"chatrelay/internal/ollama"
	"chatrelay/internal/store"
)

type fakeModels struct {
	models []ollama.ModelInfo
	err    error
}

func (f *fakeModels) ListModels(ctx context.Context) ([]ollama.ModelInfo, error) {
	return f.models, f.err
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	models := &fakeModels{models: []ollama.ModelInfo{{Name: "llama3:latest"}}}
	return NewServer(hub.NewHub(), st, models), st
}

func seedSession(t *testing.T, st store.Store, sessionID, userID string) {
	t.Helper()
	err := st.CreateSession(context.Background(), &domain.Session{
		SessionID: sessionID,
		UserID:    userID,
		Model:     "llama3",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{"model":"llama3"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var session domain.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if session.UserID != "alice" || session.Model != "llama3" {
		t.Fatalf("unexpected session: %+v", session)
	}
	if !strings.HasPrefix(session.SessionID, "sess_") {
		t.Fatalf("unexpected session id: %q", session.SessionID)
	}
}

func TestCreateSessionRequiresModel(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetMessagesOwned(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st, "s1", "alice")
	err := st.AppendMessage(context.Background(), &domain.Message{
		MessageID: "m1",
		SessionID: "s1",
		Role:      domain.RoleUser,
		Content:   "hello",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/messages", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetMessagesForeignSessionIs404(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st, "s1", "alice")

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/messages", nil)
	req.Header.Set("X-User-ID", "mallory")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign session, got %d", rec.Code)
	}
}

func TestGetMessagesAnonymousDefault(t *testing.T) {
	s, st := newTestServer(t)
	seedSession(t, st, "s1", domain.AnonymousUserID)

	// No X-User-ID header: the caller is the anonymous default user.
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/messages", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Models []ollama.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Models) != 1 || resp.Models[0].Name != "llama3:latest" {
		t.Fatalf("unexpected models: %+v", resp.Models)
	}
}

func TestListModelsBackendDown(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s := NewServer(hub.NewHub(), st, &fakeModels{err: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
