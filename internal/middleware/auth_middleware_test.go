package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/auth"
	appctx "github.com/Abhilash1575/virtual-lab/internal/context"
	"github.com/Abhilash1575/virtual-lab/internal/repository"
	"github.com/google/uuid"
)

// stubSessionRepo implements repository.SessionRepository over a map
type stubSessionRepo struct {
	sessions map[uuid.UUID]*repository.AuthSession
}

func newStubSessionRepo() *stubSessionRepo {
	return &stubSessionRepo{sessions: make(map[uuid.UUID]*repository.AuthSession)}
}

func (s *stubSessionRepo) Create(ctx context.Context, session *repository.AuthSession) error {
	session.ID = uuid.New()
	s.sessions[session.ID] = session
	return nil
}

func (s *stubSessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.AuthSession, error) {
	if session, ok := s.sessions[id]; ok {
		return session, nil
	}
	return nil, repository.ErrSessionNotFound
}

func (s *stubSessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*repository.AuthSession, error) {
	for _, session := range s.sessions {
		if session.TokenHash == tokenHash {
			return session, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (s *stubSessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := s.sessions[id]; !ok {
		return repository.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *stubSessionRepo) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	for id, session := range s.sessions {
		if session.TokenHash == tokenHash {
			delete(s.sessions, id)
			return nil
		}
	}
	return repository.ErrSessionNotFound
}

func (s *stubSessionRepo) DeleteByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	for id, session := range s.sessions {
		if session.UserID == userID {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (s *stubSessionRepo) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	return 0, nil
}

func newTestTokenService() *auth.TokenService {
	return auth.NewTokenService(auth.TokenServiceConfig{
		AccessSecret:       "test-access-secret",
		RefreshSecret:      "test-refresh-secret",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 7 * 24 * time.Hour,
		Issuer:             "virtual-lab-test",
	})
}

func issueTestToken(t *testing.T, ts *auth.TokenService, repo *stubSessionRepo, role string, mustChange bool) (string, uuid.UUID) {
	t.Helper()
	userID := uuid.New()
	session := &repository.AuthSession{
		UserID:    userID,
		TokenHash: "irrelevant",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	if err := repo.Create(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	token, err := ts.GenerateAccessToken(auth.AccessTokenParams{
		UserID:             userID.String(),
		Username:           "student",
		Role:               role,
		SessionID:          session.ID.String(),
		MustChangePassword: mustChange,
	})
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token, session.ID
}

func echoIdentityHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := appctx.ExtractUserID(r.Context()); !ok {
			t.Error("user ID missing from context")
		}
		if _, ok := appctx.ExtractAuthSessionID(r.Context()); !ok {
			t.Error("session ID missing from context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticate_ValidTokenPasses(t *testing.T) {
	ts := newTestTokenService()
	repo := newStubSessionRepo()
	mw := NewAuthMiddleware(ts, repo)

	token, _ := issueTestToken(t, ts, repo, repository.RoleUser, false)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw.Authenticate(echoIdentityHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthenticate_MissingHeaderRejected(t *testing.T) {
	mw := NewAuthMiddleware(newTestTokenService(), newStubSessionRepo())

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	rec := httptest.NewRecorder()

	mw.Authenticate(echoIdentityHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

// A token whose session was deleted (a newer login) is rejected even
// though the JWT itself is still within its lifetime.
func TestAuthenticate_SupersededSessionRejected(t *testing.T) {
	ts := newTestTokenService()
	repo := newStubSessionRepo()
	mw := NewAuthMiddleware(ts, repo)

	token, sessionID := issueTestToken(t, ts, repo, repository.RoleUser, false)

	// Simulate a newer login invalidating this session
	if err := repo.Delete(context.Background(), sessionID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw.Authenticate(echoIdentityHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for superseded session, got %d", rec.Code)
	}

	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != auth.CodeSessionRevoked {
		t.Errorf("expected code %s, got %s", auth.CodeSessionRevoked, body.Error.Code)
	}
}

// An expired password blocks regular endpoints but not the ones that
// allow changing it.
func TestAuthenticate_ExpiredPasswordRestricted(t *testing.T) {
	ts := newTestTokenService()
	repo := newStubSessionRepo()
	mw := NewAuthMiddleware(ts, repo)

	token, _ := issueTestToken(t, ts, repo, repository.RoleUser, true)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mw.Authenticate(echoIdentityHandler(t)).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for expired password, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/auth/password", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()

	mw.AuthenticateAllowExpiredPassword(echoIdentityHandler(t)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("password change path should stay reachable, got %d", rec.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	ts := newTestTokenService()
	repo := newStubSessionRepo()
	mw := NewAuthMiddleware(ts, repo)

	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, tc := range []struct {
		role string
		want int
	}{
		{repository.RoleAdmin, http.StatusOK},
		{repository.RoleUser, http.StatusForbidden},
	} {
		token, _ := issueTestToken(t, ts, repo, tc.role, false)

		req := httptest.NewRequest(http.MethodPost, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		mw.Authenticate(mw.RequireAdmin(okHandler)).ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("role %s: expected %d, got %d", tc.role, tc.want, rec.Code)
		}
	}
}
