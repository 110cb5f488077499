package server

import (
	contextpkg "context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cirql/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/places/ROOM1", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		users:     &stubUserDirectory{},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/places/ROOM1", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: stubSessionValidator{err: errors.New("signature mismatch")},
		users:     &stubUserDirectory{},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestResolvesCanonicalUser(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/places/ROOM1/stream?access_token=query-token", http.NoBody)

	directory := &stubUserDirectory{canonical: "12345"}
	validator := stubSessionValidator{claims: auth.SessionClaims{UserID: "google:12345"}}
	handler := &httpHandler{validator: validator, users: directory, logger: zap.NewNop()}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status code %d", recorder.Code)
	}
	if got := ctx.GetString(userIDContextKey); got != "12345" {
		t.Fatalf("expected canonical user id, got %q", got)
	}
	if directory.lastClaims.UserID != "google:12345" {
		t.Fatalf("expected claims to be forwarded, got %+v", directory.lastClaims)
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

func (s stubSessionValidator) ValidateToken(string) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubUserDirectory struct {
	canonical  string
	lastClaims auth.SessionClaims
}

func (s *stubUserDirectory) ResolveCanonicalUserID(_ contextpkg.Context, claims auth.SessionClaims) (string, error) {
	s.lastClaims = claims
	return s.canonical, nil
}

func (s *stubUserDirectory) GetProfile(contextpkg.Context, string) (users.Profile, error) {
	return users.Profile{}, users.ErrProfileNotFound
}

func (s *stubUserDirectory) UpdateHeadline(contextpkg.Context, string, string) (users.Profile, error) {
	return users.Profile{}, users.ErrProfileNotFound
}
