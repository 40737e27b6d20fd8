package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

type staticAuthenticator struct {
	identity Identity
	err      error
}

func (a staticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, a.err
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	mw := Middleware{Authenticator: staticAuthenticator{identity: Identity{Subject: "user-1", Roles: []string{"editor"}}}}

	var got Identity
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
	}))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/plans", nil)
	req.Header.Set(HeaderWorkspace, "ws-1")
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.Subject != "user-1" {
		t.Fatalf("subject = %q", got.Subject)
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	mw := Middleware{Authenticator: staticAuthenticator{err: ErrUnauthenticated}}

	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareEnforcesMethodRoles(t *testing.T) {
	mw := Middleware{
		Authenticator: staticAuthenticator{identity: Identity{Subject: "user-1", Roles: []string{"viewer"}}},
		Authorize:     MethodRoleAuthorizer(),
	}
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("viewer GET status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plans", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("viewer POST status = %d, want 403", rec.Code)
	}
}

func TestMiddlewareSkipPrefixes(t *testing.T) {
	mw := Middleware{
		Authenticator: staticAuthenticator{err: ErrUnauthenticated},
		SkipPrefixes:  []string{"/healthz"},
	}
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for skipped prefix", rec.Code)
	}
}
