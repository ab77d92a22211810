package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func withAuth(t *testing.T, cfg *authConfig) {
	t.Helper()
	auth = cfg
	t.Cleanup(func() { auth = nil })
}

func fullAuth() *authConfig {
	return &authConfig{
		adminUser:    "admin",
		adminPass:    "secret",
		operatorUser: "operator",
		operatorPass: "opsecret",
		enabled:      true,
	}
}

// serve runs mw around a handler that records whether it was reached.
func serve(mw func(http.Handler) http.Handler, user, pass string) (int, bool) {
	called := false
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest("GET", "/programs", nil)
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code, called
}

func TestAuthDisabledAllowsEverything(t *testing.T) {
	withAuth(t, &authConfig{enabled: false})

	if IsAuthEnabled() {
		t.Error("auth should be disabled")
	}
	if code, called := serve(RequireAdmin, "", ""); !called || code != http.StatusOK {
		t.Errorf("expected admin route open, got %d called=%v", code, called)
	}
}

func TestRoleMiddleware(t *testing.T) {
	withAuth(t, fullAuth())

	cases := []struct {
		name   string
		mw     func(http.Handler) http.Handler
		user   string
		pass   string
		status int
	}{
		{"no credentials", RequireAnyRole, "", "", http.StatusUnauthorized},
		{"admin any role", RequireAnyRole, "admin", "secret", http.StatusOK},
		{"operator any role", RequireAnyRole, "operator", "opsecret", http.StatusOK},
		{"wrong password", RequireAnyRole, "admin", "wrong", http.StatusUnauthorized},
		{"admin on admin route", RequireAdmin, "admin", "secret", http.StatusOK},
		{"operator on admin route", RequireAdmin, "operator", "opsecret", http.StatusForbidden},
	}
	for _, tc := range cases {
		code, called := serve(tc.mw, tc.user, tc.pass)
		if code != tc.status {
			t.Errorf("%s: expected status %d, got %d", tc.name, tc.status, code)
		}
		if called != (tc.status == http.StatusOK) {
			t.Errorf("%s: handler called=%v with status %d", tc.name, called, code)
		}
	}
}

func TestUnauthorizedSetsChallenge(t *testing.T) {
	withAuth(t, fullAuth())

	h := RequireAnyRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/events", nil))
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}

func TestOperatorUnconfigured(t *testing.T) {
	withAuth(t, &authConfig{adminUser: "admin", adminPass: "secret", enabled: true})

	if code, _ := serve(RequireAnyRole, "operator", ""); code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unconfigured operator, got %d", code)
	}
}

func TestInitAuthFromEnv(t *testing.T) {
	t.Setenv("NARRATIVE_ADMIN_USER", "root")
	t.Setenv("NARRATIVE_ADMIN_PASS", "hunter2")
	t.Setenv("NARRATIVE_OPERATOR_USER", "")
	t.Setenv("NARRATIVE_OPERATOR_PASS", "")
	t.Cleanup(func() { auth = nil })

	if err := InitAuth(); err != nil {
		t.Fatalf("init auth failed: %v", err)
	}
	if !IsAuthEnabled() {
		t.Fatal("expected auth enabled")
	}
	if code, _ := serve(RequireAdmin, "root", "hunter2"); code != http.StatusOK {
		t.Errorf("expected admin accepted, got %d", code)
	}
}

func TestInitAuthRejectsHalfPair(t *testing.T) {
	t.Setenv("NARRATIVE_ADMIN_USER", "root")
	t.Setenv("NARRATIVE_ADMIN_PASS", "")
	t.Cleanup(func() { auth = nil })

	if err := InitAuth(); err == nil {
		t.Error("expected error for admin user without password")
	}
}

func TestSecureCompare(t *testing.T) {
	if !secureCompare("test", "test") {
		t.Error("identical strings should match")
	}
	if secureCompare("test", "Test") || secureCompare("", "test") {
		t.Error("different strings should not match")
	}
}
