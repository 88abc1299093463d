package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func serveWithToken(t *testing.T, m *AdminAuth, header string, next http.Handler) *http.Response {
	t.Helper()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/admin/orders/42/check", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}

	m.Middleware(next).ServeHTTP(w, r)
	return w.Result()
}

func TestAdminAuth_ValidToken(t *testing.T) {
	m := NewAdminAuth("test-secret")

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		op, ok := OperatorFromContext(r.Context())
		if !ok {
			t.Fatalf("operator not in context")
		}
		if op != "ops.team" {
			t.Fatalf("operator from context = %q, want %q", op, "ops.team")
		}
	})

	res := serveWithToken(t, m, "Bearer "+m.IssueToken("ops.team", time.Hour), next)
	defer res.Body.Close()

	if !nextCalled {
		t.Fatalf("next handler was not called, status %d", res.StatusCode)
	}
}

func TestAdminAuth_Rejects(t *testing.T) {
	m := NewAdminAuth("test-secret")
	other := NewAdminAuth("other-secret")

	expired := NewAdminAuth("test-secret")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage", header: "Bearer garbage"},
		{name: "foreign secret", header: "Bearer " + other.IssueToken("ops", time.Hour)},
		{name: "expired", header: "Bearer " + expired.IssueToken("ops", time.Hour)},
		{name: "tampered operator", header: "Bearer root" + m.IssueToken("ops", time.Hour)[3:]},
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := serveWithToken(t, m, tt.header, next)
			defer res.Body.Close()

			if res.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
			}
		})
	}
}

func TestAdminAuth_EmptySecretRejectsEverything(t *testing.T) {
	m := NewAdminAuth("")
	forged := NewAdminAuth("")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("next handler should not be called")
	})

	res := serveWithToken(t, m, "Bearer "+forged.IssueToken("ops", time.Hour), next)
	defer res.Body.Close()

	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}
