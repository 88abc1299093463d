package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_PerIP(t *testing.T) {
	l := NewRateLimiter(0.001, 2, nil)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/payments/bog/callback", nil)
		r.RemoteAddr = addr
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1000"), "other clients keep their own budget")
}

func TestRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, 1, nil)
	l.now = func() time.Time { return now }

	l.limiterFor("10.0.0.1")
	now = now.Add(time.Hour)
	l.limiterFor("10.0.0.2")

	assert.Equal(t, 1, l.Sweep(30*time.Minute))
	assert.Len(t, l.limiters, 1)
	assert.Contains(t, l.limiters, "10.0.0.2")
}
