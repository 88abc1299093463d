// Package middleware содержит HTTP middleware платёжного шлюза.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const operatorKey contextKey = "operator"

// AdminAuth проверяет bearer-токены операторов, подписанные HMAC-SHA256.
// Формат токена: <operator>.<unix-время истечения>.<hex-подпись>.
type AdminAuth struct {
	secretKey []byte
	now       func() time.Time
}

// NewAdminAuth создаёт AdminAuth с указанным секретом. Пустой секрет заменяется случайным,
// и ни один внешний токен не проходит проверку.
func NewAdminAuth(secret string) *AdminAuth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		}
	}

	return &AdminAuth{
		secretKey: key,
		now:       time.Now,
	}
}

// Middleware пропускает только запросы с действительным токеном и кладёт имя оператора в контекст.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		operator, ok := a.parseToken(token)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueToken выпускает токен оператора со сроком действия ttl.
func (a *AdminAuth) IssueToken(operator string, ttl time.Duration) string {
	payload := operator + "." + strconv.FormatInt(a.now().Add(ttl).Unix(), 10)
	return payload + "." + a.sign(payload)
}

func (a *AdminAuth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *AdminAuth) parseToken(token string) (string, bool) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 {
		return "", false
	}
	payload, signature := token[:i], token[i+1:]

	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return "", false
	}

	j := strings.LastIndexByte(payload, '.')
	if j <= 0 {
		return "", false
	}
	operator, expRaw := payload[:j], payload[j+1:]

	exp, err := strconv.ParseInt(expRaw, 10, 64)
	if err != nil || !a.now().Before(time.Unix(exp, 0)) {
		return "", false
	}

	return operator, true
}

// OperatorFromContext извлекает имя оператора из контекста запроса.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok
}
