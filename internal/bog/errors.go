package bog

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrAuth возвращается, если не удалось получить токен доступа.
	ErrAuth = errors.New("bog authentication failed")
	// ErrInvalidResponse возвращается, если ответ процессинга не содержит обязательных полей.
	ErrInvalidResponse = errors.New("invalid response from payment gateway")
)

// AuthError описывает сбой эндпоинта авторизации.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrAuth, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAuth, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is позволяет сравнивать AuthError с ErrAuth через errors.Is.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// RemoteAPIError описывает ответ API процессинга с неуспешным HTTP-статусом.
type RemoteAPIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

func newRemoteAPIError(op string, status int, body []byte) *RemoteAPIError {
	msg := "Unknown error"
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &data); err == nil && data.Message != "" {
		msg = data.Message
	}
	return &RemoteAPIError{Op: op, StatusCode: status, Message: msg}
}
