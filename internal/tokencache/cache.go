// Package tokencache содержит абстракцию кэша OAuth-токенов процессинга.
package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

// Cache хранит токен доступа между запросами.
type Cache interface {
	Get(ctx context.Context, key string) (model.AccessToken, bool, error)
	Set(ctx context.Context, key string, token model.AccessToken) error
}

// Memory реализует потокобезопасный кэш токенов в памяти процесса.
type Memory struct {
	mu     sync.RWMutex
	now    func() time.Time
	tokens map[string]model.AccessToken
}

// NewMemory создаёт кэш в памяти. Если now равен nil, используется time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:    now,
		tokens: make(map[string]model.AccessToken),
	}
}

// Get возвращает токен, если он ещё не истёк.
func (m *Memory) Get(_ context.Context, key string) (model.AccessToken, bool, error) {
	m.mu.RLock()
	tok, ok := m.tokens[key]
	m.mu.RUnlock()

	if !ok || !tok.ValidAt(m.now()) {
		return model.AccessToken{}, false, nil
	}
	return tok, true, nil
}

// Set сохраняет токен. Параллельные записи не координируются: побеждает последняя.
func (m *Memory) Set(_ context.Context, key string, token model.AccessToken) error {
	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()
	return nil
}
