package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

// TokenCache хранит токены процессинга в таблице access_tokens, общей для всех экземпляров сервиса.
type TokenCache struct {
	repo *PostgresRepository
}

// TokenCache возвращает кэш токенов поверх пула репозитория.
func (r *PostgresRepository) TokenCache() *TokenCache {
	return &TokenCache{repo: r}
}

// Get возвращает неистёкший токен по ключу.
func (c *TokenCache) Get(ctx context.Context, key string) (model.AccessToken, bool, error) {
	var tok model.AccessToken
	err := c.repo.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM access_tokens WHERE cache_key = $1 AND expires_at > now()`,
		key,
	).Scan(&tok.Value, &tok.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AccessToken{}, false, nil
		}
		return model.AccessToken{}, false, fmt.Errorf("get access token: %w", err)
	}
	return tok, true, nil
}

// Set сохраняет токен, перезаписывая предыдущий.
func (c *TokenCache) Set(ctx context.Context, key string, token model.AccessToken) error {
	_, err := c.repo.pool.Exec(ctx,
		`INSERT INTO access_tokens (cache_key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (cache_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, token.Value, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("set access token: %w", err)
	}
	return nil
}
