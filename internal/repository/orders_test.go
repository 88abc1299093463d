package repository

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

func TestParseOrderStatus(t *testing.T) {
	for _, raw := range []string{"pending", "on-hold", "processing", "completed", "failed", "refunded"} {
		status, err := parseOrderStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, model.OrderStatus(raw), status)
	}

	for _, raw := range []string{"", "cancelled", "Completed"} {
		_, err := parseOrderStatus(raw)
		assert.ErrorIs(t, err, ErrUnknownOrderStatus, raw)
	}
}

func TestMigrations_PaymentLogsColumnsUnbounded(t *testing.T) {
	raw, err := migrationsFS.ReadFile("migrations/00001_init.sql")
	require.NoError(t, err)

	table := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS payment_logs \((.*?)\);`).FindSubmatch(raw)
	require.NotNil(t, table, "payment_logs table not declared")

	// Статусы процессинга сохраняются как есть, поэтому длина столбцов не ограничивается.
	for _, column := range []string{"status", "remote_order_id"} {
		def := regexp.MustCompile(`(?m)^\s*` + column + `\s+(\S+)`).FindSubmatch(table[1])
		require.NotNil(t, def, column)
		assert.Equal(t, "TEXT", string(def[1]), column)
	}
}
