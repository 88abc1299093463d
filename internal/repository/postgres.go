// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrRemoteOrderIDSet возвращается при попытке перепривязать заказ к другому заказу процессинга.
	ErrRemoteOrderIDSet = errors.New("remote order id already set")
	// ErrUnknownOrderStatus возвращается, если в заказе сохранён статус вне жизненного цикла платформы.
	ErrUnknownOrderStatus = errors.New("unknown order status")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		t := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const orderColumns = `id, status, total::text, shipping_total::text, tax_total::text, currency, payment_method,
	COALESCE(remote_order_id, ''), COALESCE(transaction_id, ''), COALESCE(last_status, ''), last_callback_at, created_at`

func parseOrderStatus(raw string) (model.OrderStatus, error) {
	status := model.OrderStatus(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, raw)
	}
	return status, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                      model.Order
		status                 string
		total, shipping, taxes string
	)

	err := row.Scan(&o.ID, &status, &total, &shipping, &taxes, &o.Currency, &o.PaymentMethod,
		&o.RemoteOrderID, &o.TransactionID, &o.LastStatus, &o.LastCallbackAt, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	if o.Status, err = parseOrderStatus(status); err != nil {
		return nil, err
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if o.ShippingTotal, err = decimal.NewFromString(shipping); err != nil {
		return nil, fmt.Errorf("parse shipping total: %w", err)
	}
	if o.TaxTotal, err = decimal.NewFromString(taxes); err != nil {
		return nil, fmt.Errorf("parse tax total: %w", err)
	}

	return &o, nil
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := r.getOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

// FindOrderByRemoteID возвращает заказ, привязанный к заказу процессинга.
func (r *PostgresRepository) FindOrderByRemoteID(ctx context.Context, remoteOrderID string) (*model.Order, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `SELECT id FROM orders WHERE remote_order_id = $1`, remoteOrderID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("find order by remote id: %w", err)
	}
	return r.GetOrder(ctx, id)
}

func (r *PostgresRepository) getOrderItems(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT product_id, sku, name, quantity, subtotal::text
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			it       model.OrderItem
			subtotal string
		)
		if err := rows.Scan(&it.ProductID, &it.SKU, &it.Name, &it.Quantity, &subtotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		if it.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
			return nil, fmt.Errorf("parse item subtotal: %w", err)
		}
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// SetRemoteOrderID привязывает заказ к заказу процессинга. Повторная привязка к тому же id допустима,
// к другому запрещена.
func (r *PostgresRepository) SetRemoteOrderID(ctx context.Context, id int64, remoteOrderID string) error {
	return withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders SET remote_order_id = $2, updated_at = now()
			 WHERE id = $1 AND (remote_order_id IS NULL OR remote_order_id = $2)`,
			id, remoteOrderID,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s bound to another order", ErrRemoteOrderIDSet, remoteOrderID)
			}
			return fmt.Errorf("set remote order id: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}

		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check order: %w", err)
		}
		if !exists {
			return ErrOrderNotFound
		}
		return fmt.Errorf("%w: order %d", ErrRemoteOrderIDSet, id)
	})
}

// UpdateStatus меняет статус заказа, только если текущий статус равен from.
// Идентификатор транзакции записывается один раз.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, from, to model.OrderStatus, transactionID string) (bool, error) {
	var updated bool
	err := withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE orders
			 SET status = $3,
			     transaction_id = COALESCE(transaction_id, NULLIF($4, '')),
			     updated_at = now()
			 WHERE id = $1 AND status = $2`,
			id, string(from), string(to), transactionID,
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		updated = tag.RowsAffected() == 1
		return nil
	})
	return updated, err
}

// RecordLastStatus сохраняет последний статус процессинга и время его получения.
func (r *PostgresRepository) RecordLastStatus(ctx context.Context, id int64, status string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET last_status = $2, last_callback_at = $3 WHERE id = $1`,
		id, status, at,
	)
	if err != nil {
		return fmt.Errorf("record last status: %w", err)
	}
	return nil
}

// RecordStatusResponse сохраняет тело последней квитанции, полученной при ручной проверке.
func (r *PostgresRepository) RecordStatusResponse(ctx context.Context, id int64, raw []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET last_status_response = $2 WHERE id = $1`,
		id, string(raw),
	)
	if err != nil {
		return fmt.Errorf("record status response: %w", err)
	}
	return nil
}

// AddNote добавляет заметку к заказу.
func (r *PostgresRepository) AddNote(ctx context.Context, id int64, text string) error {
	return withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO order_notes (order_id, note) VALUES ($1, $2)`, id, text)
		if err != nil {
			return fmt.Errorf("insert order note: %w", err)
		}
		return nil
	})
}

// ListNotes возвращает заметки заказа в порядке добавления.
func (r *PostgresRepository) ListNotes(ctx context.Context, id int64) ([]model.Note, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, note, created_at FROM order_notes WHERE order_id = $1 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select order notes: %w", err)
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.OrderID, &n.Text, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order note: %w", err)
		}
		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return notes, nil
}

// InsertAuditEntry добавляет запись в журнал платежей.
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_logs (order_id, remote_order_id, status, message, created_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, $5)`,
		entry.OrderID, entry.RemoteOrderID, entry.Status, entry.Message, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries возвращает журнал заказа от новых записей к старым.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, COALESCE(remote_order_id, ''), status, message, created_at
		 FROM payment_logs
		 WHERE order_id = $1
		 ORDER BY created_at DESC, id DESC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	var res []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.RemoteOrderID, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
