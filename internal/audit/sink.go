// Package audit ведёт журнал сверки платежей.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

// Repository описывает хранилище записей журнала.
type Repository interface {
	InsertAuditEntry(ctx context.Context, entry model.AuditEntry) error
	ListAuditEntries(ctx context.Context, orderID int64) ([]model.AuditEntry, error)
}

// Sink пишет записи журнала. Ошибки хранилища не прерывают сверку: они логируются и отбрасываются.
type Sink struct {
	repo   Repository
	logger *zap.Logger
}

// NewSink создаёт журнал поверх репозитория.
func NewSink(repo Repository, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{repo: repo, logger: logger}
}

// Append сохраняет запись журнала.
func (s *Sink) Append(ctx context.Context, entry model.AuditEntry) {
	if err := s.repo.InsertAuditEntry(ctx, entry); err != nil {
		s.logger.Error("audit entry not persisted",
			zap.Int64("order_id", entry.OrderID),
			zap.String("remote_order_id", entry.RemoteOrderID),
			zap.String("status", entry.Status),
			zap.Error(err),
		)
	}
}

// List возвращает записи журнала заказа от новых к старым.
func (s *Sink) List(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	entries, err := s.repo.ListAuditEntries(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
