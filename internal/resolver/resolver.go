// Package resolver сопоставляет входящий сигнал с единственным локальным заказом.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/repository"
	"github.com/mmeshcher/bogpay-gateway/internal/validation"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден ни по id, ни по идентификатору процессинга.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderMismatch возвращается, если найденный по id заказ привязан к другому заказу процессинга.
	ErrOrderMismatch = errors.New("order does not match remote order id")
)

// Store описывает поиск заказов, необходимый резолверу.
// Для отсутствующего заказа обе операции возвращают repository.ErrOrderNotFound.
type Store interface {
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	FindOrderByRemoteID(ctx context.Context, remoteOrderID string) (*model.Order, error)
}

// Resolver находит заказ по паре внешнего и удалённого идентификаторов.
type Resolver struct {
	store Store
}

// New создаёт резолвер.
func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve возвращает заказ для сигнала.
// Если externalOrderID задан, заказ ищется по нему и сверяется с remoteOrderID;
// иначе ищется единственный заказ с сохранённым remoteOrderID.
func (r *Resolver) Resolve(ctx context.Context, externalOrderID, remoteOrderID string) (*model.Order, error) {
	if externalOrderID != "" {
		return r.resolveDirect(ctx, externalOrderID, remoteOrderID)
	}

	if remoteOrderID == "" {
		return nil, ErrOrderNotFound
	}

	order, err := r.store.FindOrderByRemoteID(ctx, remoteOrderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: remote order %s", ErrOrderNotFound, remoteOrderID)
		}
		return nil, fmt.Errorf("find order by remote id: %w", err)
	}
	return order, nil
}

func (r *Resolver) resolveDirect(ctx context.Context, externalOrderID, remoteOrderID string) (*model.Order, error) {
	id, err := validation.ParseOrderID(externalOrderID)
	if err != nil {
		return nil, fmt.Errorf("%w: external order id %q", ErrOrderNotFound, externalOrderID)
	}

	order, err := r.store.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: order %d", ErrOrderNotFound, id)
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if remoteOrderID != "" && order.RemoteOrderID != remoteOrderID {
		return nil, fmt.Errorf("%w: order %d is bound to %q, signal carries %q",
			ErrOrderMismatch, id, order.RemoteOrderID, remoteOrderID)
	}

	return order, nil
}
