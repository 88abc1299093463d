package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/bog"
	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/validation"
)

// Initiate создаёт заказ в процессинге для локального заказа и возвращает адрес платёжной страницы.
func (s *Service) Initiate(ctx context.Context, orderID int64) (string, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}

	if !validation.IsSupportedCurrency(order.Currency) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, order.Currency)
	}

	if order.Status != model.OrderStatusPending {
		return "", fmt.Errorf("%w: order is %s", ErrOrderNotPayable, order.Status)
	}
	if order.RemoteOrderID != "" {
		return "", fmt.Errorf("%w: already bound to remote order %s", ErrOrderNotPayable, order.RemoteOrderID)
	}

	req, err := s.buildOrderRequest(order)
	if err != nil {
		return "", err
	}

	remote, err := s.client.CreateOrder(ctx, req)
	if err != nil {
		s.logger.Error("create remote order failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrPaymentInit, err)
	}

	if err := s.repo.SetRemoteOrderID(ctx, order.ID, remote.ID); err != nil {
		s.logger.Error("store remote order id failed",
			zap.Int64("order_id", order.ID),
			zap.String("remote_order_id", remote.ID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrPaymentInit, err)
	}

	s.addNote(ctx, order.ID, fmt.Sprintf("Bank of Georgia order created. Order ID: %s", remote.ID))

	s.logger.Info("remote order created",
		zap.Int64("order_id", order.ID),
		zap.String("remote_order_id", remote.ID),
	)

	return remote.RedirectURL(), nil
}

func (s *Service) buildOrderRequest(order *model.Order) (bog.OrderRequest, error) {
	basket := make([]bog.BasketItem, 0, len(order.Items)+2)

	for _, it := range order.Items {
		if it.Quantity <= 0 {
			return bog.OrderRequest{}, fmt.Errorf("%w: item %s has quantity %d", ErrOrderNotPayable, it.Name, it.Quantity)
		}
		productID := it.SKU
		if productID == "" {
			productID = it.ProductID
		}
		basket = append(basket, bog.BasketItem{
			Quantity:    it.Quantity,
			UnitPrice:   it.Subtotal.Div(decimal.NewFromInt(int64(it.Quantity))).StringFixed(2),
			ProductID:   productID,
			Description: it.Name,
		})
	}

	if order.ShippingTotal.IsPositive() {
		basket = append(basket, bog.BasketItem{
			Quantity:    1,
			UnitPrice:   order.ShippingTotal.StringFixed(2),
			ProductID:   "SHIPPING",
			Description: "Shipping",
		})
	}

	if order.TaxTotal.IsPositive() {
		basket = append(basket, bog.BasketItem{
			Quantity:    1,
			UnitPrice:   order.TaxTotal.StringFixed(2),
			ProductID:   "TAX",
			Description: "Tax",
		})
	}

	base := s.settings.PublicBaseURL

	return bog.OrderRequest{
		CallbackURL: base + callbackPath,
		RedirectURLs: bog.RedirectURLs{
			Success: fmt.Sprintf("%s%s?order_id=%d&bog_order_id=%s", base, successPath, order.ID, remoteOrderIDPlaceholder),
			Fail:    fmt.Sprintf("%s%s?order_id=%d", base, failPath, order.ID),
		},
		PurchaseUnits: bog.PurchaseUnits{
			TotalAmount: order.Total.StringFixed(2),
			Currency:    model.SupportedCurrency,
			Basket:      basket,
		},
		Capture:         "automatic",
		Intent:          "CAPTURE",
		Locale:          s.settings.Locale,
		ExternalOrderID: fmt.Sprintf("%d", order.ID),
	}, nil
}
