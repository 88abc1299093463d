// Package model содержит доменные сущности платёжного шлюза Bank of Georgia.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SupportedCurrency задаёт единственную валюту, которую принимает процессинг.
const SupportedCurrency = "GEL"

// OrderStatus описывает состояние заказа на платформе магазина.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusOnHold     OrderStatus = "on-hold"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusRefunded   OrderStatus = "refunded"
)

var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusOnHold,
		OrderStatusProcessing,
		OrderStatusCompleted,
		OrderStatusFailed,
		OrderStatusRefunded,
	},
	OrderStatusOnHold:     {OrderStatusCompleted, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded},
}

// CanTransition сообщает, допустим ли переход заказа из from в to.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal сообщает, что из статуса нет автоматических переходов.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusFailed || s == OrderStatusRefunded
}

// Valid проверяет, что статус входит в жизненный цикл платформы.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusOnHold, OrderStatusProcessing,
		OrderStatusCompleted, OrderStatusFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// OrderItem описывает позицию корзины заказа.
type OrderItem struct {
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	Subtotal  decimal.Decimal
}

// Order описывает заказ магазина и платёжные метаданные шлюза.
type Order struct {
	ID             int64
	Status         OrderStatus
	Total          decimal.Decimal
	ShippingTotal  decimal.Decimal
	TaxTotal       decimal.Decimal
	Currency       string
	PaymentMethod  string
	Items          []OrderItem
	RemoteOrderID  string
	TransactionID  string
	LastStatus     string
	LastCallbackAt *time.Time
	CreatedAt      time.Time
}

// IsPaid сообщает, что оплата по заказу уже зафиксирована.
func (o *Order) IsPaid() bool {
	return o.Status == OrderStatusCompleted || o.TransactionID != ""
}

// CanonicalStatus описывает нормализованный статус платежа, не зависящий от словаря процессинга.
type CanonicalStatus string

const (
	StatusCompleted CanonicalStatus = "Completed"
	StatusPending   CanonicalStatus = "Pending"
	StatusFailed    CanonicalStatus = "Failed"
	StatusRefunded  CanonicalStatus = "Refunded"
	StatusUnknown   CanonicalStatus = "Unknown"
)

// Source определяет, какой триггер породил сигнал.
type Source string

const (
	SourceRedirect Source = "redirect"
	SourceCallback Source = "callback"
	SourceManual   Source = "manual"
)

// Signal описывает единицу работы движка сверки.
type Signal struct {
	RemoteOrderID      string
	ExternalOrderID    string
	Status             CanonicalStatus
	RawStatus          string
	RawPayload         json.RawMessage
	TransactionID      string
	PaymentMethodLabel string
	Details            string
	RefundAmount       *decimal.Decimal
	Source             Source
	// Verified выставляется, если сигнал получен запросом квитанции у процессинга.
	Verified bool
}

// AccessToken описывает OAuth-токен API процессинга.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt сообщает, можно ли использовать токен в момент now.
func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// AuditEntry описывает запись журнала решений сверки. Записи только добавляются.
type AuditEntry struct {
	ID            int64     `json:"id"`
	OrderID       int64     `json:"order_id"`
	RemoteOrderID string    `json:"remote_order_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// Note описывает заметку к заказу, видимую оператору.
type Note struct {
	OrderID   int64     `json:"order_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
