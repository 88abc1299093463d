// Package reconcile реализует движок сверки статуса оплаты с локальным заказом.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/bog"
	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/normalizer"
)

// OrderStore описывает операции над заказом, которые выполняет движок.
// UpdateStatus выполняет сравнение с обменом: запись происходит, только если текущий статус равен from.
type OrderStore interface {
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	UpdateStatus(ctx context.Context, id int64, from, to model.OrderStatus, transactionID string) (bool, error)
	AddNote(ctx context.Context, id int64, text string) error
	RecordLastStatus(ctx context.Context, id int64, status string, at time.Time) error
}

// PaymentDetailsFetcher запрашивает квитанцию у процессинга.
type PaymentDetailsFetcher interface {
	PaymentDetails(ctx context.Context, remoteOrderID string) (*bog.PaymentDetails, error)
}

// AuditSink принимает записи журнала сверки.
type AuditSink interface {
	Append(ctx context.Context, entry model.AuditEntry)
}

// Policy задаёт поведение при сбое повторного подтверждения.
type Policy struct {
	// TrustCallbackOnVerifyError разрешает доверять статусу колбэка, если квитанцию получить не удалось.
	TrustCallbackOnVerifyError bool
}

// Action описывает итоговое действие над заказом.
type Action string

const (
	ActionNone      Action = "none"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionRefunded  Action = "refunded"
	ActionHeld      Action = "held"
	ActionAnnotated Action = "annotated"
)

// Outcome описывает решение, принятое по одному сигналу.
type Outcome struct {
	OrderID       int64                 `json:"order_id"`
	RemoteOrderID string                `json:"remote_order_id,omitempty"`
	Source        model.Source          `json:"source"`
	RawStatus     string                `json:"raw_status"`
	Status        model.CanonicalStatus `json:"status"`
	Previous      model.OrderStatus     `json:"previous"`
	Current       model.OrderStatus     `json:"current"`
	Action        Action                `json:"action"`
	Confirmed     bool                  `json:"confirmed"`
	Message       string                `json:"message"`
	// Receipt хранит тело квитанции, если она запрашивалась через Poll.
	Receipt       json.RawMessage       `json:"-"`
}

// Engine применяет сигналы к заказам.
type Engine struct {
	store      OrderStore
	remote     PaymentDetailsFetcher
	audit      AuditSink
	normalizer *normalizer.Normalizer
	policy     Policy
	logger     *zap.Logger
	now        func() time.Time
	locks      *keyedMutex
}

// Option настраивает Engine.
type Option func(*Engine)

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger задаёт логгер движка.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine создаёт движок сверки.
func NewEngine(store OrderStore, remote PaymentDetailsFetcher, audit AuditSink, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		remote: remote,
		audit:  audit,
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.normalizer = normalizer.New(e.logger)
	return e
}

// Reconcile применяет сигнал к заказу orderID.
func (e *Engine) Reconcile(ctx context.Context, orderID int64, sig model.Signal) (*Outcome, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	return e.reconcileLocked(ctx, order, sig)
}

// Poll запрашивает квитанцию по сохранённому идентификатору процессинга и применяет её к заказу.
// Используется при возврате покупателя и ручной проверке.
func (e *Engine) Poll(ctx context.Context, orderID int64, source model.Source) (*Outcome, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	if order.Status == model.OrderStatusCompleted {
		out := e.newOutcome(order, model.Signal{Source: source})
		out.Message = "order already completed, status check skipped"
		e.writeAudit(ctx, order, model.Signal{Source: source}, out)
		return out, nil
	}

	if order.RemoteOrderID == "" {
		sig := model.Signal{Source: source}
		out := e.hold(ctx, order, sig, "Warning: BOG order ID not found. Awaiting callback.")
		out.Message = "no remote order id stored: " + out.Message
		e.recordUnavailable(ctx, order)
		e.writeAudit(ctx, order, sig, out)
		return out, nil
	}

	sig, err := e.fetchSignal(ctx, order.RemoteOrderID, source)
	if err != nil {
		e.logger.Warn("payment status check failed",
			zap.Int64("order_id", order.ID),
			zap.String("remote_order_id", order.RemoteOrderID),
			zap.Error(err),
		)
		failed := model.Signal{RemoteOrderID: order.RemoteOrderID, Source: source}
		out := e.hold(ctx, order, failed, "Awaiting payment confirmation from Bank of Georgia.")
		out.Message = fmt.Sprintf("status check failed (%v): %s", err, out.Message)
		e.recordUnavailable(ctx, order)
		e.writeAudit(ctx, order, failed, out)
		return out, nil
	}

	out, err := e.reconcileLocked(ctx, order, sig)
	if out != nil {
		out.Receipt = sig.RawPayload
	}
	return out, err
}

// statusUnavailable записывается последним статусом, если квитанцию получить не удалось.
const statusUnavailable = "unavailable"

func (e *Engine) recordUnavailable(ctx context.Context, order *model.Order) {
	if err := e.store.RecordLastStatus(ctx, order.ID, statusUnavailable, e.now()); err != nil {
		e.logger.Error("record last status failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
}

func (e *Engine) fetchSignal(ctx context.Context, remoteOrderID string, source model.Source) (model.Signal, error) {
	details, err := e.remote.PaymentDetails(ctx, remoteOrderID)
	if err != nil {
		return model.Signal{}, err
	}

	p, err := normalizer.Parse(details.Raw)
	if err != nil {
		return model.Signal{}, fmt.Errorf("parse receipt: %w", err)
	}

	sig := e.normalizer.FromPayload(p, details.Raw, source)
	if sig.RemoteOrderID == "" {
		sig.RemoteOrderID = remoteOrderID
	}
	sig.Verified = true
	return sig, nil
}

func (e *Engine) reconcileLocked(ctx context.Context, order *model.Order, sig model.Signal) (*Outcome, error) {
	log := e.logger.With(
		zap.Int64("order_id", order.ID),
		zap.String("source", string(sig.Source)),
		zap.String("raw_status", sig.RawStatus),
	)

	out, err := e.apply(ctx, order, sig)

	if recErr := e.store.RecordLastStatus(ctx, order.ID, statusLabel(sig), e.now()); recErr != nil {
		log.Error("record last status failed", zap.Error(recErr))
	}
	e.writeAudit(ctx, order, sig, out)

	if err != nil {
		log.Error("reconciliation failed", zap.Error(err))
		return out, err
	}

	log.Info("reconciliation processed",
		zap.String("previous_status", string(out.Previous)),
		zap.String("new_status", string(out.Current)),
		zap.String("action", string(out.Action)),
	)
	return out, nil
}

func (e *Engine) newOutcome(order *model.Order, sig model.Signal) *Outcome {
	remoteID := order.RemoteOrderID
	if remoteID == "" {
		remoteID = sig.RemoteOrderID
	}
	return &Outcome{
		OrderID:       order.ID,
		RemoteOrderID: remoteID,
		Source:        sig.Source,
		RawStatus:     sig.RawStatus,
		Status:        sig.Status,
		Previous:      order.Status,
		Current:       order.Status,
		Action:        ActionNone,
		Confirmed:     sig.Verified,
	}
}

func (e *Engine) apply(ctx context.Context, order *model.Order, sig model.Signal) (*Outcome, error) {
	out := e.newOutcome(order, sig)

	if order.Status == model.OrderStatusCompleted {
		out.Message = "order already completed, signal ignored"
		return out, nil
	}

	switch sig.Status {
	case model.StatusCompleted:
		return e.applyCompleted(ctx, order, sig, out)

	case model.StatusFailed:
		if order.Status == model.OrderStatusFailed {
			out.Message = "order already failed"
			return out, nil
		}
		if sig.Source == model.SourceRedirect && order.IsPaid() {
			out.Message = "order already paid, fail redirect ignored"
			return out, nil
		}
		note := failureNote(sig)
		return out, e.transition(ctx, order, model.OrderStatusFailed, "", note, ActionFailed, out)

	case model.StatusRefunded:
		if order.Status == model.OrderStatusRefunded {
			out.Message = "order already refunded"
			return out, nil
		}
		note := "Payment refunded via Bank of Georgia."
		if sig.RefundAmount != nil {
			note += fmt.Sprintf(" Refund amount: %s %s", sig.RefundAmount.StringFixed(2), model.SupportedCurrency)
		}
		return out, e.transition(ctx, order, model.OrderStatusRefunded, "", note, ActionRefunded, out)

	case model.StatusPending:
		if order.Status != model.OrderStatusPending {
			out.Message = fmt.Sprintf("pending signal ignored for %s order", order.Status)
			return out, nil
		}
		if sig.Source == model.SourceRedirect {
			note := "Customer returned from payment page. Awaiting final confirmation."
			return out, e.transition(ctx, order, model.OrderStatusOnHold, "", note, ActionHeld, out)
		}
		e.addNote(ctx, order.ID, "Payment is being processed at Bank of Georgia.")
		out.Action = ActionAnnotated
		out.Message = "payment in progress"
		return out, nil

	default:
		e.addNote(ctx, order.ID, fmt.Sprintf("Received unknown status from Bank of Georgia: %s", sig.RawStatus))
		out.Action = ActionAnnotated
		out.Message = "unrecognized status recorded for follow-up"
		return out, nil
	}
}

func (e *Engine) applyCompleted(ctx context.Context, order *model.Order, sig model.Signal, out *Outcome) (*Outcome, error) {
	if order.IsPaid() {
		out.Message = "order already paid"
		return out, nil
	}

	remoteID := order.RemoteOrderID
	if remoteID == "" {
		remoteID = sig.RemoteOrderID
	}

	switch {
	case sig.Verified:
		out.Message = "completion reported by payment details"

	case remoteID == "":
		out.Message = "no remote order id, trusting signal"

	default:
		confirm, err := e.fetchSignal(ctx, remoteID, sig.Source)
		if err != nil {
			e.logger.Warn("payment re-confirmation failed",
				zap.Int64("order_id", order.ID),
				zap.String("remote_order_id", remoteID),
				zap.Error(err),
			)
			if sig.Source != model.SourceCallback {
				held := e.hold(ctx, order, sig, "Awaiting payment confirmation from Bank of Georgia.")
				held.Message = fmt.Sprintf("re-confirmation failed (%v): %s", err, held.Message)
				return held, nil
			}
			if !e.policy.TrustCallbackOnVerifyError {
				out.Message = fmt.Sprintf("re-confirmation failed (%v), order left unchanged", err)
				return out, nil
			}
			out.Message = fmt.Sprintf("re-confirmation failed (%v), trusting callback", err)
			break
		}

		if confirm.Status != model.StatusCompleted {
			out.Message = fmt.Sprintf("discrepancy: signal reports completed, payment details report %q", confirm.RawStatus)
			e.addNote(ctx, order.ID, fmt.Sprintf(
				"Payment verification failed: Bank of Georgia reports status %q. Order not completed.", confirm.RawStatus))
			return out, nil
		}

		out.Confirmed = true
		out.Message = "completion confirmed by payment details"
		sig = mergeConfirmation(sig, confirm)
	}

	if !model.CanTransition(order.Status, model.OrderStatusCompleted) {
		out.Message = fmt.Sprintf("completion reported for %s order, manual review required", order.Status)
		e.addNote(ctx, order.ID, fmt.Sprintf(
			"Bank of Georgia reports the payment as completed, but the order is %s. Manual review required.", order.Status))
		return out, nil
	}

	if sig.TransactionID == "" {
		sig.TransactionID = remoteID
	}
	if sig.PaymentMethodLabel == "" {
		sig.PaymentMethodLabel = normalizer.DefaultPaymentMethod
	}

	note := fmt.Sprintf("Payment completed via %s. Transaction ID: %s", sig.PaymentMethodLabel, sig.TransactionID)
	if sig.Details != "" {
		note += ". Payment details: " + sig.Details
	}
	msg := out.Message
	err := e.transition(ctx, order, model.OrderStatusCompleted, sig.TransactionID, note, ActionCompleted, out)
	if out.Action == ActionCompleted {
		out.Message = msg
	}
	return out, err
}

// mergeConfirmation дополняет сигнал данными квитанции; квитанция приоритетнее.
func mergeConfirmation(sig, confirm model.Signal) model.Signal {
	if confirm.TransactionID != "" {
		sig.TransactionID = confirm.TransactionID
	}
	if confirm.PaymentMethodLabel != "" && confirm.PaymentMethodLabel != normalizer.DefaultPaymentMethod {
		sig.PaymentMethodLabel = confirm.PaymentMethodLabel
	}
	if sig.Details == "" {
		sig.Details = confirm.Details
	}
	return sig
}

func failureNote(sig model.Signal) string {
	var note string
	switch sig.Source {
	case model.SourceRedirect:
		note = "Payment cancelled or failed at Bank of Georgia."
	case model.SourceManual:
		note = "Payment failed (confirmed via manual check)."
	default:
		note = "Payment failed at Bank of Georgia."
	}
	if sig.Details != "" {
		note += " Failure reason: " + sig.Details
	}
	return note
}

// hold переводит ожидающий заказ в on-hold в ожидании колбэка.
func (e *Engine) hold(ctx context.Context, order *model.Order, sig model.Signal, note string) *Outcome {
	out := e.newOutcome(order, sig)
	if order.Status != model.OrderStatusPending {
		out.Message = fmt.Sprintf("order is %s, left unchanged", order.Status)
		return out
	}
	if err := e.transition(ctx, order, model.OrderStatusOnHold, "", note, ActionHeld, out); err != nil {
		e.logger.Error("hold order failed", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	return out
}

// transition выполняет условный переход статуса и добавляет заметку при успехе.
func (e *Engine) transition(ctx context.Context, order *model.Order, to model.OrderStatus, transactionID, note string, action Action, out *Outcome) error {
	if !model.CanTransition(order.Status, to) {
		out.Message = fmt.Sprintf("transition %s -> %s not allowed", order.Status, to)
		return nil
	}

	ok, err := e.store.UpdateStatus(ctx, order.ID, order.Status, to, transactionID)
	if err != nil {
		out.Message = "order update failed"
		return fmt.Errorf("update order status: %w", err)
	}

	if !ok {
		current := order.Status
		if fresh, getErr := e.store.GetOrder(ctx, order.ID); getErr == nil {
			current = fresh.Status
		}
		out.Current = current
		out.Message = fmt.Sprintf("order changed concurrently to %s, transition to %s skipped", current, to)
		return nil
	}

	out.Current = to
	out.Action = action
	if out.Message == "" {
		out.Message = fmt.Sprintf("order moved to %s", to)
	}
	e.addNote(ctx, order.ID, note)
	return nil
}

func (e *Engine) addNote(ctx context.Context, orderID int64, text string) {
	if text == "" {
		return
	}
	if err := e.store.AddNote(ctx, orderID, text); err != nil {
		e.logger.Error("add order note failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

type auditMessage struct {
	Source   model.Source      `json:"source"`
	Action   Action            `json:"action"`
	Previous model.OrderStatus `json:"previous"`
	Current  model.OrderStatus `json:"current"`
	Message  string            `json:"message"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
}

func (e *Engine) writeAudit(ctx context.Context, order *model.Order, sig model.Signal, out *Outcome) {
	msg := auditMessage{
		Source:   sig.Source,
		Action:   out.Action,
		Previous: out.Previous,
		Current:  out.Current,
		Message:  out.Message,
	}
	if json.Valid(sig.RawPayload) {
		msg.Payload = sig.RawPayload
	}

	text := out.Message
	if b, err := json.Marshal(msg); err == nil {
		text = string(b)
	}

	e.audit.Append(ctx, model.AuditEntry{
		OrderID:       order.ID,
		RemoteOrderID: out.RemoteOrderID,
		Status:        statusLabel(sig),
		Message:       text,
		CreatedAt:     e.now(),
	})
}

// statusLabel возвращает сырой статус процессинга, а при его отсутствии канонический.
func statusLabel(sig model.Signal) string {
	if sig.RawStatus != "" {
		return sig.RawStatus
	}
	return string(sig.Status)
}
