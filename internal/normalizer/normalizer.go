package normalizer

import (
	"encoding/json"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

// DefaultPaymentMethod используется, если процессинг не сообщил способ оплаты.
const DefaultPaymentMethod = "Bank of Georgia"

// PaymentEvent задаёт ожидаемый тип события колбэка.
const PaymentEvent = "order_payment"

var (
	remoteOrderIDRules = []Rule{
		Path("body", "order_id"),
		Path("body", "id"),
		Path("order_id"),
		Path("id"),
	}
	statusRules = []Rule{
		Path("body", "order_status", "key"),
		Path("order_status", "key"),
		Path("body", "status"),
		Path("status"),
	}
	externalOrderIDRules = []Rule{
		Path("body", "external_order_id"),
		Path("external_order_id"),
	}
	// Правила ниже применяются к платёжным данным (см. PaymentData).
	transactionIDRules = []Rule{
		Path("payment_detail", "transaction_id"),
		Path("transaction_id"),
		Path("payment_hash"),
		Path("order_id"),
	}
	paymentMethodRules = []Rule{
		Path("payment_detail", "transfer_method", "value"),
		Path("payment_detail", "type"),
	}
	detailsRules = []Rule{
		Path("payment_detail", "code_description"),
	}
	refundAmountRules = []Rule{
		Path("refund_amount"),
	}
)

var canonical = map[string]model.CanonicalStatus{
	"completed":  model.StatusCompleted,
	"success":    model.StatusCompleted,
	"successful": model.StatusCompleted,
	"approved":   model.StatusCompleted,
	"created":    model.StatusPending,
	"processing": model.StatusPending,
	"rejected":   model.StatusFailed,
	"failed":     model.StatusFailed,
	"refunded":   model.StatusRefunded,
}

// ToCanonical переводит статус процессинга в канонический. Неизвестные значения дают StatusUnknown.
func ToCanonical(raw string) model.CanonicalStatus {
	if s, ok := canonical[raw]; ok {
		return s
	}
	return model.StatusUnknown
}

// ExtractRemoteOrderID возвращает идентификатор заказа процессинга.
func ExtractRemoteOrderID(p Payload) string {
	return FirstNonEmpty(p, remoteOrderIDRules...)
}

// ExtractStatus возвращает сырой статус процессинга или пустую строку.
func ExtractStatus(p Payload) string {
	return FirstPresent(p, statusRules...)
}

// ExtractExternalOrderID возвращает локальный идентификатор заказа, переданный процессингу.
func ExtractExternalOrderID(p Payload) string {
	return FirstNonEmpty(p, externalOrderIDRules...)
}

// PaymentData возвращает вложенный объект body, если он есть, иначе сам payload.
func PaymentData(p Payload) Payload {
	if body, ok := asObject(p["body"]); ok {
		return Payload(body)
	}
	return p
}

// ExtractTransactionID возвращает идентификатор транзакции.
func ExtractTransactionID(p Payload) string {
	return FirstNonEmpty(PaymentData(p), transactionIDRules...)
}

// ExtractPaymentMethod возвращает человекочитаемое название способа оплаты.
func ExtractPaymentMethod(p Payload) string {
	if v := FirstNonEmpty(PaymentData(p), paymentMethodRules...); v != "" {
		return v
	}
	return DefaultPaymentMethod
}

// ExtractDetails возвращает описание кода результата платежа.
func ExtractDetails(p Payload) string {
	return FirstNonEmpty(PaymentData(p), detailsRules...)
}

// ExtractRefundAmount возвращает сумму возврата, если она передана.
func ExtractRefundAmount(p Payload) *decimal.Decimal {
	v := FirstNonEmpty(PaymentData(p), refundAmountRules...)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil
	}
	return &d
}

// Normalizer собирает сигнал сверки из сырого тела.
type Normalizer struct {
	logger *zap.Logger
}

// New создаёт Normalizer.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

// Normalize разбирает raw и строит сигнал с указанным источником.
func (n *Normalizer) Normalize(raw []byte, source model.Source) (model.Signal, error) {
	p, err := Parse(raw)
	if err != nil {
		return model.Signal{}, err
	}
	return n.FromPayload(p, raw, source), nil
}

// FromPayload строит сигнал из уже разобранного payload.
func (n *Normalizer) FromPayload(p Payload, raw []byte, source model.Source) model.Signal {
	if source == model.SourceCallback {
		if event, _ := Path("event")(p); event != PaymentEvent {
			n.logger.Warn("unexpected callback event type", zap.String("event", event))
		}
	}

	rawStatus := ExtractStatus(p)
	status := ToCanonical(rawStatus)
	if status == model.StatusUnknown {
		n.logger.Warn("unrecognized payment status", zap.String("status", rawStatus), zap.String("source", string(source)))
	}

	return model.Signal{
		RemoteOrderID:      ExtractRemoteOrderID(p),
		ExternalOrderID:    ExtractExternalOrderID(p),
		Status:             status,
		RawStatus:          rawStatus,
		RawPayload:         json.RawMessage(raw),
		TransactionID:      ExtractTransactionID(p),
		PaymentMethodLabel: ExtractPaymentMethod(p),
		Details:            ExtractDetails(p),
		RefundAmount:       ExtractRefundAmount(p),
		Source:             source,
	}
}
