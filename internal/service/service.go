// Package service реализует сценарии платёжного шлюза: создание платежа, колбэк, возврат покупателя и ручную проверку.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/bog"
	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/normalizer"
	"github.com/mmeshcher/bogpay-gateway/internal/reconcile"
	"github.com/mmeshcher/bogpay-gateway/internal/validation"
)

var (
	// ErrUnsupportedCurrency возвращается, если валюта заказа не поддерживается процессингом.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	// ErrOrderNotPayable возвращается, если заказ нельзя отправить на оплату.
	ErrOrderNotPayable = errors.New("order is not payable")
	// ErrPaymentInit возвращается, если не удалось создать заказ в процессинге.
	ErrPaymentInit = errors.New("payment initialization failed")
	// ErrNoRemoteOrder возвращается, если заказ ещё не привязан к заказу процессинга.
	ErrNoRemoteOrder = errors.New("remote order id not found")
	// ErrStatusCheckNotAllowed возвращается, если ручная проверка для заказа недоступна.
	ErrStatusCheckNotAllowed = errors.New("status check not allowed")
)

// Уведомления для страницы оформления заказа.
const (
	NoticeInvalidOrder  = "Invalid order information. Please contact support."
	NoticeOrderNotFound = "Order not found. Please contact support."
	NoticeNotSuccessful = "Payment was not successful. Please try again."
	NoticeNotCompleted  = "Payment was not completed. Please try again."
)

const (
	callbackPath = "/api/payments/bog/callback"
	successPath  = "/api/payments/bog/success"
	failPath     = "/api/payments/bog/fail"
)

// remoteOrderIDPlaceholder подставляется процессингом в success-адрес.
const remoteOrderIDPlaceholder = "{order_id}"

// Repository описывает контракт доступа к заказам, используемый сервисом.
type Repository interface {
	Close() error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	SetRemoteOrderID(ctx context.Context, id int64, remoteOrderID string) error
	AddNote(ctx context.Context, id int64, text string) error
	ListNotes(ctx context.Context, id int64) ([]model.Note, error)
	RecordStatusResponse(ctx context.Context, id int64, raw []byte) error
}

// PaymentClient описывает операции процессинга, нужные сервису напрямую.
type PaymentClient interface {
	CreateOrder(ctx context.Context, req bog.OrderRequest) (*bog.RemoteOrder, error)
	TestConnection(ctx context.Context) error
}

// Reconciler применяет сигналы к заказам.
type Reconciler interface {
	Reconcile(ctx context.Context, orderID int64, sig model.Signal) (*reconcile.Outcome, error)
	Poll(ctx context.Context, orderID int64, source model.Source) (*reconcile.Outcome, error)
}

// OrderResolver находит заказ по идентификаторам из колбэка.
type OrderResolver interface {
	Resolve(ctx context.Context, externalOrderID, remoteOrderID string) (*model.Order, error)
}

// SignatureChecker применяет политику проверки подписи колбэка.
type SignatureChecker interface {
	Check(rawBody []byte, signatureB64 string) error
}

// AuditLog отдаёт журнал сверки заказа.
type AuditLog interface {
	List(ctx context.Context, orderID int64) ([]model.AuditEntry, error)
}

// Settings содержит адреса и параметры, подставляемые в заказ процессинга.
type Settings struct {
	PublicBaseURL    string
	CheckoutURL      string
	OrderReceivedURL string
	Locale           string
}

// Deps собирает зависимости сервиса.
type Deps struct {
	Repo       Repository
	Client     PaymentClient
	Engine     Reconciler
	Resolver   OrderResolver
	Signatures SignatureChecker
	Audit      AuditLog
	Logger     *zap.Logger
}

// Service содержит сценарии платёжного шлюза.
type Service struct {
	repo       Repository
	client     PaymentClient
	engine     Reconciler
	resolver   OrderResolver
	signatures SignatureChecker
	audit      AuditLog
	normalizer *normalizer.Normalizer
	settings   Settings
	logger     *zap.Logger
}

// NewService создаёт сервис.
func NewService(d Deps, settings Settings) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Locale == "" {
		settings.Locale = "ka"
	}
	return &Service{
		repo:       d.Repo,
		client:     d.Client,
		engine:     d.Engine,
		resolver:   d.Resolver,
		signatures: d.Signatures,
		audit:      d.Audit,
		normalizer: normalizer.New(logger),
		settings:   settings,
		logger:     logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RedirectTarget описывает адрес возврата покупателя и уведомление для него.
type RedirectTarget struct {
	URL    string
	Notice string
}

func (s *Service) checkout(notice string) RedirectTarget {
	return RedirectTarget{URL: withQuery(s.settings.CheckoutURL, url.Values{"notice": {notice}}), Notice: notice}
}

func (s *Service) orderReceived(orderID int64) RedirectTarget {
	return RedirectTarget{URL: withQuery(s.settings.OrderReceivedURL, url.Values{"order_id": {strconv.FormatInt(orderID, 10)}})}
}

func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base + "?" + q.Encode()
	}
	merged := u.Query()
	for k, v := range q {
		merged[k] = v
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

// StatusCheckAllowed сообщает, можно ли вручную запросить статус оплаты заказа.
func StatusCheckAllowed(o *model.Order) bool {
	if o == nil || o.RemoteOrderID == "" {
		return false
	}
	return o.Status.Valid() && !o.Status.IsTerminal()
}

// HandleCallback обрабатывает серверное уведомление процессинга о статусе оплаты.
func (s *Service) HandleCallback(ctx context.Context, rawBody []byte, signature string) (*reconcile.Outcome, error) {
	if err := s.signatures.Check(rawBody, signature); err != nil {
		return nil, err
	}

	p, err := normalizer.Parse(rawBody)
	if err != nil {
		return nil, err
	}

	sig := s.normalizer.FromPayload(p, rawBody, model.SourceCallback)
	if sig.RemoteOrderID == "" {
		return nil, fmt.Errorf("%w: remote order id missing", normalizer.ErrMalformedPayload)
	}

	s.logger.Info("processing payment callback",
		zap.String("remote_order_id", sig.RemoteOrderID),
		zap.String("external_order_id", sig.ExternalOrderID),
		zap.String("status", sig.RawStatus),
	)

	order, err := s.resolver.Resolve(ctx, sig.ExternalOrderID, sig.RemoteOrderID)
	if err != nil {
		s.logger.Warn("callback order not resolved",
			zap.String("remote_order_id", sig.RemoteOrderID),
			zap.String("external_order_id", sig.ExternalOrderID),
			zap.Error(err),
		)
		return nil, err
	}

	return s.engine.Reconcile(ctx, order.ID, sig)
}

// HandleSuccess обрабатывает возврат покупателя с платёжной страницы после оплаты.
// Ошибки не возвращаются: покупатель всегда перенаправляется.
func (s *Service) HandleSuccess(ctx context.Context, orderIDParam, remoteIDParam string) RedirectTarget {
	id, err := validation.ParseOrderID(orderIDParam)
	if err != nil {
		return s.checkout(NoticeInvalidOrder)
	}

	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		s.logger.Warn("success redirect for unknown order", zap.Int64("order_id", id), zap.Error(err))
		return s.checkout(NoticeOrderNotFound)
	}

	if order.IsPaid() {
		return s.orderReceived(order.ID)
	}

	if remoteIDParam != "" && remoteIDParam != remoteOrderIDPlaceholder && remoteIDParam != order.RemoteOrderID {
		s.logger.Warn("success redirect carries a different remote order id",
			zap.Int64("order_id", order.ID),
			zap.String("remote_order_id", order.RemoteOrderID),
			zap.String("redirect_remote_order_id", remoteIDParam),
		)
	}

	out, err := s.engine.Poll(ctx, order.ID, model.SourceRedirect)
	if err != nil {
		s.logger.Error("success redirect reconciliation failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return s.orderReceived(order.ID)
	}

	if out.Current == model.OrderStatusFailed || out.Status == model.StatusFailed || out.Status == model.StatusUnknown {
		return s.checkout(NoticeNotSuccessful)
	}
	return s.orderReceived(order.ID)
}

// HandleFail обрабатывает возврат покупателя после отказа или отмены оплаты.
func (s *Service) HandleFail(ctx context.Context, orderIDParam string) RedirectTarget {
	target := s.checkout(NoticeNotCompleted)

	id, err := validation.ParseOrderID(orderIDParam)
	if err != nil {
		return target
	}

	sig := model.Signal{Status: model.StatusFailed, Source: model.SourceRedirect}
	if _, err := s.engine.Reconcile(ctx, id, sig); err != nil {
		s.logger.Warn("fail redirect not applied", zap.Int64("order_id", id), zap.Error(err))
	}

	return target
}

// ManualCheck запрашивает статус оплаты по инициативе оператора.
func (s *Service) ManualCheck(ctx context.Context, orderID int64) (*reconcile.Outcome, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.RemoteOrderID == "" {
		s.addNote(ctx, order.ID, "Cannot check payment status: BOG order ID not found")
		return nil, ErrNoRemoteOrder
	}

	if !StatusCheckAllowed(order) {
		return nil, fmt.Errorf("%w: order is %s", ErrStatusCheckNotAllowed, order.Status)
	}

	out, err := s.engine.Poll(ctx, order.ID, model.SourceManual)
	if err != nil {
		return nil, err
	}

	if len(out.Receipt) > 0 {
		if err := s.repo.RecordStatusResponse(ctx, order.ID, out.Receipt); err != nil {
			s.logger.Error("store status response failed", zap.Int64("order_id", order.ID), zap.Error(err))
		}
	}

	remoteStatus := out.RawStatus
	if remoteStatus == "" {
		remoteStatus = "unavailable"
	}
	s.addNote(ctx, order.ID, fmt.Sprintf("Manual status check - BOG status: %s, order %s", remoteStatus, out.Current))

	return out, nil
}

// TestConnection проверяет учётные данные процессинга.
func (s *Service) TestConnection(ctx context.Context) error {
	return s.client.TestConnection(ctx)
}

// AuditLog возвращает журнал сверки заказа.
func (s *Service) AuditLog(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return s.audit.List(ctx, orderID)
}

// Notes возвращает заметки заказа, видимые оператору, в порядке добавления.
func (s *Service) Notes(ctx context.Context, orderID int64) ([]model.Note, error) {
	if _, err := s.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	notes, err := s.repo.ListNotes(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	return notes, nil
}

func (s *Service) addNote(ctx context.Context, orderID int64, text string) {
	if err := s.repo.AddNote(ctx, orderID, text); err != nil {
		s.logger.Error("add order note failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
