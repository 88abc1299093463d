// Package handler содержит HTTP-обработчики платёжного шлюза.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/middleware"
	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/normalizer"
	"github.com/mmeshcher/bogpay-gateway/internal/reconcile"
	"github.com/mmeshcher/bogpay-gateway/internal/repository"
	"github.com/mmeshcher/bogpay-gateway/internal/resolver"
	"github.com/mmeshcher/bogpay-gateway/internal/service"
	"github.com/mmeshcher/bogpay-gateway/internal/signature"
	"github.com/mmeshcher/bogpay-gateway/internal/validation"
)

// Заголовки с подписью колбэка процессинга. Callback-Signature читается, если Signature не передан.
const (
	SignatureHeader         = "Signature"
	CallbackSignatureHeader = "Callback-Signature"
)

const maxCallbackBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	HandleCallback(ctx context.Context, rawBody []byte, sig string) (*reconcile.Outcome, error)
	HandleSuccess(ctx context.Context, orderIDParam, remoteIDParam string) service.RedirectTarget
	HandleFail(ctx context.Context, orderIDParam string) service.RedirectTarget
	Initiate(ctx context.Context, orderID int64) (string, error)
	ManualCheck(ctx context.Context, orderID int64) (*reconcile.Outcome, error)
	AuditLog(ctx context.Context, orderID int64) ([]model.AuditEntry, error)
	Notes(ctx context.Context, orderID int64) ([]model.Note, error)
	TestConnection(ctx context.Context) error
}

// Handler реализует HTTP-обработчики платёжного шлюза.
type Handler struct {
	service    Service
	logger     *zap.Logger
	adminAuth  *middleware.AdminAuth
	limiter    *middleware.RateLimiter
	trustProxy bool
}

// Option настраивает Handler.
type Option func(*Handler)

// WithTrustedProxy включает разбор X-Forwarded-For и X-Real-IP.
// Включать только за обратным прокси, который перезаписывает эти заголовки.
func WithTrustedProxy(trust bool) Option {
	return func(h *Handler) { h.trustProxy = trust }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// limiter может быть nil: тогда публичные маршруты не ограничиваются.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AdminAuth, limiter *middleware.RateLimiter, opts ...Option) *Handler {
	h := &Handler{
		service:   s,
		logger:    logger,
		adminAuth: auth,
		limiter:   limiter,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func isNotFound(err error) bool {
	return errors.Is(err, resolver.ErrOrderNotFound) ||
		errors.Is(err, resolver.ErrOrderMismatch) ||
		errors.Is(err, repository.ErrOrderNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orderIDParam(r *http.Request) (int64, bool) {
	id, err := validation.ParseOrderID(chi.URLParam(r, "orderID"))
	return id, err == nil
}

func callbackSignature(r *http.Request) string {
	if sig := r.Header.Get(SignatureHeader); sig != "" {
		return sig
	}
	return r.Header.Get(CallbackSignatureHeader)
}

// Callback принимает серверное уведомление процессинга о статусе оплаты.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	out, err := h.service.HandleCallback(r.Context(), body, callbackSignature(r))
	if err != nil {
		switch {
		case errors.Is(err, signature.ErrSignatureInvalid), errors.Is(err, signature.ErrSignatureMissing):
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		case errors.Is(err, normalizer.ErrMalformedPayload):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case isNotFound(err):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("callback processing error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.logger.Debug("callback processed",
		zap.Int64("order_id", out.OrderID),
		zap.String("action", string(out.Action)),
	)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Success перенаправляет покупателя, вернувшегося с платёжной страницы.
func (h *Handler) Success(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	target := h.service.HandleSuccess(r.Context(), q.Get("order_id"), q.Get("bog_order_id"))
	http.Redirect(w, r, target.URL, http.StatusFound)
}

// Fail перенаправляет покупателя после отказа или отмены оплаты.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	target := h.service.HandleFail(r.Context(), r.URL.Query().Get("order_id"))
	http.Redirect(w, r, target.URL, http.StatusFound)
}

type payResponse struct {
	Redirect string `json:"redirect"`
}

// Pay создаёт заказ в процессинге и возвращает адрес платёжной страницы.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	redirect, err := h.service.Initiate(r.Context(), id)
	if err != nil {
		switch {
		case isNotFound(err):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrUnsupportedCurrency), errors.Is(err, service.ErrOrderNotPayable):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrPaymentInit):
			h.logger.Error("payment initialization error", zap.Error(err), zap.Int64("order_id", id))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("pay order error", zap.Error(err), zap.Int64("order_id", id))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, payResponse{Redirect: redirect})
}

// CheckStatus запрашивает статус оплаты заказа по инициативе оператора.
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	operator, _ := middleware.OperatorFromContext(r.Context())

	out, err := h.service.ManualCheck(r.Context(), id)
	if err != nil {
		switch {
		case isNotFound(err):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrNoRemoteOrder):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		case errors.Is(err, service.ErrStatusCheckNotAllowed):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		default:
			h.logger.Error("manual status check error", zap.Error(err), zap.Int64("order_id", id), zap.String("operator", operator))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("manual status check",
		zap.Int64("order_id", id),
		zap.String("operator", operator),
		zap.String("action", string(out.Action)),
	)

	writeJSON(w, http.StatusOK, out)
}

// GetLogs возвращает журнал сверки заказа, новые записи первыми.
func (h *Handler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	entries, err := h.service.AuditLog(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get audit log error", zap.Error(err), zap.Int64("order_id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetNotes возвращает заметки заказа в порядке добавления.
func (h *Handler) GetNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	notes, err := h.service.Notes(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order notes error", zap.Error(err), zap.Int64("order_id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if notes == nil {
		notes = []model.Note{}
	}
	writeJSON(w, http.StatusOK, notes)
}

type connectionResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// TestConnection проверяет учётные данные процессинга.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TestConnection(r.Context()); err != nil {
		h.logger.Warn("connection test failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, connectionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, connectionResponse{OK: true})
}
