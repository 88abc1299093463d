package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/middleware"
	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/normalizer"
	"github.com/mmeshcher/bogpay-gateway/internal/reconcile"
	"github.com/mmeshcher/bogpay-gateway/internal/repository"
	"github.com/mmeshcher/bogpay-gateway/internal/resolver"
	"github.com/mmeshcher/bogpay-gateway/internal/service"
	"github.com/mmeshcher/bogpay-gateway/internal/signature"
)

const testAdminSecret = "test-secret"

type stubService struct {
	callbackBody      []byte
	callbackSignature string
	callbackOut       *reconcile.Outcome
	callbackErr       error

	successOrderID  string
	successRemoteID string
	successTarget   service.RedirectTarget

	failOrderID string
	failTarget  service.RedirectTarget

	initiateURL string
	initiateErr error

	checkOut *reconcile.Outcome
	checkErr error

	logsResp []model.AuditEntry
	logsErr  error

	notesResp []model.Note
	notesErr  error

	connErr error
}

func (s *stubService) HandleCallback(ctx context.Context, rawBody []byte, sig string) (*reconcile.Outcome, error) {
	s.callbackBody = rawBody
	s.callbackSignature = sig
	return s.callbackOut, s.callbackErr
}

func (s *stubService) HandleSuccess(ctx context.Context, orderIDParam, remoteIDParam string) service.RedirectTarget {
	s.successOrderID = orderIDParam
	s.successRemoteID = remoteIDParam
	return s.successTarget
}

func (s *stubService) HandleFail(ctx context.Context, orderIDParam string) service.RedirectTarget {
	s.failOrderID = orderIDParam
	return s.failTarget
}

func (s *stubService) Initiate(ctx context.Context, orderID int64) (string, error) {
	return s.initiateURL, s.initiateErr
}

func (s *stubService) ManualCheck(ctx context.Context, orderID int64) (*reconcile.Outcome, error) {
	return s.checkOut, s.checkErr
}

func (s *stubService) AuditLog(ctx context.Context, orderID int64) ([]model.AuditEntry, error) {
	return s.logsResp, s.logsErr
}

func (s *stubService) Notes(ctx context.Context, orderID int64) ([]model.Note, error) {
	return s.notesResp, s.notesErr
}

func (s *stubService) TestConnection(ctx context.Context) error {
	return s.connErr
}

func newTestRouter(t *testing.T, svc Service) (http.Handler, *middleware.AdminAuth) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAdminAuth(testAdminSecret)
	limiter := middleware.NewRateLimiter(100, 100, logger)

	return NewHandler(svc, logger, auth, limiter).SetupRouter(), auth
}

func serve(router http.Handler, req *http.Request) *http.Response {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Result()
}

func TestCallback_Success(t *testing.T) {
	svc := &stubService{
		callbackOut: &reconcile.Outcome{OrderID: 42, Action: reconcile.ActionCompleted},
	}
	router, _ := newTestRouter(t, svc)

	body := `{"event":"order_payment","body":{"order_id":"X1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/payments/bog/callback", strings.NewReader(body))
	req.Header.Set("Signature", "c2ln")

	res := serve(router, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if string(svc.callbackBody) != body {
		t.Fatalf("body = %q, want raw body passed through", svc.callbackBody)
	}
	if svc.callbackSignature != "c2ln" {
		t.Fatalf("signature = %q, want c2ln", svc.callbackSignature)
	}
}

func TestCallback_SignatureHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "signature", headers: map[string]string{"Signature": "c2ln"}, want: "c2ln"},
		{name: "lower case signature", headers: map[string]string{"signature": "c2ln"}, want: "c2ln"},
		{name: "callback signature", headers: map[string]string{"Callback-Signature": "Y2Ii"}, want: "Y2Ii"},
		{name: "signature wins", headers: map[string]string{"Signature": "c2ln", "Callback-Signature": "Y2Ii"}, want: "c2ln"},
		{name: "unsigned", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{callbackOut: &reconcile.Outcome{OrderID: 42}}
			router, _ := newTestRouter(t, svc)

			req := httptest.NewRequest(http.MethodPost, "/api/payments/bog/callback", strings.NewReader("{}"))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			res := serve(router, req)
			res.Body.Close()

			if res.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
			}
			if svc.callbackSignature != tt.want {
				t.Fatalf("signature = %q, want %q", svc.callbackSignature, tt.want)
			}
		})
	}
}

func TestRateLimit_ForwardedHeaders(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       int
	}{
		{name: "headers ignored by default", want: http.StatusTooManyRequests},
		{name: "trusted proxy", trustProxy: true, want: http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{failTarget: service.RedirectTarget{URL: "/checkout"}}
			limiter := middleware.NewRateLimiter(1, 1, zap.NewNop())
			router := NewHandler(svc, zap.NewNop(), middleware.NewAdminAuth(testAdminSecret), limiter,
				WithTrustedProxy(tt.trustProxy)).SetupRouter()

			var last int
			for _, forwarded := range []string{"203.0.113.1", "203.0.113.2"} {
				req := httptest.NewRequest(http.MethodGet, "/api/payments/bog/fail?order_id=42", nil)
				req.RemoteAddr = "192.0.2.10:4000"
				req.Header.Set("X-Forwarded-For", forwarded)

				res := serve(router, req)
				res.Body.Close()
				last = res.StatusCode
			}

			if last != tt.want {
				t.Fatalf("second request status = %d, want %d", last, tt.want)
			}
		})
	}
}

func TestCallback_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid signature", err: signature.ErrSignatureInvalid, want: http.StatusUnauthorized},
		{name: "missing signature", err: signature.ErrSignatureMissing, want: http.StatusUnauthorized},
		{name: "malformed payload", err: fmt.Errorf("%w: bad json", normalizer.ErrMalformedPayload), want: http.StatusBadRequest},
		{name: "order not resolved", err: resolver.ErrOrderNotFound, want: http.StatusNotFound},
		{name: "order mismatch", err: resolver.ErrOrderMismatch, want: http.StatusNotFound},
		{name: "order deleted", err: fmt.Errorf("get order: %w", repository.ErrOrderNotFound), want: http.StatusNotFound},
		{name: "storage failure", err: errors.New("connection refused"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, &stubService{callbackErr: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/payments/bog/callback", strings.NewReader("{}"))
			res := serve(router, req)
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestSuccess_Redirects(t *testing.T) {
	svc := &stubService{
		successTarget: service.RedirectTarget{URL: "/checkout/order-received?order_id=42"},
	}
	router, _ := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/bog/success?order_id=42&bog_order_id=X1", nil)
	res := serve(router, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusFound)
	}
	if loc := res.Header.Get("Location"); loc != "/checkout/order-received?order_id=42" {
		t.Fatalf("location = %q", loc)
	}
	if svc.successOrderID != "42" || svc.successRemoteID != "X1" {
		t.Fatalf("params = %q/%q, want 42/X1", svc.successOrderID, svc.successRemoteID)
	}
}

func TestFail_Redirects(t *testing.T) {
	svc := &stubService{
		failTarget: service.RedirectTarget{URL: "/checkout?notice=x"},
	}
	router, _ := newTestRouter(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payments/bog/fail?order_id=42", nil)
	res := serve(router, req)
	defer res.Body.Close()

	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusFound)
	}
	if loc := res.Header.Get("Location"); loc != "/checkout?notice=x" {
		t.Fatalf("location = %q", loc)
	}
	if svc.failOrderID != "42" {
		t.Fatalf("order id = %q, want 42", svc.failOrderID)
	}
}

func TestPay_JSONResponse(t *testing.T) {
	svc := &stubService{initiateURL: "https://payment.bog.ge/?order_id=X1"}
	router, _ := newTestRouter(t, svc)

	res := serve(router, httptest.NewRequest(http.MethodPost, "/api/orders/42/pay", nil))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp payResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Redirect != svc.initiateURL {
		t.Fatalf("redirect = %q, want %q", resp.Redirect, svc.initiateURL)
	}
}

func TestPay_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		path string
		err  error
		want int
	}{
		{name: "bad id", path: "/api/orders/abc/pay", want: http.StatusBadRequest},
		{name: "unknown order", path: "/api/orders/42/pay", err: repository.ErrOrderNotFound, want: http.StatusNotFound},
		{name: "unsupported currency", path: "/api/orders/42/pay", err: service.ErrUnsupportedCurrency, want: http.StatusUnprocessableEntity},
		{name: "not payable", path: "/api/orders/42/pay", err: service.ErrOrderNotPayable, want: http.StatusUnprocessableEntity},
		{name: "remote failure", path: "/api/orders/42/pay", err: fmt.Errorf("%w: timeout", service.ErrPaymentInit), want: http.StatusBadGateway},
		{name: "storage failure", path: "/api/orders/42/pay", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, &stubService{initiateErr: tt.err})

			res := serve(router, httptest.NewRequest(http.MethodPost, tt.path, nil))
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func adminRequest(auth *middleware.AdminAuth, method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+auth.IssueToken("operator", time.Hour))
	return req
}

func TestAdmin_RequiresToken(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})

	for _, path := range []string{"/api/admin/orders/42/logs", "/api/admin/connection"} {
		res := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
		res.Body.Close()

		if res.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d, want %d", path, res.StatusCode, http.StatusUnauthorized)
		}
	}
}

func TestCheckStatus(t *testing.T) {
	svc := &stubService{
		checkOut: &reconcile.Outcome{
			OrderID:  42,
			Status:   model.StatusFailed,
			Previous: model.OrderStatusPending,
			Current:  model.OrderStatusFailed,
			Action:   reconcile.ActionFailed,
		},
	}
	router, auth := newTestRouter(t, svc)

	res := serve(router, adminRequest(auth, http.MethodPost, "/api/admin/orders/42/check"))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var out reconcile.Outcome
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Current != model.OrderStatusFailed || out.Action != reconcile.ActionFailed {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCheckStatus_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "unknown order", err: repository.ErrOrderNotFound, want: http.StatusNotFound},
		{name: "no remote order", err: service.ErrNoRemoteOrder, want: http.StatusUnprocessableEntity},
		{name: "not allowed", err: fmt.Errorf("%w: order is completed", service.ErrStatusCheckNotAllowed), want: http.StatusConflict},
		{name: "storage failure", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, auth := newTestRouter(t, &stubService{checkErr: tt.err})

			res := serve(router, adminRequest(auth, http.MethodPost, "/api/admin/orders/42/check"))
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestGetLogs_EmptyList(t *testing.T) {
	router, auth := newTestRouter(t, &stubService{})

	res := serve(router, adminRequest(auth, http.MethodGet, "/api/admin/orders/42/logs"))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var entries []model.AuditEntry
	if err := json.NewDecoder(res.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("entries = %v, want empty list", entries)
	}
}

func TestGetLogs_NotFound(t *testing.T) {
	router, auth := newTestRouter(t, &stubService{logsErr: repository.ErrOrderNotFound})

	res := serve(router, adminRequest(auth, http.MethodGet, "/api/admin/orders/42/logs"))
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestGetNotes(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubService{
		notesResp: []model.Note{
			{OrderID: 42, Text: "Manual status check - BOG status: rejected, order failed", CreatedAt: created},
		},
	}
	router, auth := newTestRouter(t, svc)

	res := serve(router, adminRequest(auth, http.MethodGet, "/api/admin/orders/42/notes"))
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var notes []model.Note
	if err := json.NewDecoder(res.Body).Decode(&notes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(notes) != 1 || notes[0].Text != svc.notesResp[0].Text || !notes[0].CreatedAt.Equal(created) {
		t.Fatalf("notes = %+v", notes)
	}
}

func TestGetNotes_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		token bool
		err   error
		want  int
	}{
		{name: "no token", path: "/api/admin/orders/42/notes", want: http.StatusUnauthorized},
		{name: "bad id", path: "/api/admin/orders/abc/notes", token: true, want: http.StatusBadRequest},
		{name: "unknown order", path: "/api/admin/orders/42/notes", token: true, err: repository.ErrOrderNotFound, want: http.StatusNotFound},
		{name: "storage failure", path: "/api/admin/orders/42/notes", token: true, err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, auth := newTestRouter(t, &stubService{notesErr: tt.err})

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.token {
				req = adminRequest(auth, http.MethodGet, tt.path)
			}

			res := serve(router, req)
			defer res.Body.Close()

			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
}

func TestConnection(t *testing.T) {
	router, auth := newTestRouter(t, &stubService{connErr: errors.New("invalid_client")})

	res := serve(router, adminRequest(auth, http.MethodGet, "/api/admin/connection"))
	defer res.Body.Close()

	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadGateway)
	}

	var resp connectionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OK || resp.Error != "invalid_client" {
		t.Fatalf("response = %+v", resp)
	}
}
