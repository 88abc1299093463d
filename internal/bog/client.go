// Package bog предоставляет клиент REST API платёжного процессинга Bank of Georgia.
package bog

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
	"github.com/mmeshcher/bogpay-gateway/internal/tokencache"
)

const (
	// DefaultAuthURL задаёт адрес выдачи OAuth-токенов.
	DefaultAuthURL = "https://oauth2.bog.ge/auth/realms/bog/protocol/openid-connect/token"
	// DefaultAPIBaseURL задаёт базовый адрес платёжного API.
	DefaultAPIBaseURL = "https://api.bog.ge/payments/v1"

	requestTimeout    = 30 * time.Second
	tokenSafetyMargin = 60 * time.Second
	defaultTokenTTL   = 3600
	tokenCacheKey     = "bog_payment_gateway_token"
	maxResponseBytes  = 1 << 20
)

// HTTPDoer описывает минимальный контракт HTTP-клиента, используемый клиентом процессинга.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config содержит учётные данные и адреса процессинга.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	APIBaseURL   string
	TestMode     bool
}

// Client инкапсулирует HTTP-взаимодействие с API процессинга.
type Client struct {
	cfg        Config
	httpClient HTTPDoer
	cache      tokencache.Cache
	logger     *zap.Logger
	now        func() time.Time
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(d HTTPDoer) Option {
	return func(c *Client) { c.httpClient = d }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger задаёт логгер клиента.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient создаёт клиент процессинга. Тестовый режим отключает проверку TLS-сертификатов.
func NewClient(cfg Config, cache tokencache.Cache, opts ...Option) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.TestMode} //nolint:gosec

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		cache:  cache,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = tokencache.NewMemory(c.now)
	}
	return c
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (c *Client) cacheKey() string {
	return tokenCacheKey + ":" + c.cfg.ClientID
}

// AccessToken возвращает закэшированный токен либо запрашивает новый.
func (c *Client) AccessToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		tok, ok, err := c.cache.Get(ctx, c.cacheKey())
		if err != nil {
			c.logger.Warn("token cache read failed", zap.Error(err))
		}
		if ok {
			c.logger.Debug("using cached access token")
			return tok.Value, nil
		}
	}

	c.logger.Debug("requesting new access token", zap.Bool("force", forceRefresh))

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Reason: "create request", Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("authentication request failed", zap.Error(err))
		return "", &AuthError{Reason: "do request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &AuthError{Reason: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("authentication rejected", zap.Int("status", resp.StatusCode))
		return "", &AuthError{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var data tokenResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", &AuthError{Reason: "decode response", Err: err}
	}
	if data.AccessToken == "" {
		c.logger.Error("invalid authentication response", zap.ByteString("body", body))
		return "", &AuthError{Reason: "response lacks access_token"}
	}

	expiresIn := int64(defaultTokenTTL)
	if data.ExpiresIn != "" {
		if v, err := data.ExpiresIn.Int64(); err == nil {
			expiresIn = v
		}
	}
	ttl := time.Duration(expiresIn)*time.Second - tokenSafetyMargin
	if ttl < tokenSafetyMargin {
		ttl = tokenSafetyMargin
	}

	tok := model.AccessToken{Value: data.AccessToken, ExpiresAt: c.now().Add(ttl)}
	if err := c.cache.Set(ctx, c.cacheKey(), tok); err != nil {
		c.logger.Warn("token cache write failed", zap.Error(err))
	}

	c.logger.Debug("access token obtained", zap.Duration("ttl", ttl))
	return tok.Value, nil
}

// TestConnection проверяет учётные данные принудительным запросом токена.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.AccessToken(ctx, true)
	return err
}

// CreateOrder создаёт заказ в процессинге и возвращает ссылку на платёжную страницу.
func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (*RemoteOrder, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	c.logger.Debug("creating remote order", zap.String("external_order_id", order.ExternalOrderID))

	status, body, err := c.doAuthorized(ctx, http.MethodPost, c.cfg.APIBaseURL+"/ecommerce/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	if status != http.StatusOK && status != http.StatusCreated {
		apiErr := newRemoteAPIError("create order", status, body)
		c.logger.Error("order creation failed", zap.Int("status", status), zap.String("message", apiErr.Message))
		return nil, apiErr
	}

	var res RemoteOrder
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if res.ID == "" || res.RedirectURL() == "" {
		return nil, ErrInvalidResponse
	}

	c.logger.Info("remote order created", zap.String("remote_order_id", res.ID))
	return &res, nil
}

// PaymentDetails запрашивает квитанцию (статус оплаты) по идентификатору заказа процессинга.
func (c *Client) PaymentDetails(ctx context.Context, remoteOrderID string) (*PaymentDetails, error) {
	endpoint := c.cfg.APIBaseURL + "/receipt/" + url.PathEscape(remoteOrderID)

	status, body, err := c.doAuthorized(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("get payment details: %w", err)
	}

	if status != http.StatusOK {
		apiErr := newRemoteAPIError("get payment details", status, body)
		c.logger.Error("payment details request failed",
			zap.String("remote_order_id", remoteOrderID),
			zap.Int("status", status),
			zap.String("message", apiErr.Message),
		)
		return nil, apiErr
	}

	var res PaymentDetails
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	res.Raw = json.RawMessage(body)

	c.logger.Debug("payment details retrieved",
		zap.String("remote_order_id", remoteOrderID),
		zap.String("status", res.OrderStatus.Key),
	)
	return &res, nil
}

// doAuthorized выполняет запрос с Bearer-токеном; на 401 обновляет токен и повторяет запрос ровно один раз.
func (c *Client) doAuthorized(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	token, err := c.AccessToken(ctx, false)
	if err != nil {
		return 0, nil, err
	}

	status, body, err := c.send(ctx, method, endpoint, payload, token)
	if err != nil {
		return 0, nil, err
	}

	if status == http.StatusUnauthorized {
		c.logger.Info("token rejected, refreshing and retrying", zap.String("endpoint", endpoint))

		token, err = c.AccessToken(ctx, true)
		if err != nil {
			return 0, nil, err
		}
		status, body, err = c.send(ctx, method, endpoint, payload, token)
		if err != nil {
			return 0, nil, err
		}
	}

	return status, body, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, token string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, body, nil
}
