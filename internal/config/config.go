// Package config содержит логику чтения конфигурации платёжного шлюза.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

const (
	// TokenCacheMemory хранит токен процессинга в памяти процесса.
	TokenCacheMemory = "memory"
	// TokenCachePostgres хранит токен в таблице access_tokens, общей для всех экземпляров.
	TokenCachePostgres = "postgres"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultPublicBaseURL = "http://localhost:8080"
)

// Config содержит параметры конфигурации платёжного шлюза.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	ClientID         string `env:"BOG_CLIENT_ID"`
	ClientSecret     string `env:"BOG_CLIENT_SECRET"`
	TestMode         bool   `env:"BOG_TEST_MODE"`
	TestClientID     string `env:"BOG_TEST_CLIENT_ID"`
	TestClientSecret string `env:"BOG_TEST_CLIENT_SECRET"`
	AuthURL          string `env:"BOG_AUTH_URL"`
	APIURL           string `env:"BOG_API_URL"`
	Locale           string `env:"BOG_LOCALE" envDefault:"ka"`

	CheckoutURL      string `env:"CHECKOUT_URL" envDefault:"/checkout"`
	OrderReceivedURL string `env:"ORDER_RECEIVED_URL" envDefault:"/checkout/order-received"`
	AdminSecret      string `env:"ADMIN_SECRET"`

	RequireSignature           bool `env:"REQUIRE_SIGNATURE" envDefault:"false"`
	RejectInvalidSignature     bool `env:"REJECT_INVALID_SIGNATURE" envDefault:"true"`
	TrustCallbackOnVerifyError bool `env:"TRUST_CALLBACK_ON_VERIFY_ERROR" envDefault:"true"`

	TokenCache        string  `env:"TOKEN_CACHE" envDefault:"memory"`
	CallbackRateLimit float64 `env:"CALLBACK_RATE_LIMIT" envDefault:"10"`
	CallbackRateBurst int     `env:"CALLBACK_RATE_BURST" envDefault:"20"`
	TrustProxyHeaders bool    `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	Debug bool `env:"DEBUG"`
}

// Credentials возвращает учётные данные процессинга, в тестовом режиме тестовые.
func (c *Config) Credentials() (clientID, clientSecret string) {
	if c.TestMode {
		return c.TestClientID, c.TestClientSecret
	}
	return c.ClientID, c.ClientSecret
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPublicBaseURL := cfg.PublicBaseURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PublicBaseURL, "b", defaultPublicBaseURL, "public base URL used in callback and redirect links")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPublicBaseURL != "" {
		cfg.PublicBaseURL = envPublicBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaultPublicBaseURL
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	switch cfg.TokenCache {
	case TokenCacheMemory, TokenCachePostgres:
	default:
		return nil, fmt.Errorf("unsupported token cache %q", cfg.TokenCache)
	}

	if cfg.CallbackRateLimit <= 0 {
		return nil, fmt.Errorf("callback rate limit must be positive, got %v", cfg.CallbackRateLimit)
	}

	return cfg, nil
}
