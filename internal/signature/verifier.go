// Package signature проверяет подпись колбэков процессинга.
package signature

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

//go:embed bog_public_key.pem
var defaultPublicKey []byte

var (
	// ErrSignatureMissing возвращается, если подпись обязательна, но не передана.
	ErrSignatureMissing = errors.New("callback signature missing")
	// ErrSignatureInvalid возвращается, если подпись не прошла проверку.
	ErrSignatureInvalid = errors.New("callback signature invalid")
)

// Verifier проверяет RSA-SHA256 подпись по фиксированному публичному ключу.
type Verifier struct {
	key    *rsa.PublicKey
	keyErr error
	logger *zap.Logger
}

// NewDefaultVerifier создаёт Verifier со встроенным ключом процессинга.
func NewDefaultVerifier(logger *zap.Logger) *Verifier {
	return NewVerifier(defaultPublicKey, logger)
}

// NewVerifier создаёт Verifier с указанным PEM-ключом. Ошибка разбора ключа
// не возвращается: каждая последующая проверка будет отрицательной.
func NewVerifier(pemKey []byte, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := parsePublicKey(pemKey)
	if err != nil {
		logger.Error("failed to load callback public key", zap.Error(err))
	}
	return &Verifier{key: key, keyErr: err, logger: logger}
}

func parsePublicKey(pemKey []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type %T", pub)
	}
	return rsaKey, nil
}

// Verify проверяет подпись signatureB64 над сырыми байтами тела запроса.
// Тело должно быть захвачено до разбора JSON.
func (v *Verifier) Verify(rawBody []byte, signatureB64 string) bool {
	if v.key == nil {
		v.logger.Error("signature verification skipped: public key not loaded", zap.Error(v.keyErr))
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureB64))
	if err != nil {
		v.logger.Warn("signature is not valid base64", zap.Error(err))
		return false
	}

	digest := sha256.Sum256(rawBody)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig); err != nil {
		v.logger.Warn("signature verification failed", zap.Error(err))
		return false
	}

	v.logger.Debug("signature verified")
	return true
}

// Policy определяет реакцию на отсутствующую и неверную подпись.
type Policy struct {
	RequireSignature bool
	RejectInvalid    bool
}

// Checker применяет Policy к результату проверки подписи.
type Checker struct {
	verifier *Verifier
	policy   Policy
	logger   *zap.Logger
}

// NewChecker создаёт Checker.
func NewChecker(v *Verifier, p Policy, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{verifier: v, policy: p, logger: logger}
}

// Check возвращает ошибку, только если политика запрещает продолжать обработку.
func (c *Checker) Check(rawBody []byte, signatureB64 string) error {
	if strings.TrimSpace(signatureB64) == "" {
		if c.policy.RequireSignature {
			c.logger.Error("callback rejected: no signature provided")
			return ErrSignatureMissing
		}
		c.logger.Warn("no signature provided in callback headers")
		return nil
	}

	if c.verifier.Verify(rawBody, signatureB64) {
		return nil
	}

	if c.policy.RejectInvalid {
		c.logger.Error("callback rejected: signature verification failed")
		return ErrSignatureInvalid
	}
	c.logger.Warn("signature verification failed, continuing processing")
	return nil
}
