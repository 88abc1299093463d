// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/mmeshcher/bogpay-gateway/internal/model"
)

// ErrInvalidOrderID возвращается, если идентификатор заказа не является положительным целым числом.
var ErrInvalidOrderID = errors.New("invalid order id")

// ParseOrderID разбирает локальный идентификатор заказа из строки запроса или тела колбэка.
// Допускаются только десятичные цифры; пробелы по краям отбрасываются.
func ParseOrderID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrInvalidOrderID
	}

	for _, ch := range raw {
		if !unicode.IsDigit(ch) || ch > unicode.MaxASCII {
			return 0, ErrInvalidOrderID
		}
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidOrderID
	}

	return id, nil
}

// IsSupportedCurrency проверяет, что валюта заказа поддерживается процессингом.
func IsSupportedCurrency(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), model.SupportedCurrency)
}
