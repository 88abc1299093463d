// Package normalizer приводит разнородные ответы и колбэки процессинга к каноническому сигналу.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformedPayload возвращается, если тело не является JSON-объектом.
var ErrMalformedPayload = errors.New("malformed payload")

// Payload описывает декодированный JSON-объект колбэка или квитанции.
type Payload map[string]any

// Parse декодирует сырое тело. Числа сохраняются как json.Number.
func Parse(raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}
	return p, nil
}

// Rule извлекает значение поля из payload. Второй результат сообщает, найдено ли поле.
type Rule func(p Payload) (string, bool)

// Path строит правило, читающее скалярное значение по цепочке ключей.
func Path(keys ...string) Rule {
	return func(p Payload) (string, bool) {
		var cur any = map[string]any(p)
		for _, k := range keys {
			obj, ok := asObject(cur)
			if !ok {
				return "", false
			}
			cur, ok = obj[k]
			if !ok {
				return "", false
			}
		}
		return scalar(cur)
	}
}

// FirstNonEmpty применяет правила по порядку и возвращает первое непустое значение.
func FirstNonEmpty(p Payload, rules ...Rule) string {
	for _, r := range rules {
		if v, ok := r(p); ok && v != "" {
			return v
		}
	}
	return ""
}

// FirstPresent применяет правила по порядку и возвращает первое найденное значение, даже пустое.
func FirstPresent(p Payload, rules ...Rule) string {
	for _, r := range rules {
		if v, ok := r(p); ok {
			return v
		}
	}
	return ""
}

func asObject(v any) (map[string]any, bool) {
	switch o := v.(type) {
	case map[string]any:
		return o, true
	case Payload:
		return o, true
	}
	return nil, false
}

func scalar(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}
