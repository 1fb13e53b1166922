package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
)

// ErrUnauthorized — шлюз отказал в доступе (401/403). Для проверки сессии это
// означает «подключение ложное», а не сетевой сбой.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// StatusError — ответ шлюза с неуспешным HTTP-кодом.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway %s: http %d", e.Op, e.Code)
	}
	return fmt.Sprintf("gateway %s: http %d: %s", e.Op, e.Code, e.Body)
}

// Is позволяет сравнивать 401/403 с ErrUnauthorized через errors.Is.
func (e *StatusError) Is(target error) bool {
	return target == ErrUnauthorized && (e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}

// StopRetry: клиентские ошибки (4xx) повторять бессмысленно.
func (e *StatusError) StopRetry() bool {
	return e.Code < http.StatusInternalServerError
}

// RateLimitError — шлюз попросил подождать (429 + Retry-After).
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway %s: rate limited, retry after %s", e.Op, e.RetryAfter)
}

// IsUnauthorized сообщает, что ошибка — отказ в доступе.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransient определяет, похожа ли ошибка на временную сетевую проблему:
// таймауты/дедлайны, EOF, net.Error, 5xx и 429. Отмена контекста временной не считается.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
