package web

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"wa-instances/internal/engine"
	"wa-instances/internal/gateway"
	"wa-instances/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// writeResponse записывает ответ в ResponseWriter с логированием ошибок и места вызова.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}

// writeJSON сериализует v и пишет его с кодом status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	writeResponse(w, payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor переводит ошибку движка или шлюза в HTTP-код.
func statusFor(err error) int {
	var rateErr *gateway.RateLimitError
	switch {
	case errors.Is(err, engine.ErrEmptyID):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrConnectInProgress):
		return http.StatusConflict
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case gateway.IsUnauthorized(err):
		return http.StatusBadGateway
	case gateway.IsTransient(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
