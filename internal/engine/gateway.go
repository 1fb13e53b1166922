package engine

import (
	"context"
	"strings"

	"wa-instances/internal/gateway"
)

// Gateway — минимальная поверхность внешнего шлюза, которую потребляет движок.
// Реализуется gateway.HTTPClient; в тестах — заглушками.
type Gateway interface {
	Connect(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	GetStatus(ctx context.Context, id string) (gateway.StatusReport, error)
	GetQRCode(ctx context.Context, id string) (gateway.QRCode, error)
	VerifySession(ctx context.Context, id string) (gateway.Session, error)
}

// gatewayStatuses переводит словарь шлюза во внутреннее перечисление.
// Разные сборки шлюза называют одно и то же по-разному.
var gatewayStatuses = map[string]Status{
	"disconnected":  StatusDisconnected,
	"close":         StatusDisconnected,
	"closed":        StatusDisconnected,
	"logout":        StatusDisconnected,
	"connecting":    StatusConnecting,
	"opening":       StatusConnecting,
	"pairing":       StatusConnecting,
	"starting":      StatusConnecting,
	"qr":            StatusQRReady,
	"qrcode":        StatusQRReady,
	"qr_ready":      StatusQRReady,
	"qr_code":       StatusQRReady,
	"authenticated": StatusAuthenticated,
	"syncing":       StatusAuthenticated,
	"connected":     StatusConnected,
	"open":          StatusConnected,
	"error":         StatusError,
	"failed":        StatusError,
}

// MapGatewayStatus возвращает внутренний статус и false для неизвестных значений.
func MapGatewayStatus(raw string) (Status, bool) {
	s, ok := gatewayStatuses[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}
