package engine

import (
	"context"
	"encoding/base64"
	"strings"

	"wa-instances/internal/gateway"

	"github.com/go-faster/errors"
	"rsc.io/qr"
)

const pngDataURIPrefix = "data:image/png;base64,"

// QRManager выдаёт код сопряжения, пока инстанс в фазе сопряжения.
// Отдельного таймера истечения нет: истечение QR — это зависание в qr_ready,
// его ловит детектор зависаний. Очистку QR при выходе из сопряжения гарантирует Registry.
type QRManager struct {
	gw Gateway
}

// NewQRManager создаёт менеджер поверх шлюза.
func NewQRManager(gw Gateway) *QRManager {
	return &QRManager{gw: gw}
}

// needsFetch сообщает, нужно ли запрашивать QR для текущей попытки сопряжения.
func (m *QRManager) needsFetch(cur State, next Status, report gateway.StatusReport) bool {
	if !next.IsPairing() {
		return false
	}
	if cur.QRCode != "" && cur.Status.IsPairing() {
		return false
	}
	return report.HasQRCode || next == StatusQRReady
}

// Fetch запрашивает QR у шлюза и приводит его к data URI.
func (m *QRManager) Fetch(ctx context.Context, id string) (string, error) {
	payload, err := m.gw.GetQRCode(ctx, id)
	if err != nil {
		return "", err
	}
	return NormalizeQR(payload)
}

// NormalizeQR возвращает data URI: готовый отдаёт как есть, сырую строку кода
// кодирует в PNG (rsc.io/qr, уровень коррекции M).
func NormalizeQR(payload gateway.QRCode) (string, error) {
	if uri := strings.TrimSpace(payload.DataURI); uri != "" {
		if !strings.HasPrefix(uri, "data:") {
			return "", errors.Errorf("qr: unexpected payload %q", truncate(uri, 32))
		}
		return uri, nil
	}
	raw := strings.TrimSpace(payload.Code)
	if raw == "" {
		return "", errors.New("qr: empty payload")
	}
	code, err := qr.Encode(raw, qr.M)
	if err != nil {
		return "", errors.Wrap(err, "qr: encode")
	}
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(code.PNG()), nil
}

// DecodeDataURI разбирает base64 data URI и возвращает MIME-тип и байты.
func DecodeDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "data:")
	if !ok {
		return "", nil, errors.New("qr: not a data uri")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("qr: malformed data uri")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, errors.New("qr: data uri is not base64")
	}
	if mime == "" {
		mime = "text/plain"
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", nil, errors.Wrap(err, "qr: decode base64")
	}
	return mime, raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
