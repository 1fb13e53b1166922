package engine

import "time"

// Policy — каноническая политика опроса и восстановления. Одна на процесс.
type Policy struct {
	// PollInterval — обычный период опроса статуса.
	PollInterval time.Duration
	// PairingPollInterval — ускоренный период, пока идёт сопряжение.
	PairingPollInterval time.Duration
	// HeartbeatInterval — редкая проверка уже подтверждённого подключения.
	HeartbeatInterval time.Duration
	// HeartbeatVerifyEvery — каждый N-й heartbeat заново проверяет сессию через Verifier.
	HeartbeatVerifyEvery int
	// QRTimeout — сколько ждём сканирования QR (qr_ready), прежде чем считать инстанс зависшим.
	QRTimeout time.Duration
	// HandshakeTimeout — порог для connecting/authenticated.
	HandshakeTimeout time.Duration
	// MaxRetries — лимит автоматических восстановлений до перехода в error.
	MaxRetries int
	// RecoveryDelay — пауза между disconnect и connect при восстановлении.
	RecoveryDelay time.Duration
}

// DefaultPolicy возвращает рекомендуемые значения.
func DefaultPolicy() Policy {
	return Policy{
		PollInterval:         5 * time.Second,
		PairingPollInterval:  3 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatVerifyEvery: 10,
		QRTimeout:            60 * time.Second,
		HandshakeTimeout:     90 * time.Second,
		MaxRetries:           3,
		RecoveryDelay:        2 * time.Second,
	}
}

// normalized подставляет дефолты вместо нулевых/отрицательных значений.
// MaxRetries=0 допустим: любое зависание сразу ведёт в error.
func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.PairingPollInterval <= 0 {
		p.PairingPollInterval = p.PollInterval
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = def.HeartbeatInterval
	}
	if p.HeartbeatVerifyEvery <= 0 {
		p.HeartbeatVerifyEvery = def.HeartbeatVerifyEvery
	}
	if p.QRTimeout <= 0 {
		p.QRTimeout = def.QRTimeout
	}
	if p.HandshakeTimeout <= 0 {
		p.HandshakeTimeout = def.HandshakeTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.RecoveryDelay < 0 {
		p.RecoveryDelay = 0
	}
	return p
}

// StuckThreshold возвращает порог зависания для статуса; 0 — статус зависнуть не может.
func (p Policy) StuckThreshold(s Status) time.Duration {
	switch s {
	case StatusQRReady:
		return p.QRTimeout
	case StatusConnecting, StatusAuthenticated:
		return p.HandshakeTimeout
	default:
		return 0
	}
}

// IsStuck — чистая функция от (status, lastChangeAt, now). Вызывается на каждом тике опроса.
// Истечение QR и зависание в qr_ready — одно и то же событие.
func (p Policy) IsStuck(s Status, lastChangeAt, now time.Time) bool {
	threshold := p.StuckThreshold(s)
	if threshold <= 0 || lastChangeAt.IsZero() {
		return false
	}
	return now.Sub(lastChangeAt) > threshold
}

// interval выбирает период следующего тика по текущему снимку.
func (p Policy) interval(st State) time.Duration {
	switch {
	case st.ReallyConnected:
		return p.HeartbeatInterval
	case st.Status.IsPairing():
		return p.PairingPollInterval
	default:
		return p.PollInterval
	}
}
