// Package engine — движок жизненного цикла подключения WhatsApp-инстансов.
// Он знает, действительно ли сессия подключена, ведёт её через сопряжение по QR
// к авторизованному состоянию, замечает «зависания» и восстанавливает сессию
// в пределах ограниченного числа повторов. Любое число наблюдателей получает
// снимки состояния из общего Registry, не запуская собственных циклов опроса.
//
// Состав:
//   - Registry — единственный источник правды по инстансам, блокировки опроса/подключения, эпохи;
//   - Broadcaster — рассылка снимков подписчикам с идемпотентными отписками;
//   - Poller — один цикл опроса на инстанс, пока есть подписчики;
//   - Verifier — вторичная проверка «действительно подключён»;
//   - Recovery — сброс и повторное подключение при зависании;
//   - QRManager — выдача и нормализация кода сопряжения.
package engine

import "time"

// Status — внутреннее состояние подключения инстанса.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusQRReady       Status = "qr_ready"
	StatusAuthenticated Status = "authenticated"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
)

// IsPairing сообщает, идёт ли сопряжение: только в этих состояниях допустим QR.
func (s Status) IsPairing() bool {
	return s == StatusConnecting || s == StatusQRReady
}

// IsTransitional сообщает, может ли состояние «зависнуть».
func (s Status) IsTransitional() bool {
	return s == StatusConnecting || s == StatusQRReady || s == StatusAuthenticated
}

// Valid проверяет, что значение принадлежит перечислению.
func (s Status) Valid() bool {
	switch s {
	case StatusDisconnected, StatusConnecting, StatusQRReady, StatusAuthenticated, StatusConnected, StatusError:
		return true
	default:
		return false
	}
}

// State — неизменяемый снимок состояния одного инстанса. Наружу отдаются только копии.
type State struct {
	InstanceID      string    `json:"instanceId"`
	Status          Status    `json:"status"`
	ReallyConnected bool      `json:"reallyConnected"`
	PhoneNumber     string    `json:"phoneNumber,omitempty"`
	QRCode          string    `json:"qrCode,omitempty"`
	LastChangeAt    time.Time `json:"lastChangeAt"`
	RetryCount      int       `json:"retryCount"`
	IsStuck         bool      `json:"isStuck"`
	SubscriberCount int       `json:"subscriberCount"`
	LastError       string    `json:"lastError,omitempty"`
}

// Patch — предложение изменения записи. Nil-поля не трогаются.
// Registry применяет патч и сам восстанавливает инварианты.
type Patch struct {
	Status          *Status
	ReallyConnected *bool
	PhoneNumber     *string
	QRCode          *string
	RetryCount      *int
	LastChangeAt    *time.Time
	IsStuck         *bool
	LastError       *string
}

func (p Patch) WithStatus(s Status) Patch          { p.Status = &s; return p }
func (p Patch) WithReallyConnected(v bool) Patch   { p.ReallyConnected = &v; return p }
func (p Patch) WithPhoneNumber(v string) Patch     { p.PhoneNumber = &v; return p }
func (p Patch) WithQRCode(v string) Patch          { p.QRCode = &v; return p }
func (p Patch) WithRetryCount(v int) Patch         { p.RetryCount = &v; return p }
func (p Patch) WithLastChangeAt(v time.Time) Patch { p.LastChangeAt = &v; return p }
func (p Patch) WithStuck(v bool) Patch             { p.IsStuck = &v; return p }
func (p Patch) WithError(v string) Patch           { p.LastError = &v; return p }

// merge накладывает other поверх p; заданные в other поля побеждают.
func (p Patch) merge(other Patch) Patch {
	if other.Status != nil {
		p.Status = other.Status
	}
	if other.ReallyConnected != nil {
		p.ReallyConnected = other.ReallyConnected
	}
	if other.PhoneNumber != nil {
		p.PhoneNumber = other.PhoneNumber
	}
	if other.QRCode != nil {
		p.QRCode = other.QRCode
	}
	if other.RetryCount != nil {
		p.RetryCount = other.RetryCount
	}
	if other.LastChangeAt != nil {
		p.LastChangeAt = other.LastChangeAt
	}
	if other.IsStuck != nil {
		p.IsStuck = other.IsStuck
	}
	if other.LastError != nil {
		p.LastError = other.LastError
	}
	return p
}

// applyPatch применяет патч к prev и восстанавливает инварианты записи:
//   - LastChangeAt двигается только при реальной смене статуса (или явно из патча);
//   - QR живёт только в фазе сопряжения;
//   - ReallyConnected возможен только при StatusConnected, номер — только при ReallyConnected;
//   - RetryCount обнуляется при достижении подтверждённого подключения;
//   - IsStuck бывает только у переходных состояний.
func applyPatch(prev State, p Patch, now time.Time) State {
	next := prev
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.ReallyConnected != nil {
		next.ReallyConnected = *p.ReallyConnected
	}
	if p.PhoneNumber != nil {
		next.PhoneNumber = *p.PhoneNumber
	}
	if p.QRCode != nil {
		next.QRCode = *p.QRCode
	}
	if p.RetryCount != nil {
		next.RetryCount = *p.RetryCount
	}
	if p.IsStuck != nil {
		next.IsStuck = *p.IsStuck
	}
	if p.LastError != nil {
		next.LastError = *p.LastError
	}

	switch {
	case p.LastChangeAt != nil:
		next.LastChangeAt = *p.LastChangeAt
	case next.Status != prev.Status:
		next.LastChangeAt = now
	}

	if !next.Status.IsPairing() {
		next.QRCode = ""
	}
	if next.Status != StatusConnected {
		next.ReallyConnected = false
	}
	if !next.ReallyConnected {
		next.PhoneNumber = ""
	}
	if next.ReallyConnected && !prev.ReallyConnected {
		next.RetryCount = 0
		next.LastError = ""
	}
	if next.RetryCount < 0 {
		next.RetryCount = 0
	}
	if !next.Status.IsTransitional() {
		next.IsStuck = false
	}
	return next
}
