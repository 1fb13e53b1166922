package engine

import (
	"context"

	"wa-instances/internal/gateway"
	"wa-instances/internal/infra/logger"

	"go.uber.org/zap"
)

// Verdict — итог вторичной проверки подключения.
type Verdict int

const (
	// VerdictUnknown — проверка не состоялась (сетевой сбой), статус не меняем.
	VerdictUnknown Verdict = iota
	// VerdictVerified — сессия отдаёт реальные данные.
	VerdictVerified
	// VerdictRejected — шлюз сказал «connected», но данные недоступны: ложное подключение.
	VerdictRejected
)

func (v Verdict) String() string {
	switch v {
	case VerdictVerified:
		return "verified"
	case VerdictRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Verifier решает, можно ли доверять подключению. Самоотчёт шлюза «connected»
// сам по себе не считается: нужен успешный запрос реальных данных сессии.
// Только Verifier выставляет ReallyConnected=true.
type Verifier struct {
	gw Gateway
}

// NewVerifier создаёт Verifier поверх шлюза.
func NewVerifier(gw Gateway) *Verifier {
	return &Verifier{gw: gw}
}

// Check выполняет вторичную проверку и возвращает патч для Registry.
//   - verified → connected + ReallyConnected + номер телефона;
//   - rejected → понижение до connecting, чтобы снова включился путь восстановления;
//     RetryCount здесь не растёт, это делает только Recovery;
//   - unknown  → connected без подтверждения, следующая проверка на следующем тике.
func (v *Verifier) Check(ctx context.Context, id string) (Patch, Verdict, error) {
	session, err := v.gw.VerifySession(ctx, id)
	switch {
	case err != nil && gateway.IsUnauthorized(err):
		session = gateway.Session{OK: false}
	case err != nil:
		logger.Debug("Verifier: session check failed", zap.String("instance", id), zap.Error(err))
		return Patch{}.WithStatus(StatusConnected).WithReallyConnected(false), VerdictUnknown, err
	}

	if !session.OK {
		logger.Warn("Verifier: gateway reports connected but session is not authorized; downgrading",
			zap.String("instance", id))
		return Patch{}.WithStatus(StatusConnecting).WithReallyConnected(false), VerdictRejected, nil
	}

	return Patch{}.
		WithStatus(StatusConnected).
		WithReallyConnected(true).
		WithPhoneNumber(session.PhoneNumber), VerdictVerified, nil
}
