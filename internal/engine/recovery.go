package engine

import (
	"context"
	"fmt"
	"time"

	"wa-instances/internal/infra/logger"

	"go.uber.org/zap"
)

// SleepFunc ждёт d или отмену ctx. Подменяется в тестах.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepCtx — стандартная пауза с уважением к контексту.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Recovery сбрасывает зависший инстанс: disconnect → пауза → connect.
// Вызывается только из тика опроса (под замком опроса), поэтому второго источника
// конкурентных изменений записи нет.
type Recovery struct {
	reg    *Registry
	gw     Gateway
	policy Policy
	clock  func() time.Time
	sleep  SleepFunc
}

// NewRecovery создаёт движок восстановления.
func NewRecovery(reg *Registry, gw Gateway, policy Policy, clock func() time.Time, sleep SleepFunc) *Recovery {
	if clock == nil {
		clock = time.Now
	}
	if sleep == nil {
		sleep = sleepCtx
	}
	return &Recovery{reg: reg, gw: gw, policy: policy.normalized(), clock: clock, sleep: sleep}
}

// Recover выполняет одну попытку восстановления инстанса (зависание или сбой,
// о котором сообщил шлюз; reason попадает в LastError при эскалации) или, если лимит
// исчерпан, переводит его в error. В error автоматические попытки прекращаются до
// ручного переподключения. ctx отменяет паузу; вызовы шлюза завершаются в любом случае,
// но их результат отбрасывается, если эпоха записи сменилась.
func (r *Recovery) Recover(ctx context.Context, id string, epoch uint64, reason string) {
	st := r.reg.Get(id)
	if st.RetryCount >= r.policy.MaxRetries {
		msg := fmt.Sprintf("%s; automatic recovery exhausted after %d attempts", reason, st.RetryCount)
		if _, ok := r.reg.SetIfEpoch(id, epoch, Patch{}.WithStatus(StatusError).WithError(msg)); ok {
			logger.Error("Recovery: giving up, manual reconnect required",
				zap.String("instance", id), zap.Int("retry", st.RetryCount), zap.String("reason", reason))
		}
		return
	}

	if !r.reg.TryAcquireConnectLock(id) {
		logger.Debug("Recovery: connect operation already in progress", zap.String("instance", id))
		return
	}
	defer r.reg.ReleaseConnectLock(id)

	attempt := st.RetryCount + 1
	logger.Warn("Recovery: resetting session",
		zap.String("instance", id),
		zap.String("reason", reason),
		zap.String("status", string(st.Status)),
		zap.Duration("stuck_for", r.clock().Sub(st.LastChangeAt)),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", r.policy.MaxRetries))

	callCtx := context.WithoutCancel(ctx)
	if err := r.gw.Disconnect(callCtx, id); err != nil {
		logger.Warn("Recovery: disconnect failed", zap.String("instance", id), zap.Error(err))
	}

	if err := r.sleep(ctx, r.policy.RecoveryDelay); err != nil {
		logger.Debug("Recovery: aborted during teardown delay", zap.String("instance", id), zap.Error(err))
		return
	}
	if r.reg.Epoch(id) != epoch {
		logger.Debug("Recovery: instance epoch changed, abandoning attempt", zap.String("instance", id))
		return
	}

	lastErr := ""
	if err := r.gw.Connect(callCtx, id); err != nil {
		lastErr = "recovery connect: " + err.Error()
		logger.Warn("Recovery: connect failed", zap.String("instance", id), zap.Error(err))
	}

	patch := Patch{}.
		WithStatus(StatusConnecting).
		WithRetryCount(attempt).
		WithLastChangeAt(r.clock()).
		WithQRCode("").
		WithStuck(false).
		WithError(lastErr)
	if _, ok := r.reg.SetIfEpoch(id, epoch, patch); !ok {
		logger.Debug("Recovery: result discarded, instance decommissioned", zap.String("instance", id))
	}
}
