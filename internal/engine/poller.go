package engine

import (
	"context"
	"sync"
	"time"

	"wa-instances/internal/gateway"
	"wa-instances/internal/infra/logger"

	"go.uber.org/zap"
)

// Poller держит не более одного цикла опроса на инстанс. Цикл живёт, пока у
// инстанса есть подписчики. Каждый тик: статус шлюза → (QR) → (проверка) → запись
// в Registry → проверка зависания → (восстановление).
type Poller struct {
	reg      *Registry
	gw       Gateway
	policy   Policy
	clock    func() time.Time
	verifier *Verifier
	recovery *Recovery
	qr       *QRManager

	rootCtx context.Context
	mu      sync.Mutex
	loops   map[string]*pollLoop
	fails   map[string]int // подряд идущие сетевые сбои, только для логов
	beats   map[string]int // heartbeat'ы с последней проверки сессии
	wg      sync.WaitGroup
}

type pollLoop struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// NewPoller создаёт поллер. Циклы наследуют отмену rootCtx.
func NewPoller(
	ctx context.Context,
	reg *Registry,
	gw Gateway,
	policy Policy,
	clock func() time.Time,
	verifier *Verifier,
	recovery *Recovery,
	qrm *QRManager,
) *Poller {
	if ctx == nil {
		ctx = context.Background()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Poller{
		reg:      reg,
		gw:       gw,
		policy:   policy.normalized(),
		clock:    clock,
		verifier: verifier,
		recovery: recovery,
		qr:       qrm,
		rootCtx:  ctx,
		loops:    make(map[string]*pollLoop),
		fails:    make(map[string]int),
		beats:    make(map[string]int),
	}
}

// Start запускает цикл опроса id. Возвращает false, если цикл уже есть.
func (p *Poller) Start(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.loops[id]; ok || p.rootCtx.Err() != nil {
		return false
	}
	loopCtx, cancel := context.WithCancel(p.rootCtx)
	loop := &pollLoop{cancel: cancel, wake: make(chan struct{}, 1)}
	p.loops[id] = loop

	logger.Debug("Poller: loop started", zap.String("instance", id))
	p.wg.Go(func() {
		p.run(loopCtx, id, loop)
	})
	return true
}

// Stop останавливает цикл id и начинает новую эпоху записи: ответ шлюза,
// который ещё в полёте, будет отброшен, а не применён.
func (p *Poller) Stop(id string) bool {
	p.mu.Lock()
	loop, ok := p.loops[id]
	delete(p.loops, id)
	delete(p.fails, id)
	delete(p.beats, id)
	p.mu.Unlock()

	if !ok {
		return false
	}
	loop.cancel()
	p.reg.Advance(id)
	logger.Debug("Poller: loop stopped", zap.String("instance", id))
	return true
}

// Running сообщает, есть ли цикл опроса у id.
func (p *Poller) Running(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[id]
	return ok
}

// ActiveLoops возвращает число работающих циклов.
func (p *Poller) ActiveLoops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// Wake просит цикл id выполнить тик немедленно (например, после ручного connect).
func (p *Poller) Wake(id string) {
	p.mu.Lock()
	loop, ok := p.loops[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
}

// Close останавливает все циклы и ждёт их завершения.
func (p *Poller) Close() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.loops))
	for id := range p.loops {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Stop(id)
	}
	p.wg.Wait()
}

// run — цикл одного инстанса: тик сразу, затем по таймеру с периодом по состоянию.
func (p *Poller) run(ctx context.Context, id string, loop *pollLoop) {
	for {
		if ctx.Err() != nil {
			return
		}
		p.Tick(ctx, id)

		timer := time.NewTimer(p.policy.interval(p.reg.Get(id)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-loop.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick выполняет один шаг опроса id. Если предыдущий вызов ещё в полёте, тик
// пропускается целиком (возвращается false). Сбои шлюза не выходят наружу:
// они превращаются в патчи состояния или записи в лог.
func (p *Poller) Tick(ctx context.Context, id string) bool {
	if !p.reg.TryAcquirePollLock(id) {
		logger.Debug("Poller: previous tick still in flight, skipping", zap.String("instance", id))
		return false
	}
	defer p.reg.ReleasePollLock(id)

	epoch := p.reg.Epoch(id)
	if epoch == 0 {
		return true
	}
	cur := p.reg.Get(id)
	if cur.Status == StatusError {
		// Автоматика остановлена до ручного переподключения.
		return true
	}

	// Ответ шлюза дожидаемся даже после отмены цикла; применится он только при неизменной эпохе.
	callCtx := context.WithoutCancel(ctx)

	if cur.ReallyConnected {
		p.heartbeat(ctx, callCtx, id, epoch)
		return true
	}
	p.resetBeats(id)

	report, err := p.gw.GetStatus(callCtx, id)
	if err != nil {
		p.noteFailure(id, err)
		p.detectStuck(ctx, id, epoch)
		return true
	}
	p.resetFailures(id)

	status, ok := MapGatewayStatus(report.Status)
	if !ok {
		logger.Warn("Poller: unknown gateway status, ignoring",
			zap.String("instance", id), zap.String("gateway_status", report.Status))
		p.detectStuck(ctx, id, epoch)
		return true
	}
	if status == StatusError {
		p.remoteFailure(ctx, id, epoch, report.Status)
		return true
	}

	patch := Patch{}.WithStatus(status)
	if p.qr.needsFetch(cur, status, report) {
		if code, qrErr := p.qr.Fetch(callCtx, id); qrErr != nil {
			logger.Debug("Poller: qr fetch failed", zap.String("instance", id), zap.Error(qrErr))
		} else {
			patch = patch.WithQRCode(code)
		}
	}
	if status == StatusConnected {
		verdictPatch, verdict, _ := p.verifier.Check(callCtx, id)
		patch = patch.merge(verdictPatch)
		logger.Debug("Poller: connection verified", zap.String("instance", id), zap.Stringer("verdict", verdict))
	}

	next, applied := p.reg.SetIfEpoch(id, epoch, patch)
	if !applied {
		logger.Debug("Poller: stale result discarded", zap.String("instance", id), zap.Uint64("epoch", epoch))
		return true
	}
	if next.Status != cur.Status {
		logger.Info("Poller: status changed",
			zap.String("instance", id),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(next.Status)),
			zap.Bool("really_connected", next.ReallyConnected))
	}

	p.detectStuck(ctx, id, epoch)
	return true
}

// heartbeat — редкая проверка подтверждённого подключения. Каждый
// HeartbeatVerifyEvery-й удар заново проверяет сессию: шлюз может продолжать
// сообщать connected после отзыва авторизации. Если шлюз больше не сообщает
// connected, статус обновляется и цикл возвращается к обычной частоте.
func (p *Poller) heartbeat(ctx, callCtx context.Context, id string, epoch uint64) {
	report, err := p.gw.GetStatus(callCtx, id)
	if err != nil {
		p.noteFailure(id, err)
		return
	}
	p.resetFailures(id)

	status, ok := MapGatewayStatus(report.Status)
	switch {
	case !ok:
		return
	case status == StatusConnected:
		p.reverify(callCtx, id, epoch)
		return
	case status == StatusError:
		p.resetBeats(id)
		p.remoteFailure(ctx, id, epoch, report.Status)
		return
	}

	p.resetBeats(id)
	if _, applied := p.reg.SetIfEpoch(id, epoch, Patch{}.WithStatus(status)); applied {
		logger.Warn("Poller: verified session dropped",
			zap.String("instance", id), zap.String("to", string(status)))
	}
}

// reverify считает удары и, когда подошла очередь, повторяет вторичную проверку.
// Сетевой сбой проверки подтверждение не снимает: попытка повторится на следующем ударе.
func (p *Poller) reverify(ctx context.Context, id string, epoch uint64) {
	p.mu.Lock()
	p.beats[id]++
	due := p.beats[id] >= p.policy.HeartbeatVerifyEvery
	p.mu.Unlock()
	if !due {
		return
	}

	patch, verdict, err := p.verifier.Check(ctx, id)
	if verdict == VerdictUnknown {
		logger.Debug("Poller: heartbeat session check failed", zap.String("instance", id), zap.Error(err))
		return
	}
	p.resetBeats(id)
	if _, applied := p.reg.SetIfEpoch(id, epoch, patch); applied && verdict == VerdictRejected {
		logger.Warn("Poller: verified session revoked, resuming detailed polling", zap.String("instance", id))
	}
}

// remoteFailure — шлюз сам сообщил о сбое сессии. Терминальным для движка это
// не считается: сбой расходует попытку восстановления, error наступает по исчерпании лимита.
func (p *Poller) remoteFailure(ctx context.Context, id string, epoch uint64, raw string) {
	reason := "gateway reported " + raw
	logger.Warn("Poller: gateway reports session failure",
		zap.String("instance", id), zap.String("gateway_status", raw))
	if _, ok := p.reg.SetIfEpoch(id, epoch, Patch{}.WithStuck(false).WithError(reason)); !ok {
		return
	}
	p.recovery.Recover(ctx, id, epoch, reason)
}

// detectStuck — дешёвое синхронное сравнение на каждом тике вместо отдельного таймера.
func (p *Poller) detectStuck(ctx context.Context, id string, epoch uint64) {
	st := p.reg.Get(id)
	stuck := p.policy.IsStuck(st.Status, st.LastChangeAt, p.clock())
	if stuck != st.IsStuck {
		if _, ok := p.reg.SetIfEpoch(id, epoch, Patch{}.WithStuck(stuck)); !ok {
			return
		}
	}
	if stuck {
		p.recovery.Recover(ctx, id, epoch, "stuck in "+string(st.Status))
	}
}

func (p *Poller) noteFailure(id string, err error) {
	p.mu.Lock()
	p.fails[id]++
	n := p.fails[id]
	p.mu.Unlock()

	fields := []zap.Field{zap.String("instance", id), zap.Int("consecutive", n), zap.Error(err)}
	if gateway.IsTransient(err) {
		logger.Debug("Poller: transient gateway failure, state untouched", fields...)
		return
	}
	logger.Warn("Poller: gateway status call failed", fields...)
}

func (p *Poller) resetBeats(id string) {
	p.mu.Lock()
	delete(p.beats, id)
	p.mu.Unlock()
}

func (p *Poller) resetFailures(id string) {
	p.mu.Lock()
	if n := p.fails[id]; n > 0 {
		logger.Debug("Poller: gateway reachable again", zap.String("instance", id), zap.Int("after_failures", n))
	}
	delete(p.fails, id)
	p.mu.Unlock()
}
