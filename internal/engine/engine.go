package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"wa-instances/internal/infra/logger"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

var (
	// ErrConnectInProgress — для инстанса уже выполняется connect/disconnect.
	ErrConnectInProgress = errors.New("engine: connect operation already in progress")
	// ErrEmptyID — пустой идентификатор инстанса.
	ErrEmptyID = errors.New("engine: empty instance id")
	// ErrNoGateway — движок собран без шлюза.
	ErrNoGateway = errors.New("engine: gateway is required")
)

// RecordPatch — проекция состояния для внешнего CRUD-хранилища.
type RecordPatch struct {
	Status          Status    `json:"status"`
	ReallyConnected bool      `json:"reallyConnected"`
	PhoneNumber     string    `json:"phoneNumber,omitempty"`
	RetryCount      int       `json:"retryCount"`
	LastError       string    `json:"lastError,omitempty"`
	ChangedAt       time.Time `json:"changedAt"`
}

// Recorder — внешнее хранилище записей инстансов. Record вызывается при смене
// статуса или ReallyConnected и обязан вернуть управление сразу (fire-and-forget).
type Recorder interface {
	Record(id string, patch RecordPatch)
}

// Options — зависимости и параметры движка.
type Options struct {
	Gateway  Gateway
	Policy   Policy
	Recorder Recorder
	// Clock — источник времени; nil означает time.Now.
	Clock func() time.Time
	// Sleep — пауза восстановления; nil означает реальный таймер.
	Sleep SleepFunc
}

// CheckResult — итог ручной проверки подключения.
type CheckResult struct {
	Connected   bool   `json:"connected"`
	PhoneNumber string `json:"phone,omitempty"`
}

// Engine — фасад движка для UI и операторских интерфейсов: подписка на снимки,
// ручная проверка, запросы подключения/отключения. Глобальных синглтонов нет:
// всё, что нужно подписчику, — ссылка на Engine.
type Engine struct {
	reg      *Registry
	bus      *Broadcaster
	poller   *Poller
	verifier *Verifier
	gw       Gateway
	policy   Policy
	recorder Recorder
	clock    func() time.Time

	closeOnce sync.Once
}

// New собирает движок. Циклы опроса наследуют отмену ctx.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, ErrNoGateway
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := opts.Policy.normalized()

	e := &Engine{
		bus:      NewBroadcaster(),
		gw:       opts.Gateway,
		policy:   policy,
		recorder: opts.Recorder,
		clock:    clock,
	}
	e.reg = NewRegistry(e.bus, clock, Hooks{
		OnFirstSubscriber: e.onFirstSubscriber,
		OnLastSubscriber:  e.onLastSubscriber,
		OnChange:          e.onChange,
	})
	e.verifier = NewVerifier(opts.Gateway)
	recovery := NewRecovery(e.reg, opts.Gateway, policy, clock, opts.Sleep)
	e.poller = NewPoller(ctx, e.reg, opts.Gateway, policy, clock, e.verifier, recovery, NewQRManager(opts.Gateway))
	return e, nil
}

// Registry отдаёт реестр (только для чтения снимков и диагностики).
func (e *Engine) Registry() *Registry { return e.reg }

// Policy возвращает действующую политику.
func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) onFirstSubscriber(id string) {
	e.poller.Start(id)
}

func (e *Engine) onLastSubscriber(id string) {
	e.poller.Stop(id)
}

// onChange передаёт во внешнее хранилище только значимые изменения.
func (e *Engine) onChange(prev, next State) {
	if e.recorder == nil {
		return
	}
	if prev.Status == next.Status && prev.ReallyConnected == next.ReallyConnected && prev.PhoneNumber == next.PhoneNumber {
		return
	}
	e.recorder.Record(next.InstanceID, RecordPatch{
		Status:          next.Status,
		ReallyConnected: next.ReallyConnected,
		PhoneNumber:     next.PhoneNumber,
		RetryCount:      next.RetryCount,
		LastError:       next.LastError,
		ChangedAt:       next.LastChangeAt,
	})
}

// Subscribe подписывает fn на снимки инстанса id. Первый подписчик запускает опрос,
// последний отписавшийся — останавливает. Функция отписки идемпотентна.
func (e *Engine) Subscribe(id string, fn Listener) (func(), error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrEmptyID
	}
	if fn == nil {
		fn = func(State) {}
	}
	return e.reg.Subscribe(id, fn), nil
}

// Watch — канальная обёртка над Subscribe. Буфер на один снимок: медленный читатель
// получает самый свежий снимок, промежуточные теряются. Канал закрывается после отмены ctx.
func (e *Engine) Watch(ctx context.Context, id string) (<-chan State, error) {
	ch := make(chan State, 1)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsubscribe, err := e.Subscribe(id, func(st State) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
		ch <- st
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		unsubscribe()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

// Snapshot возвращает текущий снимок инстанса.
func (e *Engine) Snapshot(id string) (State, bool) {
	return e.reg.Lookup(id)
}

// Snapshots возвращает снимки всех известных инстансов.
func (e *Engine) Snapshots() []State {
	return e.reg.Snapshots()
}

// Polling сообщает, идёт ли опрос инстанса.
func (e *Engine) Polling(id string) bool {
	return e.poller.Running(id)
}

// Tick выполняет один шаг опроса вне расписания. Используется консолью и тестами.
func (e *Engine) Tick(ctx context.Context, id string) bool {
	return e.poller.Tick(ctx, id)
}

// ForceCheck — ручная проверка «действительно подключён». Ждёт, пока завершится
// тик в полёте, чтобы к шлюзу по одному инстансу не шло двух вызовов сразу.
// Инстанс в error проверка из error не выводит; исключение — подтверждённая сессия.
func (e *Engine) ForceCheck(ctx context.Context, id string) (CheckResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return CheckResult{}, ErrEmptyID
	}
	if err := e.reg.AcquirePollLock(ctx, id); err != nil {
		return CheckResult{}, errors.Wrap(err, "force check: wait for poll lock")
	}
	defer e.reg.ReleasePollLock(id)

	epoch := e.reg.Epoch(id)
	if epoch == 0 {
		epoch = e.reg.Advance(id)
	}
	cur := e.reg.Get(id)

	report, err := e.gw.GetStatus(ctx, id)
	if err != nil {
		logger.Warn("ForceCheck: status call failed", zap.String("instance", id), zap.Error(err))
		return CheckResult{}, errors.Wrap(err, "force check: status")
	}
	status, ok := MapGatewayStatus(report.Status)
	if !ok {
		return CheckResult{}, errors.Errorf("force check: unknown gateway status %q", report.Status)
	}

	patch := Patch{}.WithStatus(status)
	verdict := VerdictUnknown
	var checkErr error
	switch status {
	case StatusError:
		// сбой на стороне шлюза расходует попытки только через Recovery
		patch = Patch{}.WithError("gateway reported " + report.Status)
	case StatusConnected:
		var verdictPatch Patch
		verdictPatch, verdict, checkErr = e.verifier.Check(ctx, id)
		patch = patch.merge(verdictPatch)
	}

	st := cur
	if cur.Status == StatusError && verdict != VerdictVerified {
		logger.Info("ForceCheck: instance stays in error until manual reconnect",
			zap.String("instance", id), zap.String("gateway_status", report.Status), zap.Stringer("verdict", verdict))
	} else if next, applied := e.reg.SetIfEpoch(id, epoch, patch); applied {
		st = next
	} else {
		st = e.reg.Get(id)
	}

	if checkErr != nil {
		return CheckResult{Connected: st.ReallyConnected, PhoneNumber: st.PhoneNumber},
			errors.Wrap(checkErr, "force check: verify session")
	}
	logger.Info("ForceCheck: done",
		zap.String("instance", id), zap.String("status", string(st.Status)), zap.Bool("really_connected", st.ReallyConnected))
	return CheckResult{Connected: st.ReallyConnected, PhoneNumber: st.PhoneNumber}, nil
}

// RequestConnect — ручное (пере)подключение: RetryCount=0, статус disconnected,
// затем connect у шлюза. Единственный способ выйти из error. Ответы, полученные
// до запроса, отбрасываются за счёт новой эпохи.
func (e *Engine) RequestConnect(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	if err := e.connect(ctx, id); err != nil {
		return err
	}
	e.poller.Wake(id)
	return nil
}

func (e *Engine) connect(ctx context.Context, id string) error {
	epoch, release, err := e.acquireExclusive(ctx, id)
	if err != nil {
		return errors.Wrap(err, "request connect")
	}
	defer release()

	e.reg.SetIfEpoch(id, epoch, Patch{}.WithStatus(StatusDisconnected).WithRetryCount(0).WithStuck(false).WithError(""))

	if err := e.gw.Connect(ctx, id); err != nil {
		e.reg.SetIfEpoch(id, epoch, Patch{}.WithError("connect: "+err.Error()))
		logger.Error("RequestConnect: gateway connect failed", zap.String("instance", id), zap.Error(err))
		return errors.Wrap(err, "request connect")
	}

	e.reg.SetIfEpoch(id, epoch, Patch{}.WithStatus(StatusConnecting))
	logger.Info("RequestConnect: pairing requested", zap.String("instance", id))
	return nil
}

// RequestDisconnect разрывает сессию и сбрасывает счётчики.
func (e *Engine) RequestDisconnect(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyID
	}
	epoch, release, err := e.acquireExclusive(ctx, id)
	if err != nil {
		return errors.Wrap(err, "request disconnect")
	}
	defer release()

	if err := e.gw.Disconnect(ctx, id); err != nil {
		e.reg.SetIfEpoch(id, epoch, Patch{}.WithError("disconnect: "+err.Error()))
		logger.Error("RequestDisconnect: gateway disconnect failed", zap.String("instance", id), zap.Error(err))
		return errors.Wrap(err, "request disconnect")
	}

	e.reg.SetIfEpoch(id, epoch, Patch{}.WithStatus(StatusDisconnected).WithRetryCount(0).WithStuck(false).WithError(""))
	logger.Info("RequestDisconnect: session closed", zap.String("instance", id))
	return nil
}

// acquireExclusive занимает замок connect, начинает новую эпоху и ждёт замок опроса:
// тик в полёте доходит до конца, но его результат уже не применится.
// release освобождает оба замка.
func (e *Engine) acquireExclusive(ctx context.Context, id string) (uint64, func(), error) {
	if !e.reg.TryAcquireConnectLock(id) {
		return 0, nil, ErrConnectInProgress
	}
	epoch := e.reg.Advance(id)
	if err := e.reg.AcquirePollLock(ctx, id); err != nil {
		e.reg.ReleaseConnectLock(id)
		return 0, nil, errors.Wrap(err, "wait for poll lock")
	}
	return epoch, func() {
		e.reg.ReleasePollLock(id)
		e.reg.ReleaseConnectLock(id)
	}, nil
}

// Cleanup удаляет запись инстанса без подписчиков. Возвращает true, если запись удалена.
func (e *Engine) Cleanup(id string) bool {
	if e.poller.Running(id) {
		return false
	}
	return e.reg.Cleanup(id)
}

// Remove забывает инстанс, удалённый во внешней системе: останавливает опрос,
// снимает подписчиков, удаляет запись.
func (e *Engine) Remove(id string) bool {
	e.poller.Stop(id)
	removed := e.reg.Remove(id)
	if removed {
		logger.Info("Engine: instance removed", zap.String("instance", id))
	}
	return removed
}

// Close останавливает все циклы опроса и ждёт их завершения.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.poller.Close()
	})
}
