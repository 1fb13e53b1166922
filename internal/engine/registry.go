package engine

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Hooks — реакции движка на события Registry. Вызываются синхронно.
type Hooks struct {
	// OnFirstSubscriber вызывается, когда у инстанса появился первый подписчик.
	OnFirstSubscriber func(id string)
	// OnLastSubscriber вызывается, когда ушёл последний подписчик.
	OnLastSubscriber func(id string)
	// OnChange вызывается после каждой записи, до рассылки подписчикам. Не должен блокироваться.
	OnChange func(prev, next State)
}

// record — изменяемая запись инстанса. Доступ только под Registry.mu.
type record struct {
	state State
	epoch uint64
}

// instanceLocks — семафоры на инстанс. Живут дольше записей, чтобы ReleasePollLock
// никогда не освобождал чужой семафор после Cleanup/Remove.
type instanceLocks struct {
	poll    chan struct{}
	connect chan struct{}
	// deliver упорядочивает «запись + рассылку» по одному id.
	deliver sync.Mutex
}

// Registry — единственный источник правды о состоянии инстансов.
// Поллер, Verifier и Recovery только предлагают патчи через Set/SetIfEpoch.
// Каждая запись синхронно рассылается подписчикам через Broadcaster.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*record
	locks    map[string]*instanceLocks
	epochSeq uint64

	// subMu сериализует подписку/отписку вместе с хуками старта/остановки опроса.
	subMu sync.Mutex

	bus   *Broadcaster
	clock func() time.Time
	hooks Hooks
}

// NewRegistry создаёт пустой реестр. clock=nil означает time.Now.
func NewRegistry(bus *Broadcaster, clock func() time.Time, hooks Hooks) *Registry {
	if bus == nil {
		bus = NewBroadcaster()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		records: make(map[string]*record),
		locks:   make(map[string]*instanceLocks),
		bus:     bus,
		clock:   clock,
		hooks:   hooks,
	}
}

// ensureLocked возвращает запись id, создавая её в состоянии disconnected. Держим r.mu.
func (r *Registry) ensureLocked(id string) *record {
	rec, ok := r.records[id]
	if !ok {
		r.epochSeq++
		rec = &record{
			state: State{
				InstanceID:   id,
				Status:       StatusDisconnected,
				LastChangeAt: r.clock(),
			},
			epoch: r.epochSeq,
		}
		r.records[id] = rec
	}
	return rec
}

func (r *Registry) lockSet(id string) *instanceLocks {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &instanceLocks{
			poll:    make(chan struct{}, 1),
			connect: make(chan struct{}, 1),
		}
		r.locks[id] = l
	}
	return l
}

// Get возвращает снимок состояния. Для неизвестного id — disconnected по умолчанию.
func (r *Registry) Get(id string) State {
	st, _ := r.Lookup(id)
	return st
}

// Lookup возвращает снимок и признак существования записи.
func (r *Registry) Lookup(id string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.state, true
	}
	return State{InstanceID: id, Status: StatusDisconnected}, false
}

// Snapshots возвращает снимки всех записей, отсортированные по id.
func (r *Registry) Snapshots() []State {
	r.mu.Lock()
	out := make([]State, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.state)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b State) int { return strings.Compare(a.InstanceID, b.InstanceID) })
	return out
}

// Set применяет патч безусловно (создавая запись при необходимости) и рассылает снимок.
func (r *Registry) Set(id string, p Patch) State {
	st, _ := r.write(id, p, func(*record, bool) bool { return true })
	return st
}

// SetIfEpoch применяет патч, только если эпоха записи не сменилась с момента,
// когда вызывающий её прочитал. Поздние ответы от остановленного цикла отбрасываются.
func (r *Registry) SetIfEpoch(id string, epoch uint64, p Patch) (State, bool) {
	return r.write(id, p, func(rec *record, existed bool) bool {
		return existed && rec.epoch == epoch
	})
}

func (r *Registry) write(id string, p Patch, allow func(rec *record, existed bool) bool) (State, bool) {
	l := r.lockSet(id)
	l.deliver.Lock()
	defer l.deliver.Unlock()

	r.mu.Lock()
	rec, existed := r.records[id]
	if !existed {
		probe := &record{}
		if !allow(probe, false) {
			r.mu.Unlock()
			return State{InstanceID: id, Status: StatusDisconnected}, false
		}
		rec = r.ensureLocked(id)
	} else if !allow(rec, true) {
		st := rec.state
		r.mu.Unlock()
		return st, false
	}
	prev := rec.state
	next := applyPatch(prev, p, r.clock())
	rec.state = next
	r.mu.Unlock()

	if r.hooks.OnChange != nil {
		r.hooks.OnChange(prev, next)
	}
	r.bus.Notify(id, next)
	return next, true
}

// Epoch возвращает текущую эпоху записи (0 — записи нет).
func (r *Registry) Epoch(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		return rec.epoch
	}
	return 0
}

// Advance начинает новую эпоху записи: всё, что было прочитано раньше, больше не применится.
func (r *Registry) Advance(id string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.ensureLocked(id)
	r.epochSeq++
	rec.epoch = r.epochSeq
	return rec.epoch
}

// TryAcquirePollLock пытается занять замок опроса id без ожидания.
// Тик, не получивший замок, пропускается целиком, а не ставится в очередь.
func (r *Registry) TryAcquirePollLock(id string) bool {
	l := r.lockSet(id)
	select {
	case l.poll <- struct{}{}:
		return true
	default:
		return false
	}
}

// AcquirePollLock ждёт замок опроса id или отмену ctx. Нужен ручной проверке.
func (r *Registry) AcquirePollLock(ctx context.Context, id string) error {
	l := r.lockSet(id)
	select {
	case l.poll <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleasePollLock освобождает замок опроса id. Повторный вызов безопасен.
func (r *Registry) ReleasePollLock(id string) {
	l := r.lockSet(id)
	select {
	case <-l.poll:
	default:
	}
}

// TryAcquireConnectLock занимает замок операции connect/disconnect для id.
func (r *Registry) TryAcquireConnectLock(id string) bool {
	l := r.lockSet(id)
	select {
	case l.connect <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseConnectLock освобождает замок connect.
func (r *Registry) ReleaseConnectLock(id string) {
	l := r.lockSet(id)
	select {
	case <-l.connect:
	default:
	}
}

// Subscribe регистрирует слушателя, увеличивает SubscriberCount и сразу отдаёт ему
// текущий снимок. Первый подписчик запускает опрос (хук OnFirstSubscriber).
// Возвращаемая функция отписки идемпотентна; последний ушедший останавливает опрос.
func (r *Registry) Subscribe(id string, fn Listener) func() {
	r.subMu.Lock()
	r.mu.Lock()
	rec := r.ensureLocked(id)
	rec.state.SubscriberCount++
	first := rec.state.SubscriberCount == 1
	r.mu.Unlock()

	remove := r.bus.Add(id, fn)
	if first && r.hooks.OnFirstSubscriber != nil {
		r.hooks.OnFirstSubscriber(id)
	}
	r.subMu.Unlock()

	l := r.lockSet(id)
	l.deliver.Lock()
	fn(r.Get(id))
	l.deliver.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unsubscribe(id, remove)
		})
	}
}

func (r *Registry) unsubscribe(id string, remove func() bool) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	// false: слушателя уже сняли через Remove, счётчик трогать нельзя.
	if !remove() {
		return
	}

	r.mu.Lock()
	last := false
	if rec, ok := r.records[id]; ok && rec.state.SubscriberCount > 0 {
		rec.state.SubscriberCount--
		last = rec.state.SubscriberCount == 0
	}
	r.mu.Unlock()

	if last && r.hooks.OnLastSubscriber != nil {
		r.hooks.OnLastSubscriber(id)
	}
}

// Cleanup удаляет запись без подписчиков. Возвращает true, если запись удалена.
func (r *Registry) Cleanup(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.state.SubscriberCount > 0 {
		return false
	}
	delete(r.records, id)
	return true
}

// Remove безусловно удаляет запись и снимает всех её слушателей.
// Используется, когда инстанс удалён во внешней системе.
func (r *Registry) Remove(id string) bool {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.bus.Drop(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}
