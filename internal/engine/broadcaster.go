package engine

import (
	"sync"
	"sync/atomic"
)

// Listener получает снимок состояния инстанса. Вызывается синхронно после записи,
// поэтому не должен блокироваться надолго и не должен писать в Registry по тому же id.
type Listener func(State)

// Broadcaster хранит подписчиков по instanceId и раздаёт им снимки.
// Потокобезопасен; колбэки вызываются вне собственного мьютекса.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]Listener
	seq  atomic.Uint64
}

// NewBroadcaster создаёт пустой Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[uint64]Listener)}
}

// Add регистрирует слушателя и возвращает disposer. Disposer идемпотентен:
// первый вызов возвращает true, повторные — false и ничего не делают.
func (b *Broadcaster) Add(id string, fn Listener) func() bool {
	key := b.seq.Add(1)

	b.mu.Lock()
	set, ok := b.subs[id]
	if !ok {
		set = make(map[uint64]Listener)
		b.subs[id] = set
	}
	set[key] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() bool {
		removed := false
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[id]; ok {
				if _, exists := set[key]; exists {
					delete(set, key)
					removed = true
				}
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
		})
		return removed
	}
}

// Notify отдаёт снимок всем слушателям id. Список копируется под RLock,
// вызовы идут уже без блокировки.
func (b *Broadcaster) Notify(id string, st State) {
	b.mu.RLock()
	set := b.subs[id]
	listeners := make([]Listener, 0, len(set))
	for _, fn := range set {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// Count возвращает число слушателей id.
func (b *Broadcaster) Count(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}

// Drop снимает всех слушателей id (инстанс удалён во внешней системе).
// Уже выданные disposer'ы после этого безопасно ничего не делают.
func (b *Broadcaster) Drop(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
