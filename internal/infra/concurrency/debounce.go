// Package concurrency — утилиты для безопасного конкурентного исполнения.
// Debouncer «сглаживает» повторяющиеся действия по строковому ключу: откладывает
// выполнение, пока активность по ключу не утихнет, и запускает только последнее
// действие. Применяется для записи состояния инстансов во внешнее хранилище:
// частые переходы одного инстанса схлопываются в одну запись.
//
// Гарантии: потокобезопасность, отложенные функции выполняются вне критической секции,
// при остановке все накопленные действия выполняются синхронно.
package concurrency

import (
	"context"
	"sync"
	"time"
)

// Debouncer группирует действия по ключу и запускает их один раз после паузы.
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]pendingEntry
	timeout time.Duration

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingEntry — таймер и последний колбэк по ключу.
type pendingEntry struct {
	timer *time.Timer
	fn    func()
}

// NewDebouncer создаёт дебаунсер с задержкой timeout между последним событием и исполнением.
// Привязка к жизненному циклу выполняется через Start.
func NewDebouncer(timeout time.Duration) *Debouncer {
	if timeout < 0 {
		timeout = 0
	}
	return &Debouncer{
		pending: make(map[string]pendingEntry),
		timeout: timeout,
	}
}

// Start привязывает Debouncer к контексту. При отмене ctx накопленные вызовы дренируются.
// Повторные вызовы игнорируются.
func (d *Debouncer) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.ctx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Go(func() {
		<-runCtx.Done()
		d.flushPending()
	})
}

// Stop отменяет контекст, дожидается наблюдателя и синхронно выполняет всё накопленное.
func (d *Debouncer) Stop() {
	d.runMu.Lock()
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.ctx = nil
	d.mu.Unlock()
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	d.flushPending()
}

// Do регистрирует fn для key и откладывает запуск на timeout. Повторный вызов
// по тому же ключу перезапускает таймер и заменяет колбэк. Если дебаунсер не
// запущен, fn выполняется немедленно в вызывающей горутине.
func (d *Debouncer) Do(key string, fn func()) {
	d.mu.Lock()
	if d.ctx == nil || d.ctx.Err() != nil {
		d.mu.Unlock()
		fn()
		return
	}

	if entry, exists := d.pending[key]; exists && entry.timer != nil {
		entry.timer.Stop()
	}
	timer := time.AfterFunc(d.timeout, func() {
		d.execute(key)
	})
	d.pending[key] = pendingEntry{timer: timer, fn: fn}
	d.mu.Unlock()
}

// Pending возвращает число отложенных действий.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// execute забирает колбэк под локом и выполняет его вне критической секции.
// Отсутствие записи — норма: её мог забрать flushPending.
func (d *Debouncer) execute(key string) {
	d.mu.Lock()
	entry, ok := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()

	if ok && entry.fn != nil {
		entry.fn()
	}
}

// flushPending гасит таймеры и синхронно выполняет все накопленные колбэки.
func (d *Debouncer) flushPending() {
	d.mu.Lock()
	entries := make([]pendingEntry, 0, len(d.pending))
	for key, entry := range d.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entries = append(entries, entry)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, entry := range entries {
		entry.fn()
	}
}
