package store

import (
	"context"
	"sync"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/infra/concurrency"
	"wa-instances/internal/infra/logger"

	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Writer — приёмник записей (BoltStore или внешний CRUD).
type Writer interface {
	UpdateInstanceRecord(ctx context.Context, id string, patch engine.RecordPatch) error
}

type recorderPhase int

const (
	phaseIdle recorderPhase = iota
	phaseRunning
	phaseStopped
)

// AsyncRecorder реализует engine.Recorder: Record возвращает управление сразу,
// запись выполняется после паузы debounce, серия переходов одного инстанса
// схлопывается в последний. Ошибки записи только логируются.
//
// До Start записи копятся (последняя на инстанс) и уходят в работу при старте;
// после Stop отбрасываются. Синхронной записи в вызывающей горутине не бывает.
type AsyncRecorder struct {
	writer    Writer
	debouncer *concurrency.Debouncer

	mu      sync.Mutex
	ctx     context.Context
	phase   recorderPhase
	queued  map[string]engine.RecordPatch
	failed  int
	dropped int
}

// NewAsyncRecorder создаёт рекордер поверх writer.
func NewAsyncRecorder(writer Writer, debounce time.Duration) *AsyncRecorder {
	return &AsyncRecorder{
		writer:    writer,
		debouncer: concurrency.NewDebouncer(debounce),
		ctx:       context.Background(),
		queued:    make(map[string]engine.RecordPatch),
	}
}

// Start запускает отложенную запись и планирует накопленное до старта.
// Отмена ctx запись не прекращает: накопленное дописывает Stop.
func (r *AsyncRecorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase != phaseIdle {
		return
	}
	r.debouncer.Start(context.WithoutCancel(ctx))
	r.phase = phaseRunning
	for id, patch := range r.queued {
		r.schedule(id, patch)
	}
	clear(r.queued)
}

// Stop дописывает накопленные записи. Последующие Record отбрасываются.
func (r *AsyncRecorder) Stop() {
	r.mu.Lock()
	r.phase = phaseStopped
	r.mu.Unlock()
	r.debouncer.Stop()
}

// Record ставит запись в очередь.
func (r *AsyncRecorder) Record(id string, patch engine.RecordPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.phase {
	case phaseIdle:
		r.queued[id] = patch
	case phaseRunning:
		r.schedule(id, patch)
	default:
		r.dropped++
		logger.Warn("AsyncRecorder: record after stop dropped",
			zap.String("instance", id), zap.String("status", string(patch.Status)))
	}
}

// schedule отдаёт запись дебаунсеру. Держим r.mu.
func (r *AsyncRecorder) schedule(id string, patch engine.RecordPatch) {
	r.debouncer.Do(id, func() {
		r.write(id, patch)
	})
}

// Failures возвращает число неудачных записей.
func (r *AsyncRecorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Dropped возвращает число записей, пришедших после Stop.
func (r *AsyncRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *AsyncRecorder) write(id string, patch engine.RecordPatch) {
	ctx, cancel := context.WithTimeout(r.ctx, writeTimeout)
	defer cancel()
	if err := r.writer.UpdateInstanceRecord(ctx, id, patch); err != nil {
		r.mu.Lock()
		r.failed++
		r.mu.Unlock()
		logger.Error("AsyncRecorder: record write failed",
			zap.String("instance", id), zap.String("status", string(patch.Status)), zap.Error(err))
		return
	}
	logger.Debug("AsyncRecorder: record written",
		zap.String("instance", id), zap.String("status", string(patch.Status)), zap.Bool("really_connected", patch.ReallyConnected))
}
