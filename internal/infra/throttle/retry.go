// Package throttle — повторные попытки для вызовов внешних интеграций.
// Экспоненциальный backoff с джиттером и серверные указания подождать (Retry-After и т.п.)
// через настраиваемые WaitExtractor. Интерфейс StopRetryer позволяет немедленно прекращать ретраи.
// Retrier не хранит изменяемого состояния: Do может вызываться параллельно.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность ожидания.
// Возвращаемый булев флаг показывает, что экстрактор распознал формат ошибки.
// Экстракторы вызываются в порядке регистрации, первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer объявляет необходимость немедленно прекратить повторные попытки.
// Любая ошибка, реализующая этот интерфейс, возвращается вызывающему коду без задержек.
type StopRetryer interface {
	StopRetry() bool
}

// ErrWaitTooLong — сервер попросил ждать дольше, чем допускает Retrier.
var ErrWaitTooLong = errors.New("throttle: server-requested wait exceeds limit")

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
	defaultMaxWait   = 10 * time.Second

	jitterRange = 0.3
	jitterMin   = 0.85
)

// Option задаёт дополнительные параметры при создании.
type Option func(*Retrier)

// WithBaseDelay задаёт первую паузу backoff.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.baseDelay = d
		}
	}
}

// WithMaxDelay ограничивает паузу backoff сверху.
func WithMaxDelay(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.maxDelay = d
		}
	}
}

// WithMaxWait ограничивает серверную паузу: если сервер просит больше, ретрай не делается.
func WithMaxWait(d time.Duration) Option {
	return func(r *Retrier) {
		if d > 0 {
			r.maxWait = d
		}
	}
}

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(r *Retrier) {
		r.waitExtractors = append(r.waitExtractors, extractors...)
	}
}

// WithRetryIf задаёт классификатор: ошибки, для которых fn вернул false, не повторяются.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) {
		r.retryIf = fn
	}
}

// WithRandom позволяет задать функцию генерации случайных чисел (для тестов).
func WithRandom(fn func() float64) Option {
	return func(r *Retrier) {
		if fn != nil {
			r.randomFn = fn
		}
	}
}

// Retrier повторяет вызов не более maxRetries раз после первой попытки.
type Retrier struct {
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	maxWait        time.Duration
	waitExtractors []WaitExtractor
	retryIf        func(error) bool
	randomFn       func() float64
}

// New создаёт Retrier. maxRetries<=0 означает одну попытку без повторов.
func New(maxRetries int, opts ...Option) *Retrier {
	r := &Retrier{
		maxRetries: max(maxRetries, 0),
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		maxWait:    defaultMaxWait,
		randomFn:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaxRetries возвращает лимит повторов.
func (r *Retrier) MaxRetries() int { return r.maxRetries }

// Do выполняет fn, повторяя её при ошибке.
// Алгоритм:
//  1. вызываем fn;
//  2. если err: StopRetryer или контекст сорван → вернуть сразу; классификатор отверг → вернуть;
//     лимит исчерпан → вернуть с обёрткой;
//  3. extractor дал паузу → ждём её (не дольше maxWait), иначе экспоненциальный backoff с джиттером.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; ; attempt++ {
		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr
		case errors.Is(callErr, context.Canceled) || ctx.Err() != nil:
			return callErr
		case r.retryIf != nil && !r.retryIf(callErr):
			return callErr
		case attempt >= r.maxRetries:
			if r.maxRetries == 0 {
				return callErr
			}
			return fmt.Errorf("throttle: max retries reached (%d): %w", r.maxRetries, callErr)
		}

		pause := r.expBackoff(attempt)
		if wait, ok := r.extractWait(callErr); ok {
			if wait > r.maxWait {
				return fmt.Errorf("%w (%s): %w", ErrWaitTooLong, wait, callErr)
			}
			pause = wait
		}
		if err := sleep(ctx, pause); err != nil {
			return callErr
		}
	}
}

// extractWait запускает WaitExtractor по цепочке и возвращает первую распознанную паузу.
func (r *Retrier) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range r.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// expBackoff вычисляет baseDelay*2^attempt, ограниченную maxDelay и умноженную на
// джиттер из диапазона [0.85..1.15].
func (r *Retrier) expBackoff(attempt int) time.Duration {
	base := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	if base > float64(r.maxDelay) {
		base = float64(r.maxDelay)
	}
	jitter := r.randomFn()*jitterRange + jitterMin
	return time.Duration(base * jitter)
}

// sleep ждёт d или отмену ctx.
func sleep(ctx context.Context, d time.Duration) error {
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
