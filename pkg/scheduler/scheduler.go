// Package scheduler - реализация планировщика задач на time.AfterFunc.
//
// Планировщик только вызывает задачу в момент срабатывания. Задача сама
// решает, в какую очередь переложить работу; менять состояние сессий прямо из
// горутины таймера нельзя.
package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handle идентифицирует запланированную задачу. Нулевое значение - пустой handle.
type Handle uint64

// TimerScheduler планирует однократные и периодические задачи.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[Handle]*entry
	nextID atomic.Uint64
	closed bool

	logger *slog.Logger

	// Статистика
	totalCreated   atomic.Int64
	totalFired     atomic.Int64
	totalCancelled atomic.Int64
}

type entry struct {
	timer  *time.Timer
	period time.Duration
	task   func()
}

// Stats - счетчики планировщика.
type Stats struct {
	Active    int
	Created   int64
	Fired     int64
	Cancelled int64
}

// New создает планировщик.
func New(logger *slog.Logger) *TimerScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerScheduler{
		timers: make(map[Handle]*entry),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Schedule запускает task через delay, затем каждые period (если period > 0).
func (s *TimerScheduler) Schedule(task func(), delay, period time.Duration) Handle {
	if task == nil {
		return 0
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("Планировщик закрыт, задача не запланирована")
		return 0
	}

	h := Handle(s.nextID.Add(1))
	e := &entry{period: period, task: task}
	e.timer = time.AfterFunc(delay, func() { s.fire(h) })
	s.timers[h] = e
	s.totalCreated.Add(1)

	s.logger.Debug("Задача запланирована",
		slog.Uint64("handle", uint64(h)),
		slog.Duration("delay", delay),
		slog.Duration("period", period))
	return h
}

// Cancel отменяет задачу. Повторная отмена и отмена пустого handle безопасны.
func (s *TimerScheduler) Cancel(h Handle) {
	if h == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[h]; ok {
		e.timer.Stop()
		delete(s.timers, h)
		s.totalCancelled.Add(1)
	}
}

// Close отменяет все задачи; новые задачи после Close не планируются.
func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for h, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, h)
		s.totalCancelled.Add(1)
	}
}

// Stats возвращает текущие счетчики.
func (s *TimerScheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.timers)
	s.mu.Unlock()

	return Stats{
		Active:    active,
		Created:   s.totalCreated.Load(),
		Fired:     s.totalFired.Load(),
		Cancelled: s.totalCancelled.Load(),
	}
}

func (s *TimerScheduler) fire(h Handle) {
	s.mu.Lock()
	e, ok := s.timers[h]
	if !ok {
		// отменена между срабатыванием и захватом блокировки
		s.mu.Unlock()
		return
	}
	if e.period > 0 {
		e.timer.Reset(e.period)
	} else {
		delete(s.timers, h)
	}
	s.mu.Unlock()

	s.totalFired.Add(1)
	e.task()
}
