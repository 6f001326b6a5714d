// Package taskqueue реализует последовательную очередь задач с единственным
// обработчиком. Все задачи одной очереди выполняются строго по одной и в
// порядке постановки, поэтому состояние, которое изменяется только из задач,
// не требует блокировок.
package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped возвращается при работе с остановленной очередью.
var ErrStopped = errors.New("task queue stopped")

// Task - единица работы очереди.
type Task func()

// Queue - FIFO очередь без ограничения размера с одной рабочей горутиной.
// Постановка задачи из самой задачи безопасна: она выполнится после текущей.
type Queue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	pending []Task
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New создает очередь и запускает ее обработчик.
func New(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:   name,
		logger: logger.With(slog.String("queue", name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Post ставит задачу в конец очереди.
// Возвращает false, если очередь уже остановлена.
func (q *Queue) Post(task Task) bool {
	if task == nil {
		return false
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.logger.Debug("Задача отброшена: очередь остановлена")
		return false
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	q.signal()
	return true
}

// Barrier ждет выполнения всех задач, поставленных до вызова.
// Нельзя вызывать из задачи этой же очереди.
func (q *Queue) Barrier(ctx context.Context) error {
	reached := make(chan struct{})
	if !q.Post(func() { close(reached) }) {
		return ErrStopped
	}

	select {
	case <-reached:
		return nil
	case <-q.done:
		// очередь могла остановиться уже после выполнения барьера
		select {
		case <-reached:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop запрещает постановку новых задач. Уже поставленные задачи будут
// выполнены, после чего обработчик завершится. Не блокирует, поэтому
// может вызываться из задачи.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.signal()
}

// Done закрывается после завершения обработчика.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len возвращает число ожидающих задач.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if q.stopped {
			return nil, false
		}
		q.mu.Unlock()
		<-q.wake
		q.mu.Lock()
	}

	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return task, true
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		task, ok := q.next()
		if !ok {
			q.logger.Debug("Обработчик очереди завершен")
			return
		}
		q.exec(task)
	}
}

// exec выполняет задачу, не давая панике остановить обработчик.
func (q *Queue) exec(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("PANIC в задаче очереди",
				slog.Any("panic_value", r),
				slog.String("stack_trace", string(debug.Stack())))
		}
	}()
	task()
}
