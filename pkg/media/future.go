package media

import (
	"context"
	"sync"
)

// Future - одноразовый результат асинхронной операции.
// Разрешается ровно один раз; последующие Resolve/Reject игнорируются.
// Продолжение (Then) может быть задано только одно.
type Future[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	val      T
	err      error

	then     func(T, error)
	consumed bool
}

// NewFuture создает неразрешенный Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved возвращает уже разрешенный значением Future.
func Resolved[T any](v T) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v)
	return f
}

// Failed возвращает уже разрешенный ошибкой Future.
func Failed[T any](err error) *Future[T] {
	f := NewFuture[T]()
	f.Reject(err)
	return f
}

// Resolve разрешает Future значением. Возвращает false, если он уже разрешен.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Reject разрешает Future ошибкой. Возвращает false, если он уже разрешен.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.complete(zero, err)
}

func (f *Future[T]) complete(v T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.val, f.err = v, err
	then := f.then
	f.then = nil
	close(f.done)
	f.mu.Unlock()

	// продолжение выполняется в горутине, разрешившей Future
	if then != nil {
		then(v, err)
	}
	return true
}

// Then задает продолжение. Если Future уже разрешен, fn вызывается сразу,
// иначе - при разрешении. Возвращает false, если продолжение уже задано.
func (f *Future[T]) Then(fn func(T, error)) bool {
	f.mu.Lock()
	if f.consumed {
		f.mu.Unlock()
		return false
	}
	f.consumed = true
	if !f.resolved {
		f.then = fn
		f.mu.Unlock()
		return true
	}
	v, err := f.val, f.err
	f.mu.Unlock()

	fn(v, err)
	return true
}

// Done закрывается после разрешения.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result возвращает результат. До разрешения возвращает нулевое значение и
// ErrPending.
func (f *Future[T]) Result() (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	default:
		var zero T
		return zero, ErrPending
	}
}

// Wait блокируется до разрешения или отмены ctx.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
