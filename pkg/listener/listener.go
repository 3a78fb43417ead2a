package listener

import (
	"context"
	"sync"
)

// Listener drains a channel on its own goroutine and hands every value to
// a handler. Handler errors go to the error callback; the loop keeps
// running until Stop or the start context ends.
type Listener[T any] struct {
	handler     func(input T) error
	onError     func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

func New[T any](
	in <-chan T,
	handler func(T) error,
	onError func(T, error),
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}
	if onError == nil {
		onError = func(T, error) {}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		onError:     onError,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(inp); err != nil {
					l.onError(inp, err)
				}
			case <-ctx.Done():
				l.drain()
				return
			}
		}
	}()
}

// drain handles values that were queued before the listener was stopped
func (l *Listener[T]) drain() {
	for {
		select {
		case inp, ok := <-l.in:
			if !ok {
				return
			}
			if err := l.handler(inp); err != nil {
				l.onError(inp, err)
			}
		default:
			return
		}
	}
}

// Stop cancels the loop, waits for it to finish and runs the stop handler
// once.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
