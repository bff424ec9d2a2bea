package queue

import (
	"context"
	"errors"
	"time"

	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
)

// PopResult is the outcome of an asynchronous pop.
type PopResult[T any] struct {
	Item T
	OK   bool
	Err  error
}

// PushAsync runs Push in its own goroutine. The returned channel yields the
// result once and is then closed.
func (q *Queue[T]) PushAsync(ctx context.Context, item T) <-chan error {
	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		ch <- q.Push(ctx, item)
	}()
	return ch
}

// PopAsync runs Pop in its own goroutine. The returned channel yields the
// result once and is then closed.
func (q *Queue[T]) PopAsync(ctx context.Context) <-chan PopResult[T] {
	ch := make(chan PopResult[T], 1)
	go func() {
		defer close(ch)
		item, ok, err := q.Pop(ctx)
		ch <- PopResult[T]{Item: item, OK: ok, Err: err}
	}()
	return ch
}

// Receive pops the head element, waiting while the queue is empty. Between
// attempts it sleeps for the retry interval or until a push is announced on
// the bus, whichever comes first.
func (q *Queue[T]) Receive(ctx context.Context) (T, error) {
	var pushed chan struct{}
	if q.bus != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := q.bus.Subscribe(subCtx, keyspace.PushedTopic(q.name))
		switch {
		case errors.Is(err, syncbus.ErrCircuitOpen):
			q.logger.Debug("redqueue: bus unavailable, polling only", "queue", q.name)
		case err != nil:
			q.logger.Warn("redqueue: push subscription failed, polling only", "queue", q.name, "error", err)
		default:
			pushed = ch
		}
	}
	for {
		item, ok, err := q.Pop(ctx)
		if err != nil || ok {
			return item, err
		}
		timer := time.NewTimer(q.retry)
		select {
		case <-timer.C:
		case _, open := <-pushed:
			if !open {
				pushed = nil
			}
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		}
		timer.Stop()
	}
}
