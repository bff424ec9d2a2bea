// Package queue implements a FIFO queue stored as a singly linked list in a
// shared key-value store. Each element is its own record; two pointer keys
// name the head and the tail. Every operation runs under the queue's
// distributed lock, so any number of processes can share a queue without
// talking to each other.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/codec"
	rqerrors "github.com/mirkobrombin/go-redqueue/v1/errors"
	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
	"github.com/mirkobrombin/go-redqueue/v1/lock"
	"github.com/mirkobrombin/go-redqueue/v1/metrics"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redqueue/v1/queue")

// Config holds the parameters shared by a queue and its lock.
type Config struct {
	Name  string
	Store adapter.Store

	// Lock tuning, see lock.Config.
	RetryInterval time.Duration
	LeaseTTL      time.Duration
	SafeRelease   bool

	// Bus, if set, wakes lock waiters and announces pushes.
	Bus syncbus.Bus
	// Codec encodes element records. Defaults to codec.Default (JSON).
	Codec codec.Codec
	// NewID generates element ids. Defaults to random UUIDs.
	NewID  func() (string, error)
	Logger *slog.Logger
}

// Queue is a distributed FIFO queue of T. It is stateless apart from its
// configuration; all state lives in the store.
type Queue[T any] struct {
	name     string
	store    adapter.Store
	lock     *lock.Lock
	codec    codec.Codec
	newID    func() (string, error)
	bus      syncbus.Bus
	retry    time.Duration
	logger   *slog.Logger
	firstKey string
	lastKey  string
}

// New returns a queue for cfg.Name backed by cfg.Store.
func New[T any](cfg Config) (*Queue[T], error) {
	l, err := lock.New(lock.Config{
		Name:          cfg.Name,
		Store:         cfg.Store,
		RetryInterval: cfg.RetryInterval,
		LeaseTTL:      cfg.LeaseTTL,
		SafeRelease:   cfg.SafeRelease,
		Bus:           cfg.Bus,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	q := &Queue[T]{
		name:     cfg.Name,
		store:    cfg.Store,
		lock:     l,
		codec:    cfg.Codec,
		newID:    cfg.NewID,
		bus:      cfg.Bus,
		retry:    cfg.RetryInterval,
		logger:   cfg.Logger,
		firstKey: keyspace.FirstKey(cfg.Name),
		lastKey:  keyspace.LastKey(cfg.Name),
	}
	if q.codec == nil {
		q.codec = codec.Default
	}
	if q.newID == nil {
		q.newID = uuid.GenerateUUID
	}
	if q.retry == 0 {
		q.retry = lock.DefaultRetryInterval
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Lock returns the lock guarding the queue.
func (q *Queue[T]) Lock() *lock.Lock {
	return q.lock
}

func (q *Queue[T]) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Queue."+op, trace.WithAttributes(attribute.String("redqueue.queue", q.name)))
}

// Push appends item at the tail of the queue.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	ctx, span := q.startSpan(ctx, "Push")
	defer span.End()
	err := q.lock.Do(ctx, func(ctx context.Context) error {
		return q.push(ctx, item)
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	metrics.PushCounter.WithLabelValues(q.name).Inc()
	if q.bus != nil {
		if err := q.bus.Publish(ctx, keyspace.PushedTopic(q.name)); err != nil && !errors.Is(err, syncbus.ErrCircuitOpen) {
			q.logger.Warn("redqueue: push notification failed", "queue", q.name, "error", err)
		}
	}
	return nil
}

func (q *Queue[T]) push(ctx context.Context, item T) error {
	id, err := q.newID()
	if err != nil {
		return fmt.Errorf("redqueue: element id: %w", err)
	}
	if !keyspace.ValidElementID(id) {
		return fmt.Errorf("%w: element id %q must be non-empty and free of ':'", rqerrors.ErrInvalidConfig, id)
	}

	// Resolve the current tail before writing anything so a dangling tail
	// pointer does not leave an unreachable record behind.
	_, hasFirst, err := q.getPointer(ctx, q.firstKey)
	if err != nil {
		return err
	}
	lastID, hasLast, err := q.getPointer(ctx, q.lastKey)
	if err != nil {
		return err
	}
	var tail Element[T]
	if hasLast {
		var ok bool
		tail, ok, err = q.getElement(ctx, lastID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("redqueue: tail element %s of %s: %w", lastID, q.name, rqerrors.ErrCorrupted)
		}
	}

	if err := q.setElement(ctx, Element[T]{ID: id, Data: item}); err != nil {
		return err
	}
	if !hasFirst {
		if err := q.setPointer(ctx, q.firstKey, id); err != nil {
			return err
		}
	}
	if hasLast {
		tail.Next = &id
		if err := q.setElement(ctx, tail); err != nil {
			return err
		}
	}
	return q.setPointer(ctx, q.lastKey, id)
}

// Pop removes and returns the element at the head of the queue. The boolean
// is false when the queue is empty, which is not an error.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool, error) {
	ctx, span := q.startSpan(ctx, "Pop")
	defer span.End()
	var (
		item  T
		found bool
	)
	err := q.lock.Do(ctx, func(ctx context.Context) error {
		var err error
		item, found, err = q.pop(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, false, err
	}
	if found {
		metrics.PopCounter.WithLabelValues(q.name).Inc()
	} else {
		metrics.PopEmptyCounter.WithLabelValues(q.name).Inc()
	}
	span.SetAttributes(attribute.Bool("redqueue.pop.found", found))
	return item, found, nil
}

func (q *Queue[T]) pop(ctx context.Context) (T, bool, error) {
	var zero T
	firstID, ok, err := q.getPointer(ctx, q.firstKey)
	if err != nil || !ok {
		return zero, false, err
	}
	el, ok, err := q.getElement(ctx, firstID)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		q.logger.Warn("redqueue: head element missing, treating queue as empty", "queue", q.name, "id", firstID)
		return zero, false, nil
	}
	if el.Next == nil {
		if err := q.deletePointer(ctx, q.firstKey); err != nil {
			return zero, false, err
		}
		if err := q.deletePointer(ctx, q.lastKey); err != nil {
			return zero, false, err
		}
	} else if err := q.setPointer(ctx, q.firstKey, *el.Next); err != nil {
		return zero, false, err
	}
	if err := q.deleteElement(ctx, firstID); err != nil {
		return zero, false, err
	}
	return el.Data, true, nil
}

// Peek returns the head element without removing it.
func (q *Queue[T]) Peek(ctx context.Context) (T, bool, error) {
	ctx, span := q.startSpan(ctx, "Peek")
	defer span.End()
	var (
		item  T
		found bool
	)
	err := q.lock.Do(ctx, func(ctx context.Context) error {
		firstID, ok, err := q.getPointer(ctx, q.firstKey)
		if err != nil || !ok {
			return err
		}
		el, ok, err := q.getElement(ctx, firstID)
		if err != nil || !ok {
			return err
		}
		item, found = el.Data, true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		var zero T
		return zero, false, err
	}
	return item, found, nil
}

// Len walks the list from head to tail and returns the number of elements.
// It fails with ErrCorrupted when the walk does not end at the tail pointer.
func (q *Queue[T]) Len(ctx context.Context) (int, error) {
	ctx, span := q.startSpan(ctx, "Len")
	defer span.End()
	var n int
	err := q.lock.Do(ctx, func(ctx context.Context) error {
		var err error
		n, err = q.length(ctx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return n, nil
}

func (q *Queue[T]) length(ctx context.Context) (int, error) {
	firstID, hasFirst, err := q.getPointer(ctx, q.firstKey)
	if err != nil {
		return 0, err
	}
	lastID, hasLast, err := q.getPointer(ctx, q.lastKey)
	if err != nil {
		return 0, err
	}
	if !hasFirst || !hasLast {
		if hasFirst != hasLast {
			return 0, fmt.Errorf("redqueue: %s has only one of head and tail: %w", q.name, rqerrors.ErrCorrupted)
		}
		return 0, nil
	}
	seen := make(map[string]struct{})
	id := firstID
	for {
		if _, dup := seen[id]; dup {
			return 0, fmt.Errorf("redqueue: cycle at %s in %s: %w", id, q.name, rqerrors.ErrCorrupted)
		}
		seen[id] = struct{}{}
		l, ok, err := q.getLink(ctx, id)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("redqueue: missing element %s in %s: %w", id, q.name, rqerrors.ErrCorrupted)
		}
		if l.Next == nil {
			if id != lastID {
				return 0, fmt.Errorf("redqueue: list of %s ends at %s, tail is %s: %w", q.name, id, lastID, rqerrors.ErrCorrupted)
			}
			return len(seen), nil
		}
		id = *l.Next
	}
}

// Clear removes every element record and both pointers, including records
// left unreachable by an earlier failure.
func (q *Queue[T]) Clear(ctx context.Context) error {
	ctx, span := q.startSpan(ctx, "Clear")
	defer span.End()
	err := q.lock.Do(ctx, func(ctx context.Context) error {
		keys, err := q.store.Keys(ctx, keyspace.ElementPrefix(q.name))
		if err != nil {
			return fmt.Errorf("redqueue: list elements of %s: %w", q.name, err)
		}
		for _, k := range keys {
			// skip records of queues whose name starts with this one's
			if _, ok := keyspace.ElementID(q.name, k); !ok {
				continue
			}
			if err := q.store.Delete(ctx, k); err != nil {
				return fmt.Errorf("redqueue: delete %s: %w", k, err)
			}
		}
		if err := q.deletePointer(ctx, q.firstKey); err != nil {
			return err
		}
		return q.deletePointer(ctx, q.lastKey)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}
