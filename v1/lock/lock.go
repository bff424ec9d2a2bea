package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	rqerrors "github.com/mirkobrombin/go-redqueue/v1/errors"
	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
	"github.com/mirkobrombin/go-redqueue/v1/metrics"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
)

// DefaultRetryInterval is the pause between two acquisition attempts.
const DefaultRetryInterval = 100 * time.Millisecond

var tracer = otel.Tracer("github.com/mirkobrombin/go-redqueue/v1/lock")

// Config describes the lock of one queue.
type Config struct {
	// Name is the queue name the lock protects.
	Name string
	// Store holds the lock key.
	Store adapter.Store
	// RetryInterval is the fixed wait between attempts. Zero means
	// DefaultRetryInterval.
	RetryInterval time.Duration
	// LeaseTTL, when positive, makes the lock key expire. Zero keeps the
	// key until it is released.
	LeaseTTL time.Duration
	// SafeRelease deletes the key only while it carries the caller's token.
	SafeRelease bool
	// Bus, if set, carries release notifications between waiters.
	Bus syncbus.Bus
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Lock is a distributed mutual exclusion primitive for one queue name. It
// holds no state of its own besides its configuration, so a single Lock may
// be shared by any number of goroutines.
type Lock struct {
	cfg    Config
	key    string
	topic  string
	logger *slog.Logger
}

// New validates cfg and returns a Lock.
func New(cfg Config) (*Lock, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: lock name is required", rqerrors.ErrInvalidConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: lock store is required", rqerrors.ErrInvalidConfig)
	}
	if cfg.RetryInterval < 0 || cfg.LeaseTTL < 0 {
		return nil, fmt.Errorf("%w: negative duration", rqerrors.ErrInvalidConfig)
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		cfg:    cfg,
		key:    keyspace.LockKey(cfg.Name),
		topic:  keyspace.ReleasedTopic(cfg.Name),
		logger: logger,
	}, nil
}

// Key returns the store key holding the lock token.
func (l *Lock) Key() string {
	return l.key
}

// Name returns the queue name.
func (l *Lock) Name() string {
	return l.cfg.Name
}

// TryAcquire makes a single attempt to write token into the lock key. It
// reports whether token is now the owner.
func (l *Lock) TryAcquire(ctx context.Context, token string) (bool, error) {
	v, err := l.cfg.Store.SetIfAbsentGetPrevious(ctx, l.key, token, l.cfg.LeaseTTL)
	if err != nil {
		return false, fmt.Errorf("redqueue: acquire %s: %w", l.key, err)
	}
	return v == token, nil
}

// Acquire blocks until the lock is obtained or ctx is done and returns the
// token that owns it. Attempts are spaced by the retry interval; there is no
// backoff and no ordering between waiters.
func (l *Lock) Acquire(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "Lock.Acquire", trace.WithAttributes(attribute.String("redqueue.queue", l.cfg.Name)))
	defer span.End()

	token := uuid.NewString()
	start := time.Now()

	var wake chan struct{}
	if l.cfg.Bus != nil {
		// subscribe before the first attempt so a release in between is seen
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := l.cfg.Bus.Subscribe(subCtx, l.topic)
		switch {
		case errors.Is(err, syncbus.ErrCircuitOpen):
			l.logger.Debug("redqueue: bus unavailable, polling only", "key", l.key)
		case err != nil:
			l.logger.Warn("redqueue: release subscription failed, polling only", "key", l.key, "error", err)
		default:
			wake = ch
		}
	}

	attempts := 0
	for {
		attempts++
		ok, err := l.TryAcquire(ctx, token)
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		if ok {
			metrics.LockAcquireCounter.WithLabelValues(l.cfg.Name).Inc()
			metrics.LockWaitHistogram.WithLabelValues(l.cfg.Name).Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Int("redqueue.lock.attempts", attempts))
			return token, nil
		}
		metrics.LockRetryCounter.WithLabelValues(l.cfg.Name).Inc()

		timer := time.NewTimer(l.cfg.RetryInterval)
		select {
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ctx.Done():
			timer.Stop()
			span.RecordError(ctx.Err())
			return "", ctx.Err()
		}
		timer.Stop()
	}
}

// Release frees the lock held by token. Without SafeRelease the key is
// deleted unconditionally, so a caller whose lease already
// expired can drop a lock now held by someone else.
func (l *Lock) Release(ctx context.Context, token string) error {
	if l.cfg.SafeRelease {
		ok, err := l.cfg.Store.CompareAndDelete(ctx, l.key, token)
		if err != nil {
			metrics.LockReleaseErrorCounter.WithLabelValues(l.cfg.Name).Inc()
			return fmt.Errorf("redqueue: release %s: %w", l.key, err)
		}
		if !ok {
			metrics.LockReleaseErrorCounter.WithLabelValues(l.cfg.Name).Inc()
			return fmt.Errorf("redqueue: release %s: %w", l.key, rqerrors.ErrLockNotHeld)
		}
	} else if err := l.cfg.Store.Delete(ctx, l.key); err != nil {
		metrics.LockReleaseErrorCounter.WithLabelValues(l.cfg.Name).Inc()
		return fmt.Errorf("redqueue: release %s: %w", l.key, err)
	}
	l.announce(ctx)
	return nil
}

// ForceRelease deletes the lock key whoever holds it. It is meant for manual
// recovery after a holder died without releasing.
func (l *Lock) ForceRelease(ctx context.Context) error {
	if err := l.cfg.Store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("redqueue: force release %s: %w", l.key, err)
	}
	l.logger.Warn("redqueue: lock force released", "key", l.key)
	l.announce(ctx)
	return nil
}

// Holder returns the token currently stored in the lock key.
func (l *Lock) Holder(ctx context.Context) (string, bool, error) {
	return l.cfg.Store.Get(ctx, l.key)
}

func (l *Lock) announce(ctx context.Context) {
	if l.cfg.Bus == nil {
		return
	}
	if err := l.cfg.Bus.Publish(ctx, l.topic); err != nil && !errors.Is(err, syncbus.ErrCircuitOpen) {
		l.logger.Warn("redqueue: release notification failed", "key", l.key, "error", err)
	}
}

// Do runs fn while holding the lock. The lock is released on every exit path,
// panics included. fn's error is returned as is; a release failure is joined
// to it.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	token, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(context.WithoutCancel(ctx), token); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}
