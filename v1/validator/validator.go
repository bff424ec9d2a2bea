// Package validator checks the linked-list invariants of a queue: head and
// tail set together, every reachable id backed by a record, no cycles, the
// walk ending exactly at the tail, and no record outside the list.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/codec"
	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
	"github.com/mirkobrombin/go-redqueue/v1/lock"
	"github.com/mirkobrombin/go-redqueue/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// IssueKind classifies a broken invariant.
type IssueKind string

const (
	PointerMismatch IssueKind = "pointer_mismatch"
	MissingElement  IssueKind = "missing_element"
	Cycle           IssueKind = "cycle"
	TailMismatch    IssueKind = "tail_mismatch"
	TailHasNext     IssueKind = "tail_has_next"
	Orphan          IssueKind = "orphan"
	Undecodable     IssueKind = "undecodable"
)

// Issue is a single violation found by Check.
type Issue struct {
	Kind   IssueKind
	ID     string
	Detail string
}

func (i Issue) String() string {
	if i.ID == "" {
		return fmt.Sprintf("%s: %s", i.Kind, i.Detail)
	}
	return fmt.Sprintf("%s %s: %s", i.Kind, i.ID, i.Detail)
}

// Report is the outcome of one Check.
type Report struct {
	Queue string
	// Length is the number of elements reachable from the head.
	Length int
	Issues []Issue
	// Orphans lists the keys of records not reachable from the head.
	Orphans []string
}

// OK reports whether no invariant is broken.
func (r Report) OK() bool {
	return len(r.Issues) == 0
}

type link struct {
	ID   string  `json:"id"`
	Next *string `json:"next"`
}

// Check walks queue name in s and reports every broken invariant. It takes
// no lock: run it under the queue lock, or accept that a concurrent push or
// pop may show up as a transient issue. A nil codec means codec.Default.
// Only store failures are returned as errors.
func Check(ctx context.Context, s adapter.Store, name string, c codec.Codec) (Report, error) {
	if c == nil {
		c = codec.Default
	}
	r := Report{Queue: name}
	firstID, hasFirst, err := s.Get(ctx, keyspace.FirstKey(name))
	if err != nil {
		return r, err
	}
	lastID, hasLast, err := s.Get(ctx, keyspace.LastKey(name))
	if err != nil {
		return r, err
	}
	if hasFirst != hasLast {
		r.Issues = append(r.Issues, Issue{Kind: PointerMismatch, Detail: fmt.Sprintf("first set %v, last set %v", hasFirst, hasLast)})
	}

	reachable := make(map[string]struct{})
	if hasFirst {
		id := firstID
		for {
			if _, dup := reachable[id]; dup {
				r.Issues = append(r.Issues, Issue{Kind: Cycle, ID: id, Detail: "element reached twice"})
				break
			}
			raw, ok, err := s.Get(ctx, keyspace.ElementKey(name, id))
			if err != nil {
				return r, err
			}
			if !ok {
				r.Issues = append(r.Issues, Issue{Kind: MissingElement, ID: id, Detail: "referenced but no record"})
				break
			}
			reachable[id] = struct{}{}
			var l link
			if err := c.Unmarshal([]byte(raw), &l); err != nil {
				r.Issues = append(r.Issues, Issue{Kind: Undecodable, ID: id, Detail: err.Error()})
				break
			}
			if l.ID != id {
				r.Issues = append(r.Issues, Issue{Kind: Undecodable, ID: id, Detail: fmt.Sprintf("record carries id %q", l.ID)})
			}
			if hasLast && id == lastID {
				if l.Next != nil {
					r.Issues = append(r.Issues, Issue{Kind: TailHasNext, ID: id, Detail: "tail points at " + *l.Next})
				}
				break
			}
			if l.Next == nil {
				r.Issues = append(r.Issues, Issue{Kind: TailMismatch, ID: id, Detail: fmt.Sprintf("list ends here, tail pointer is %q", lastID)})
				break
			}
			id = *l.Next
		}
	}
	r.Length = len(reachable)

	keys, err := s.Keys(ctx, keyspace.ElementPrefix(name))
	if err != nil {
		return r, err
	}
	for _, k := range keys {
		id, ok := keyspace.ElementID(name, k)
		if !ok {
			continue
		}
		if _, ok := reachable[id]; !ok {
			r.Orphans = append(r.Orphans, k)
			r.Issues = append(r.Issues, Issue{Kind: Orphan, ID: id, Detail: "record not reachable from head"})
		}
	}
	return r, nil
}

// Validator periodically checks one queue.
type Validator struct {
	store      adapter.Store
	name       string
	codec      codec.Codec
	lock       *lock.Lock
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	violations uint64
}

// New creates a new Validator. When l is not nil every scan holds the queue
// lock, so reports never include in-flight mutations.
func New(s adapter.Store, name string, c codec.Codec, l *lock.Lock, mode Mode, interval time.Duration) *Validator {
	return &Validator{store: s, name: name, codec: c, lock: l, mode: mode, interval: interval, logger: slog.Default()}
}

// WithLogger replaces the logger used in ModeAlert and ModeAutoHeal.
func (v *Validator) WithLogger(l *slog.Logger) *Validator {
	v.logger = l
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.mode == ModeNoop {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Scan(ctx); err != nil && ctx.Err() == nil {
				v.logger.Warn("redqueue: validation failed", "queue", v.name, "error", err)
			}
		}
	}
}

// Scan runs one check. In ModeAutoHeal orphan records are deleted; no other
// issue is repaired because doing so would require guessing the intended
// order.
func (v *Validator) Scan(ctx context.Context) (Report, error) {
	var r Report
	run := func(ctx context.Context) error {
		var err error
		r, err = Check(ctx, v.store, v.name, v.codec)
		if err != nil {
			return err
		}
		if v.mode == ModeAutoHeal {
			for _, k := range r.Orphans {
				if err := v.store.Delete(ctx, k); err != nil {
					return err
				}
				v.logger.Warn("redqueue: orphan element removed", "queue", v.name, "key", k)
			}
		}
		return nil
	}
	var err error
	if v.lock != nil {
		err = v.lock.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return r, err
	}
	if n := len(r.Issues); n > 0 {
		atomic.AddUint64(&v.violations, uint64(n))
		metrics.InvariantViolationCounter.WithLabelValues(v.name).Add(float64(n))
		if v.mode != ModeNoop {
			for _, issue := range r.Issues {
				v.logger.Warn("redqueue: queue invariant violated", "queue", v.name, "issue", issue.String())
			}
		}
	}
	return r, nil
}

// Metrics returns the number of violations detected so far.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.violations)
}
