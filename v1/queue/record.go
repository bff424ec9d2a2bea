package queue

import (
	"context"
	"fmt"

	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
)

// The helpers below touch single keys and take no lock. Callers must hold
// the queue lock.

func (q *Queue[T]) getElement(ctx context.Context, id string) (Element[T], bool, error) {
	var el Element[T]
	raw, ok, err := q.store.Get(ctx, keyspace.ElementKey(q.name, id))
	if err != nil {
		return el, false, fmt.Errorf("redqueue: get element %s: %w", id, err)
	}
	if !ok {
		return el, false, nil
	}
	if err := q.codec.Unmarshal([]byte(raw), &el); err != nil {
		return el, false, fmt.Errorf("redqueue: decode element %s: %w", id, err)
	}
	return el, true, nil
}

func (q *Queue[T]) getLink(ctx context.Context, id string) (link, bool, error) {
	var l link
	raw, ok, err := q.store.Get(ctx, keyspace.ElementKey(q.name, id))
	if err != nil {
		return l, false, fmt.Errorf("redqueue: get element %s: %w", id, err)
	}
	if !ok {
		return l, false, nil
	}
	if err := q.codec.Unmarshal([]byte(raw), &l); err != nil {
		return l, false, fmt.Errorf("redqueue: decode element %s: %w", id, err)
	}
	return l, true, nil
}

func (q *Queue[T]) setElement(ctx context.Context, el Element[T]) error {
	data, err := q.codec.Marshal(el)
	if err != nil {
		return fmt.Errorf("redqueue: encode element %s: %w", el.ID, err)
	}
	if err := q.store.Set(ctx, keyspace.ElementKey(q.name, el.ID), string(data)); err != nil {
		return fmt.Errorf("redqueue: set element %s: %w", el.ID, err)
	}
	return nil
}

func (q *Queue[T]) deleteElement(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, keyspace.ElementKey(q.name, id)); err != nil {
		return fmt.Errorf("redqueue: delete element %s: %w", id, err)
	}
	return nil
}

func (q *Queue[T]) getPointer(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := q.store.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("redqueue: get %s: %w", key, err)
	}
	return v, ok, nil
}

func (q *Queue[T]) setPointer(ctx context.Context, key, id string) error {
	if err := q.store.Set(ctx, key, id); err != nil {
		return fmt.Errorf("redqueue: set %s: %w", key, err)
	}
	return nil
}

func (q *Queue[T]) deletePointer(ctx context.Context, key string) error {
	if err := q.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("redqueue: delete %s: %w", key, err)
	}
	return nil
}
