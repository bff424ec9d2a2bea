package adapter

import (
	"context"
	"encoding/base64"
	stdErrors "errors"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	rqerrors "github.com/mirkobrombin/go-redqueue/v1/errors"
)

// NATSStore implements Store on top of a JetStream key-value bucket.
//
// Queue keys contain ':' which is not a valid KV key character, so every key
// is stored base64url encoded. Buckets only support a bucket-wide TTL, so
// SetIfAbsentGetPrevious rejects a per-key ttl with ErrTTLUnsupported.
type NATSStore struct {
	kv nats.KeyValue
}

// NewNATSStore returns a NATSStore using the provided bucket.
func NewNATSStore(kv nats.KeyValue) *NATSStore {
	return &NATSStore{kv: kv}
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(s string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func natsNotFound(err error) bool {
	return stdErrors.Is(err, nats.ErrKeyNotFound) || stdErrors.Is(err, nats.ErrKeyDeleted)
}

func natsErr(err error) error {
	if stdErrors.Is(err, nats.ErrConnectionClosed) {
		return rqerrors.ErrConnectionClosed
	}
	if stdErrors.Is(err, nats.ErrTimeout) {
		return rqerrors.ErrTimeout
	}
	return err
}

// Get implements Store.Get.
func (s *NATSStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkCtx(ctx); err != nil {
		return "", false, err
	}
	e, err := s.kv.Get(encodeKey(key))
	if natsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, natsErr(err)
	}
	return string(e.Value()), true, nil
}

// Set implements Store.Set.
func (s *NATSStore) Set(ctx context.Context, key string, value string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if _, err := s.kv.PutString(encodeKey(key), value); err != nil {
		return natsErr(err)
	}
	return nil
}

// SetIfAbsentGetPrevious implements Store.SetIfAbsentGetPrevious using
// KeyValue.Create, which only succeeds when no live value exists.
//
// If the existing value disappears between the failed Create and the
// follow-up Get, the empty string is returned; the caller sees a foreign
// value and retries.
func (s *NATSStore) SetIfAbsentGetPrevious(ctx context.Context, key, value string, ttl time.Duration) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	if ttl > 0 {
		return "", rqerrors.ErrTTLUnsupported
	}
	k := encodeKey(key)
	_, err := s.kv.Create(k, []byte(value))
	if err == nil {
		return value, nil
	}
	if !stdErrors.Is(err, nats.ErrKeyExists) {
		return "", natsErr(err)
	}
	e, err := s.kv.Get(k)
	if natsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", natsErr(err)
	}
	return string(e.Value()), nil
}

// Delete implements Store.Delete.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if err := s.kv.Delete(encodeKey(key)); err != nil && !natsNotFound(err) {
		return natsErr(err)
	}
	return nil
}

// CompareAndDelete implements Store.CompareAndDelete. The delete is
// conditioned on the revision that was read, so a concurrent overwrite makes
// it fail instead of removing the newer value.
func (s *NATSStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	k := encodeKey(key)
	e, err := s.kv.Get(k)
	if natsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, natsErr(err)
	}
	if string(e.Value()) != expected {
		return false, nil
	}
	err = s.kv.Delete(k, nats.LastRevision(e.Revision()))
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, natsErr(err)
	}
	return true, nil
}

// Keys implements Store.Keys.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	encoded, err := s.kv.Keys()
	if stdErrors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, natsErr(err)
	}
	var keys []string
	for _, ek := range encoded {
		k, ok := decodeKey(ek)
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
