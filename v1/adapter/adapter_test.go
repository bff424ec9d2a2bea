package adapter

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// testStoreContract exercises the behaviour every Store must share.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		if _, ok, err := s.Get(ctx, "q:foo"); err != nil || ok {
			t.Fatalf("Get: expected not found, got ok=%v err=%v", ok, err)
		}
		if err := s.Set(ctx, "q:foo", "bar"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if v, ok, err := s.Get(ctx, "q:foo"); err != nil || !ok || v != "bar" {
			t.Fatalf("Get: expected bar, got %v ok=%v err=%v", v, ok, err)
		}
		if err := s.Set(ctx, "q:foo", "baz"); err != nil {
			t.Fatalf("Set overwrite: %v", err)
		}
		if v, _, _ := s.Get(ctx, "q:foo"); v != "baz" {
			t.Fatalf("Get: expected baz, got %v", v)
		}
		if err := s.Delete(ctx, "q:foo"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, ok, _ := s.Get(ctx, "q:foo"); ok {
			t.Fatal("expected key deleted")
		}
		if err := s.Delete(ctx, "q:missing"); err != nil {
			t.Fatalf("Delete missing: %v", err)
		}
	})

	t.Run("set if absent", func(t *testing.T) {
		v, err := s.SetIfAbsentGetPrevious(ctx, "q:lock", "tok1", 0)
		if err != nil || v != "tok1" {
			t.Fatalf("first SetIfAbsent: expected tok1, got %v err %v", v, err)
		}
		v, err = s.SetIfAbsentGetPrevious(ctx, "q:lock", "tok2", 0)
		if err != nil || v != "tok1" {
			t.Fatalf("second SetIfAbsent: expected tok1, got %v err %v", v, err)
		}
		if err := s.Delete(ctx, "q:lock"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		v, err = s.SetIfAbsentGetPrevious(ctx, "q:lock", "tok3", 0)
		if err != nil || v != "tok3" {
			t.Fatalf("SetIfAbsent after delete: expected tok3, got %v err %v", v, err)
		}
		_ = s.Delete(ctx, "q:lock")
	})

	t.Run("compare and delete", func(t *testing.T) {
		if err := s.Set(ctx, "q:cad", "mine"); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if ok, err := s.CompareAndDelete(ctx, "q:cad", "theirs"); err != nil || ok {
			t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
		}
		if _, ok, _ := s.Get(ctx, "q:cad"); !ok {
			t.Fatal("mismatched delete removed the key")
		}
		if ok, err := s.CompareAndDelete(ctx, "q:cad", "mine"); err != nil || !ok {
			t.Fatalf("expected delete, got ok=%v err=%v", ok, err)
		}
		if ok, err := s.CompareAndDelete(ctx, "q:cad", "mine"); err != nil || ok {
			t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
		}
	})

	t.Run("keys", func(t *testing.T) {
		for _, k := range []string{"q:a:element:1", "q:a:element:2", "q:b:element:1"} {
			if err := s.Set(ctx, k, "x"); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
		keys, err := s.Keys(ctx, "q:a:element:")
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		sort.Strings(keys)
		if len(keys) != 2 || keys[0] != "q:a:element:1" || keys[1] != "q:a:element:2" {
			t.Fatalf("Keys: expected two q:a elements, got %v", keys)
		}
	})

	t.Run("concurrent set if absent has one winner", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tok := string(rune('a' + i))
				v, err := s.SetIfAbsentGetPrevious(ctx, "q:race", tok, 0)
				if err != nil {
					t.Errorf("SetIfAbsent: %v", err)
					return
				}
				if v == tok {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if winners != 1 {
			t.Fatalf("expected exactly one winner, got %d", winners)
		}
	})
}

func TestInMemoryStoreContract(t *testing.T) {
	testStoreContract(t, NewInMemoryStore())
}

func TestInMemoryStoreTTL(t *testing.T) {
	s := NewInMemoryStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if v, err := s.SetIfAbsentGetPrevious(ctx, "lock", "a", time.Second); err != nil || v != "a" {
		t.Fatalf("SetIfAbsent: %v %v", v, err)
	}
	now = now.Add(500 * time.Millisecond)
	if v, _ := s.SetIfAbsentGetPrevious(ctx, "lock", "b", time.Second); v != "a" {
		t.Fatalf("expected lease still held by a, got %v", v)
	}
	now = now.Add(time.Second)
	if _, ok, _ := s.Get(ctx, "lock"); ok {
		t.Fatal("expected lease expired")
	}
	if v, _ := s.SetIfAbsentGetPrevious(ctx, "lock", "b", 0); v != "b" {
		t.Fatalf("expected b to take over, got %v", v)
	}
}

func TestInMemoryStoreCancelledContext(t *testing.T) {
	s := NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "k", "v"); err == nil {
		t.Fatal("expected context error")
	}
}
