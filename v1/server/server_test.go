package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-redqueue/v1/adapter"
	"github.com/mirkobrombin/go-redqueue/v1/keyspace"
	"github.com/mirkobrombin/go-redqueue/v1/queue"
	"github.com/mirkobrombin/go-redqueue/v1/syncbus"
)

type task struct {
	Name string `json:"name"`
}

func newTestServer(t *testing.T) (*httptest.Server, adapter.Store) {
	t.Helper()
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	h := New[task](func(name string) (*queue.Queue[task], error) {
		return queue.New[task](queue.Config{Name: name, Store: store, Bus: bus, RetryInterval: time.Millisecond})
	}, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, store
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPushPopOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/queues/jobs"

	for _, n := range []string{"a", "b"} {
		if resp := post(t, base+"/push", `{"name":"`+n+`"}`); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
	}

	resp := get(t, base+"/len")
	var l lenResponse
	if err := json.NewDecoder(resp.Body).Decode(&l); err != nil || l.Len != 2 {
		t.Fatalf("expected len 2, got %+v err %v", l, err)
	}

	resp = get(t, base+"/peek")
	var item itemResponse[task]
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil || item.Item.Name != "a" {
		t.Fatalf("expected peek a, got %+v err %v", item, err)
	}

	for _, want := range []string{"a", "b"} {
		resp = post(t, base+"/pop", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var got itemResponse[task]
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil || got.Item.Name != want {
			t.Fatalf("expected %s, got %+v err %v", want, got, err)
		}
	}
	if resp := post(t, base+"/pop", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on empty queue, got %d", resp.StatusCode)
	}
}

func TestPushInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)
	if resp := post(t, srv.URL+"/queues/jobs/push", "{"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCorruptedQueueIsConflict(t *testing.T) {
	srv, store := newTestServer(t)
	_ = store.Set(context.Background(), keyspace.FirstKey("jobs"), "gone")
	if resp := get(t, srv.URL+"/queues/jobs/len"); resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	if resp := get(t, srv.URL+"/queues/jobs/pop"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestConsumeStreamsPushedItems(t *testing.T) {
	srv, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/queues/jobs/consume"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, n := range []string{"first", "second"} {
		post(t, srv.URL+"/queues/jobs/push", `{"name":"`+n+`"}`)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"first", "second"} {
		var got itemResponse[task]
		if err := conn.ReadJSON(&got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Item.Name != want {
			t.Fatalf("expected %s, got %s", want, got.Item.Name)
		}
	}
}
