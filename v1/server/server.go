// Package server exposes queues over HTTP. Push, pop, peek and len are plain
// JSON endpoints; consume streams popped items over a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	rqerrors "github.com/mirkobrombin/go-redqueue/v1/errors"
	"github.com/mirkobrombin/go-redqueue/v1/queue"
)

// Factory builds the queue for a name. It is called at most once per name.
type Factory[T any] func(name string) (*queue.Queue[T], error)

// Handler serves every queue produced by its factory under /queues/{name}/.
type Handler[T any] struct {
	factory Factory[T]
	logger  *slog.Logger
	mux     *http.ServeMux

	mu     sync.Mutex
	queues map[string]*queue.Queue[T]
}

// New returns a Handler creating queues lazily through f.
func New[T any](f Factory[T], logger *slog.Logger) *Handler[T] {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler[T]{factory: f, logger: logger, mux: http.NewServeMux(), queues: make(map[string]*queue.Queue[T])}
	h.mux.HandleFunc("POST /queues/{name}/push", h.push)
	h.mux.HandleFunc("POST /queues/{name}/pop", h.pop)
	h.mux.HandleFunc("GET /queues/{name}/peek", h.peek)
	h.mux.HandleFunc("GET /queues/{name}/len", h.length)
	h.mux.HandleFunc("GET /queues/{name}/consume", h.consume)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler[T]) queue(name string) (*queue.Queue[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[name]; ok {
		return q, nil
	}
	q, err := h.factory(name)
	if err != nil {
		return nil, err
	}
	h.queues[name] = q
	return q, nil
}

// resolve looks up the queue for the request, writing the error response
// itself when it fails.
func (h *Handler[T]) resolve(w http.ResponseWriter, r *http.Request) (*queue.Queue[T], bool) {
	q, err := h.queue(r.PathValue("name"))
	if err != nil {
		h.fail(w, r, err)
		return nil, false
	}
	return q, true
}

func (h *Handler[T]) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rqerrors.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, rqerrors.ErrCorrupted):
		status = http.StatusConflict
	case errors.Is(err, rqerrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("redqueue: request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type itemResponse[T any] struct {
	Item T `json:"item"`
}

type lenResponse struct {
	Len int `json:"len"`
}

func (h *Handler[T]) push(w http.ResponseWriter, r *http.Request) {
	q, ok := h.resolve(w, r)
	if !ok {
		return
	}
	var item T
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := q.Push(r.Context(), item); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler[T]) pop(w http.ResponseWriter, r *http.Request) {
	q, ok := h.resolve(w, r)
	if !ok {
		return
	}
	item, found, err := q.Pop(r.Context())
	h.writeItem(w, r, item, found, err)
}

func (h *Handler[T]) peek(w http.ResponseWriter, r *http.Request) {
	q, ok := h.resolve(w, r)
	if !ok {
		return
	}
	item, found, err := q.Peek(r.Context())
	h.writeItem(w, r, item, found, err)
}

func (h *Handler[T]) writeItem(w http.ResponseWriter, r *http.Request, item T, found bool, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, itemResponse[T]{Item: item})
}

func (h *Handler[T]) length(w http.ResponseWriter, r *http.Request) {
	q, ok := h.resolve(w, r)
	if !ok {
		return
	}
	n, err := q.Len(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, lenResponse{Len: n})
}

var upgrader = websocket.Upgrader{}

// consume pops items for as long as the socket stays open and sends each as
// a JSON text message. An item popped while the peer disconnects is lost.
func (h *Handler[T]) consume(w http.ResponseWriter, r *http.Request) {
	q, ok := h.resolve(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The read loop only exists to notice the peer closing the socket.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		item, err := q.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn("redqueue: consume stopped", "queue", q.Name(), "error", err)
			}
			return
		}
		if err := conn.WriteJSON(itemResponse[T]{Item: item}); err != nil {
			h.logger.Warn("redqueue: item popped but not delivered", "queue", q.Name(), "error", err)
			return
		}
	}
}
