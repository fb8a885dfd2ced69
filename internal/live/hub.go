// Package live pushes controller snapshots to websocket viewers and serves
// the latest snapshot of each topic over plain HTTP.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = 10 * time.Second
	sendBuffer   = 16
)

// Publisher receives snapshots by topic
type Publisher interface {
	Publish(topic string, v any)
}

type fanout []Publisher

func (f fanout) Publish(topic string, v any) {
	for _, p := range f {
		p.Publish(topic, v)
	}
}

// Fanout returns a Publisher that forwards to every non-nil pub
func Fanout(pubs ...Publisher) Publisher {
	var f fanout
	for _, p := range pubs {
		if p != nil {
			f = append(f, p)
		}
	}
	return f
}

type subscriber struct {
	id    string
	topic string
	send  chan []byte
}

// Hub keeps the latest snapshot per topic and streams new ones to
// connected viewers. A viewer that falls behind misses intermediate
// snapshots, never the latest one.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	latest map[string][]byte
	subs   map[string]map[string]*subscriber
	closed bool
}

// NewHub creates an empty hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "live"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		latest: make(map[string][]byte),
		subs:   make(map[string]map[string]*subscriber),
	}
}

// Publish stores v as the latest snapshot of topic and sends it to the
// topic's viewers
func (h *Hub) Publish(topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode snapshot failed", "topic", topic, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest[topic] = data

	for _, sub := range h.subs[topic] {
		select {
		case sub.send <- data:
		default:
			// drop the oldest queued snapshot to make room for this one
			select {
			case <-sub.send:
			default:
			}
			select {
			case sub.send <- data:
			default:
			}
			h.logger.Debug("viewer behind, dropped snapshot", "topic", topic, "subscriber", sub.id)
		}
	}
}

// Latest returns the most recent snapshot of topic as JSON
func (h *Hub) Latest(topic string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.latest[topic]
	return data, ok
}

// Subscribers returns the number of viewers on topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Router serves GET /ws/{topic} and GET /state/{topic}
func (h *Hub) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{topic}", h.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/state/{topic}", h.handleState).Methods(http.MethodGet)
	return r
}

func (h *Hub) handleState(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	data, ok := h.Latest(topic)
	if !ok {
		http.Error(w, fmt.Sprintf("no snapshot for %q", topic), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "topic", topic, "error", err)
		return
	}

	sub, ok := h.subscribe(topic)
	if !ok {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	logger := h.logger.With("topic", topic, "subscriber", sub.id)
	logger.Debug("viewer connected")

	go h.readLoop(conn, sub, logger)
	h.writeLoop(conn, sub, logger)
}

func (h *Hub) subscribe(topic string) (*subscriber, bool) {
	sub := &subscriber{
		id:    uuid.New().String(),
		topic: topic,
		send:  make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[string]*subscriber)
	}
	h.subs[topic][sub.id] = sub
	if data, ok := h.latest[topic]; ok {
		sub.send <- data
	}
	return sub, true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.topic][sub.id]; !ok {
		return
	}
	delete(h.subs[sub.topic], sub.id)
	close(sub.send)
}

// readLoop discards viewer messages and handles pongs. A read error means
// the viewer left.
func (h *Hub) readLoop(conn *websocket.Conn, sub *subscriber, logger *slog.Logger) {
	defer h.unsubscribe(sub)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("viewer read failed", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber, logger *slog.Logger) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		conn.Close()
		logger.Debug("viewer disconnected")
	}()

	for {
		select {
		case data, ok := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("viewer write failed", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every viewer. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for topic, subs := range h.subs {
		for id, sub := range subs {
			close(sub.send)
			delete(subs, id)
		}
		delete(h.subs, topic)
	}
}

// ListenAndServe serves the hub's router on addr until ctx is cancelled
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("live view listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("live server: %w", err)
	case <-ctx.Done():
	}

	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown live server: %w", err)
	}
	return nil
}
