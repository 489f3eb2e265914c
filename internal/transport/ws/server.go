// Package ws relays balance updates between nodes over websockets, for clusters that run without redis.
// A Hub accepts node connections and forwards each node's updates to every other node; Client is the
// node side and implements cache.Bus.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type peer struct {
	id     uint64
	nodeID string
	out    chan []byte
}

type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	queue    int

	mu     sync.RWMutex
	peers  map[uint64]*peer
	nextID atomic.Uint64

	dropped atomic.Uint64
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		queue: 1024,
		peers: map[uint64]*peer{},
	}
}

// Peers counts connected nodes.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Dropped counts updates discarded because a peer's queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		p := h.handshake(conn)
		if p == nil {
			return
		}
		defer h.remove(p)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-p.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			typ, err := decodeType(msg)
			if err != nil || typ != TypeUpdate {
				continue
			}
			h.broadcast(p, msg)
		}
	}
}

func (h *Hub) handshake(conn *websocket.Conn) *peer {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	var hello HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	p := &peer{id: h.nextID.Add(1), nodeID: hello.NodeID, out: make(chan []byte, h.queue)}
	h.mu.Lock()
	h.peers[p.id] = p
	n := len(h.peers)
	h.mu.Unlock()

	if err := writeJSON(conn, WelcomeMsg{Type: TypeWelcome, Peers: n}); err != nil {
		h.remove(p)
		return nil
	}
	h.log.Info("node joined", zap.String("node", p.nodeID), zap.Int("peers", n))
	return p
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	n := len(h.peers)
	h.mu.Unlock()
	h.log.Info("node left", zap.String("node", p.nodeID), zap.Int("peers", n))
}

func (h *Hub) broadcast(from *peer, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, p := range h.peers {
		if id == from.id {
			continue
		}
		select {
		case p.out <- msg:
		default:
			h.dropped.Add(1)
		}
	}
}

const writeWait = 5 * time.Second

func writeJSON(conn *websocket.Conn, v any) error {
	return writeJSONBy(conn, v, time.Now().Add(writeWait))
}

func writeJSONBy(conn *websocket.Conn, v any, deadline time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, b)
}
