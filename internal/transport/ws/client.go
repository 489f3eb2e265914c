package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
)

var ErrNotConnected = errors.New("relay not connected")

type ClientConfig struct {
	URL    string
	NodeID string
	// Redial is the pause between reconnect attempts. Defaults to 1s.
	Redial time.Duration
}

// Client is a node's connection to a Hub. It reconnects until closed; updates published while
// disconnected fail with ErrNotConnected and are recovered by cache revalidation.
type Client struct {
	cfg ClientConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	subMu  sync.RWMutex
	subs   map[int]func(cache.Update)
	nextID int
}

var _ cache.Bus = (*Client)(nil)

// Dial connects to the hub and keeps the connection alive in the background. The first connection must
// succeed.
func Dial(ctx context.Context, cfg ClientConfig, log *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url cannot be empty")
	}
	if cfg.Redial <= 0 {
		cfg.Redial = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		log:    log.Named("relay_client"),
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
		subs:   map[int]func(cache.Update){},
	}
	go c.loop(conn)
	return c, nil
}

func connect(ctx context.Context, cfg ClientConfig) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}
	if err := writeJSON(conn, HelloMsg{Type: TypeHello, ProtocolVersion: ProtocolVersion, NodeID: cfg.NodeID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	var welcome WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("relay handshake: unexpected reply")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

func (c *Client) loop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.read(conn)
		c.setConn(nil)
		_ = conn.Close()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.cfg.Redial):
			}
			next, err := connect(c.ctx, c.cfg)
			if err != nil {
				c.log.Warn("relay redial failed", zap.Error(err))
				continue
			}
			if !c.setConn(next) {
				_ = next.Close()
				return
			}
			c.log.Info("relay reconnected")
			conn = next
			break
		}
	}
}

func (c *Client) read(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn("relay connection lost", zap.Error(err))
			}
			return
		}
		var m UpdateMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.Type != TypeUpdate {
			continue
		}
		c.subMu.RLock()
		for _, fn := range c.subs {
			fn(m.Update)
		}
		c.subMu.RUnlock()
	}
}

// setConn reports false once the client is closing.
func (c *Client) setConn(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn != nil && c.ctx.Err() != nil {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Publish sends u to the hub. The write gives up at ctx's deadline; a failed write drops the connection
// and the client redials.
func (c *Client) Publish(ctx context.Context, u cache.Update) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeJSONBy(conn, UpdateMsg{Type: TypeUpdate, Update: u}, publishDeadline(ctx, time.Now())); err != nil {
		_ = conn.Close()
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func publishDeadline(ctx context.Context, now time.Time) time.Time {
	deadline := now.Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func (c *Client) Subscribe(_ context.Context, fn func(cache.Update)) (func(), error) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}, nil
}

func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()
	<-c.done
	return nil
}
