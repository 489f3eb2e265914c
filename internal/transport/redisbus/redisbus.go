// Package redisbus backs the shared cache tier and the cluster update bus with redis.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// Channel is the pub/sub channel balance updates travel on.
	Channel string
	// KeyPrefix namespaces the shared cache keys.
	KeyPrefix string
	// TTL expires shared entries. Zero keeps them.
	TTL         time.Duration
	DialTimeout time.Duration
}

// Client implements both cache.Shared and cache.Bus over one connection pool.
type Client struct {
	cfg    Config
	rdb    *redis.Client
	log    *zap.Logger
	setLua *redis.Script

	mu   sync.Mutex
	subs []*redis.PubSub
}

var (
	_ cache.Shared = (*Client)(nil)
	_ cache.Bus    = (*Client)(nil)
)

// A shared entry is a hash {b, v, t}. The script refuses anything not newer than the stored version.
const setIfNewerSrc = `
local cur = redis.call('HGET', KEYS[1], 'v')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], 'b', ARGV[1], 'v', ARGV[2], 't', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`

func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if cfg.Channel == "" {
		cfg.Channel = "prison:balances"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "prison:bal:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{
		cfg:    cfg,
		rdb:    rdb,
		log:    log.Named("redisbus"),
		setLua: redis.NewScript(setIfNewerSrc),
	}, nil
}

func (c *Client) key(acct store.Account) string { return c.cfg.KeyPrefix + acct.Key() }

func (c *Client) Get(ctx context.Context, acct store.Account) (cache.Entry, bool, error) {
	vals, err := c.rdb.HMGet(ctx, c.key(acct), "b", "v", "t").Result()
	if err != nil {
		return cache.Entry{}, false, err
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return cache.Entry{}, false, nil
	}
	bal, err1 := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	ver, err2 := strconv.ParseUint(fmt.Sprint(vals[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return cache.Entry{}, false, fmt.Errorf("corrupt shared entry %s", c.key(acct))
	}
	e := cache.Entry{Balance: bal, Version: ver}
	if vals[2] != nil {
		if ns, err := strconv.ParseInt(fmt.Sprint(vals[2]), 10, 64); err == nil {
			e.CachedAt = time.Unix(0, ns)
		}
	}
	return e, true, nil
}

func (c *Client) SetIfNewer(ctx context.Context, acct store.Account, e cache.Entry) (bool, error) {
	at := e.CachedAt
	if at.IsZero() {
		at = time.Now()
	}
	n, err := c.setLua.Run(ctx, c.rdb, []string{c.key(acct)},
		e.Balance, e.Version, at.UnixNano(), c.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *Client) Publish(ctx context.Context, u cache.Update) error {
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.cfg.Channel, b).Err()
}

// Subscribe delivers decoded updates to fn from a dedicated goroutine until cancel is called.
func (c *Client) Subscribe(ctx context.Context, fn func(cache.Update)) (func(), error) {
	ps := c.rdb.Subscribe(ctx, c.cfg.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.cfg.Channel, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, ps)
	c.mu.Unlock()

	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			var u cache.Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				c.log.Warn("bad balance update", zap.Error(err))
				continue
			}
			fn(u)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return c.rdb.Close()
}
