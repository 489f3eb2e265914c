package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialNode(t *testing.T, url, node string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), ClientConfig{URL: url, NodeID: node, Redial: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelayForwardsToOtherNodes(t *testing.T) {
	hub, url := startHub(t)
	a := dialNode(t, url, "a")
	b := dialNode(t, url, "b")
	require.Eventually(t, func() bool { return hub.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)

	gotA := make(chan cache.Update, 4)
	gotB := make(chan cache.Update, 4)
	cancelA, err := a.Subscribe(context.Background(), func(u cache.Update) { gotA <- u })
	require.NoError(t, err)
	defer cancelA()
	cancelB, err := b.Subscribe(context.Background(), func(u cache.Update) { gotB <- u })
	require.NoError(t, err)
	defer cancelB()

	want := cache.Update{Account: store.Account{Player: "p1", Currency: "money"}, Balance: 700, Version: 4, Origin: "a"}
	require.NoError(t, a.Publish(context.Background(), want))

	select {
	case u := <-gotB:
		require.Equal(t, want, u)
	case <-time.After(2 * time.Second):
		t.Fatal("update not relayed")
	}
	select {
	case u := <-gotA:
		t.Fatalf("sender received its own update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishHonoursContext(t *testing.T) {
	now := time.Now()
	require.Equal(t, now.Add(writeWait), publishDeadline(context.Background(), now))
	ctx, cancel := context.WithDeadline(context.Background(), now.Add(250*time.Millisecond))
	defer cancel()
	require.Equal(t, now.Add(250*time.Millisecond), publishDeadline(ctx, now))

	hub, url := startHub(t)
	a := dialNode(t, url, "a")
	b := dialNode(t, url, "b")
	require.Eventually(t, func() bool { return hub.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)
	got := make(chan cache.Update, 1)
	stop, err := b.Subscribe(context.Background(), func(u cache.Update) { got <- u })
	require.NoError(t, err)
	defer stop()

	done, cancelDone := context.WithCancel(context.Background())
	cancelDone()
	u := cache.Update{Account: store.Account{Player: "p1", Currency: "money"}, Balance: 1, Version: 1, Origin: "a"}
	require.ErrorIs(t, a.Publish(done, u), context.Canceled)
	select {
	case u := <-got:
		t.Fatalf("cancelled publish was relayed: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
	require.True(t, a.Connected())
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	hub, url := startHub(t)
	conn, err := connectRaw(url)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, writeJSON(conn, HelloMsg{Type: TypeHello, ProtocolVersion: "0", NodeID: "x"}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Equal(t, 0, hub.Peers())
}

func TestClientReconnects(t *testing.T) {
	hub, url := startHub(t)
	a := dialNode(t, url, "a")
	b := dialNode(t, url, "b")
	require.Eventually(t, func() bool { return hub.Peers() == 2 }, 2*time.Second, 5*time.Millisecond)

	// drop b's socket out from under it
	b.connMu.Lock()
	old := b.conn
	b.connMu.Unlock()
	_ = old.Close()
	require.Eventually(t, func() bool {
		b.connMu.Lock()
		cur := b.conn
		b.connMu.Unlock()
		return cur != nil && cur != old && hub.Peers() == 2
	}, 2*time.Second, 10*time.Millisecond)

	got := make(chan cache.Update, 1)
	cancel, err := b.Subscribe(context.Background(), func(u cache.Update) {
		select {
		case got <- u:
		default:
		}
	})
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, a.Publish(context.Background(), cache.Update{Account: store.Account{Player: "p", Currency: "money"}, Version: 1, Origin: "a"}))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no update after reconnect")
	}
}

func connectRaw(url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	return conn, err
}
