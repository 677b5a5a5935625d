package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"market-price-router/internal/api"
	"market-price-router/internal/model"
)

// fakeGateway speaks just enough of the gateway protocol for the client:
// app/account auth, symbol catalog, spot subscriptions, and one tick per
// subscribed symbol.
type fakeGateway struct {
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      int
	subscribes map[int64]int
	active     []*websocket.Conn
}

type gatewayEnvelope struct {
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	PayloadType int             `json:"payloadType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscribes: make(map[int64]int)}
}

func (g *fakeGateway) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns++
	g.active = append(g.active, conn)
	g.mu.Unlock()
	go g.serve(conn)
}

func (g *fakeGateway) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env gatewayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.PayloadType {
		case 2100:
			g.reply(conn, env.ClientMsgID, 2101, map[string]any{})
		case 2102:
			g.reply(conn, env.ClientMsgID, 2103, map[string]any{"ctidTraderAccountId": 123})
		case 2114:
			g.reply(conn, env.ClientMsgID, 2115, map[string]any{
				"symbol": []map[string]any{
					{"symbolId": 1, "symbolName": "EURUSD"},
					{"symbolId": 2, "symbolName": "GBPUSD"},
				},
			})
		case 2127:
			var req struct {
				SymbolID []int64 `json:"symbolId"`
			}
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				continue
			}
			g.reply(conn, env.ClientMsgID, 2128, map[string]any{})
			for _, id := range req.SymbolID {
				g.mu.Lock()
				g.subscribes[id]++
				g.mu.Unlock()
				g.reply(conn, "", 2131, map[string]any{
					"symbolId":  id,
					"bid":       100000*id + 8420,
					"ask":       100000*id + 8440,
					"timestamp": time.Now().UnixMilli(),
				})
			}
		}
	}
}

func (g *fakeGateway) reply(conn *websocket.Conn, msgID string, payloadType int, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(gatewayEnvelope{ClientMsgID: msgID, PayloadType: payloadType, Payload: raw})
	if err != nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns
}

func (g *fakeGateway) subscribeCount(id int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subscribes[id]
}

// dropAll force-closes every active connection, as a gateway restart would.
func (g *fakeGateway) dropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, conn := range g.active {
		_ = conn.Close()
	}
	g.active = nil
}

func startGateway(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	g := newFakeGateway()
	srv := httptest.NewServer(http.HandlerFunc(g.handler))
	t.Cleanup(srv.Close)
	return g, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestStream(t *testing.T, wsURL string, symbols []string) (*api.StreamClient, *api.LivePriceCache) {
	t.Helper()
	cache := api.NewLivePriceCache()
	client := api.NewStreamClient(api.Config{
		WSURL:        wsURL,
		ClientID:     "cid",
		ClientSecret: "secret",
		AccessToken:  "token",
		AccountID:    123,
		Symbols:      symbols,
		StepTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		ReconnectMax: time.Second,
	}, cache, zap.NewNop())
	return client, cache
}

func TestStreamLifecycle(t *testing.T) {
	t.Parallel()

	_, wsURL := startGateway(t)
	client, cache := newTestStream(t, wsURL, []string{"EURUSD", "gbpusd", "NOSUCHSYM"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	// Both valid symbols stream ticks into the cache.
	require.Eventually(t, func() bool {
		_, ok1 := cache.Lookup("EURUSD", 30*time.Second)
		_, ok2 := cache.Lookup("GBPUSD", 30*time.Second)
		return ok1 && ok2
	}, 5*time.Second, 10*time.Millisecond)

	// Spot points are scaled to prices: symbolId 1 -> 108420/108440 points.
	p, ok := cache.Lookup("EURUSD", 30*time.Second)
	require.True(t, ok)
	require.InDelta(t, 1.0842, p.Bid, 1e-9)
	require.InDelta(t, 1.0844, p.Ask, 1e-9)

	// The unknown symbol failed without blocking the valid ones.
	state, reason := client.SubscriptionStatus("NOSUCHSYM")
	require.Equal(t, api.SubFailed, state)
	require.Equal(t, model.ReasonSymbolUnresolved, reason)

	state, _ = client.SubscriptionStatus("EURUSD")
	require.Equal(t, api.SubSubscribed, state)
	state, _ = client.SubscriptionStatus("GBPUSD")
	require.Equal(t, api.SubSubscribed, state)
	require.Equal(t, api.PhaseStreaming, client.Phase())

	// Shutdown unblocks the read loop promptly.
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop after cancel")
	}
	_, reason = client.SubscriptionStatus("EURUSD")
	require.Equal(t, model.ReasonNone, reason)
}

func TestStreamReconnectResubscribes(t *testing.T) {
	t.Parallel()

	g, wsURL := startGateway(t)
	client, cache := newTestStream(t, wsURL, []string{"EURUSD"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, _ := client.SubscriptionStatus("EURUSD")
		return state == api.SubSubscribed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, g.connCount())
	require.Equal(t, 1, g.subscribeCount(1))

	// Force a disconnect: the client must reset per-symbol state and run the
	// whole auth/resolve/subscribe sequence again on a fresh connection.
	g.dropAll()

	require.Eventually(t, func() bool {
		return g.connCount() >= 2 && g.subscribeCount(1) >= 2
	}, 10*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		state, _ := client.SubscriptionStatus("EURUSD")
		return state == api.SubSubscribed
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := cache.Lookup("EURUSD", 30*time.Second)
	require.True(t, ok)
}
