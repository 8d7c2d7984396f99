package tests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket" // Using Gorilla for the test CLIENT
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/poscalfx/price-relay/cmd/relay/internal/gateway"
	"github.com/poscalfx/price-relay/cmd/relay/internal/hub"
	"github.com/poscalfx/price-relay/cmd/relay/internal/upstream"
)

type testEnv struct {
	server    *httptest.Server
	mr        *miniredis.Miniredis
	connector *upstream.Connector
	hub       *hub.Hub
}

func startServer(t *testing.T, opts gateway.ClientOptions) *testEnv {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	table := upstream.PrefixedTable(upstream.ChannelPrefix, []string{"EUR/USD", "GBP/USD"})
	connector := upstream.NewConnector(upstream.NewRedisSource(rdb), table, upstream.Options{
		ConnectTimeout: time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}, zap.NewNop())

	wsHub := hub.NewHub(connector, hub.GroupFanout, zap.NewNop())
	srv := gateway.NewServer("", wsHub, connector, opts, zap.NewNop())

	server := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = connector.Close(ctx)
		wsHub.CloseAll()
		server.Close()
	})

	return &testEnv{server: server, mr: mr, connector: connector, hub: wsHub}
}

func connectWS(t *testing.T, serverURL, path string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(serverURL, "http") + path
	wsConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to websocket: %v", err)
	}
	return wsConn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(msg, &v); err != nil {
		t.Fatalf("Invalid JSON from server: %s", msg)
	}
	return v
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// publishWhenSubscribed retries until the relay's redis feed for symbol is listening.
func publishWhenSubscribed(t *testing.T, mr *miniredis.Miniredis, symbol, payload string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.Publish(upstream.ChannelPrefix+symbol, payload) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Nobody subscribed to %s", symbol)
}

func tickJSON(symbol string, mid float64, ts time.Time) string {
	return fmt.Sprintf(`{"symbol":%q,"mid_price":%v,"bid_price":%v,"ask_price":%v,"timestamp":%q}`,
		symbol, mid, mid-0.0001, mid+0.0001, ts.UTC().Format(time.RFC3339Nano))
}

func TestEndToEnd_RelayFlow(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})

	wsConn := connectWS(t, env.server.URL, "/ws")
	defer wsConn.Close()

	if msg := readJSON(t, wsConn); msg["type"] != "init" {
		t.Fatalf("Expected init on connect, got %v", msg)
	}

	send(t, wsConn, `{"type":"subscribe","symbols":["EUR/USD"]}`)
	ack := readJSON(t, wsConn)
	if ack["type"] != "subscribed" {
		t.Fatalf("Expected subscribed, got %v", ack)
	}

	publishWhenSubscribed(t, env.mr, "EUR/USD", tickJSON("EUR/USD", 1.0850, time.Now()))

	update := readJSON(t, wsConn)
	if update["type"] != "update" || update["symbol"] != "EUR/USD" {
		t.Fatalf("Expected EUR/USD update, got %v", update)
	}
	if update["mid_price"] != 1.085 {
		t.Errorf("Expected mid 1.085, got %v", update["mid_price"])
	}

	send(t, wsConn, `{"type":"unsubscribe"}`)
	ack = readJSON(t, wsConn)
	if ack["type"] != "subscribed" || ack["symbols"] != nil {
		t.Errorf("Expected subscribed with null symbols, got %v", ack)
	}
}

func TestEndToEnd_AuthRejected(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{AuthToken: "secret", AuthTimeout: 5 * time.Second})

	// A second, authenticated client keeps the feed alive so updates do flow.
	good := connectWS(t, env.server.URL, "/ws")
	defer good.Close()
	send(t, good, `{"type":"auth","token":"secret"}`)
	readJSON(t, good) // auth ok
	readJSON(t, good) // init
	send(t, good, `{"type":"subscribe","symbols":["EUR/USD"]}`)
	readJSON(t, good)

	bad := connectWS(t, env.server.URL, "/ws")
	defer bad.Close()
	send(t, bad, `{"type":"auth","token":"wrong"}`)

	publishWhenSubscribed(t, env.mr, "EUR/USD", tickJSON("EUR/USD", 1.09, time.Now()))

	res := readJSON(t, bad)
	if res["type"] != "auth" || res["ok"] != false {
		t.Fatalf("Expected auth failure, got %v", res)
	}

	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := bad.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, 4003) {
				t.Fatalf("Expected close code 4003, got %v", err)
			}
			break
		}
		if strings.Contains(string(msg), `"update"`) {
			t.Fatalf("Rejected client received an update: %s", msg)
		}
	}

	if readJSON(t, good)["type"] != "update" {
		t.Errorf("Authenticated client should receive updates")
	}
}

func TestEndToEnd_GatewayAuthRequired(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{AuthToken: "secret", AuthTimeout: 200 * time.Millisecond})

	anon := connectWS(t, env.server.URL, "/forex")
	defer anon.Close()
	send(t, anon, `{"event":"subscribe","data":"EUR/USD"}`)

	anon.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := anon.ReadMessage()
	if err == nil {
		t.Fatalf("Unauthenticated gateway client received %s", msg)
	}
	if !websocket.IsCloseError(err, 4003) {
		t.Fatalf("Expected close code 4003, got %v", err)
	}
	if env.hub.RefCount("EUR/USD") != 0 {
		t.Errorf("Subscribe before auth must not register interest")
	}

	bad := connectWS(t, env.server.URL, "/forex")
	defer bad.Close()
	send(t, bad, `{"event":"auth","data":"wrong"}`)
	if res := readJSON(t, bad); res["event"] != "auth" || res["ok"] != false {
		t.Fatalf("Expected auth failure, got %v", res)
	}
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := bad.ReadMessage(); !websocket.IsCloseError(err, 4003) {
		t.Fatalf("Expected close code 4003, got %v", err)
	}

	good := connectWS(t, env.server.URL, "/forex")
	defer good.Close()
	send(t, good, `{"event":"auth","data":"secret"}`)
	if res := readJSON(t, good); res["event"] != "auth" || res["ok"] != true {
		t.Fatalf("Expected auth ok, got %v", res)
	}
	send(t, good, `{"event":"subscribe","data":"EUR/USD"}`)
	if ack := readJSON(t, good); ack["event"] != "subscribed" {
		t.Fatalf("Expected subscribed ack, got %v", ack)
	}
	publishWhenSubscribed(t, env.mr, "EUR/USD", tickJSON("EUR/USD", 1.085, time.Now()))
	if msg := readJSON(t, good); msg["event"] != "price_update" {
		t.Errorf("Expected price_update, got %v", msg)
	}
}

func TestEndToEnd_AuthAccepted(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{AuthToken: "secret", AuthTimeout: 5 * time.Second})

	wsConn := connectWS(t, env.server.URL, "/ws")
	defer wsConn.Close()

	// Ignored until authenticated.
	send(t, wsConn, `{"type":"subscribe","symbols":["GBP/USD"]}`)
	send(t, wsConn, `{"type":"auth","token":"secret"}`)

	if res := readJSON(t, wsConn); res["type"] != "auth" || res["ok"] != true {
		t.Fatalf("Expected auth ok, got %v", res)
	}
	if msg := readJSON(t, wsConn); msg["type"] != "init" {
		t.Fatalf("Expected init after auth, got %v", msg)
	}
	if env.hub.RefCount("GBP/USD") != 0 {
		t.Errorf("Subscribe before auth must not register interest")
	}

	send(t, wsConn, `{"type":"subscribe","symbols":["GBP/USD"]}`)
	readJSON(t, wsConn)
	publishWhenSubscribed(t, env.mr, "GBP/USD", tickJSON("GBP/USD", 1.27, time.Now()))

	if msg := readJSON(t, wsConn); msg["type"] != "update" {
		t.Errorf("Expected update, got %v", msg)
	}
}

func TestEndToEnd_AuthTimeout(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{AuthToken: "secret", AuthTimeout: 50 * time.Millisecond})

	wsConn := connectWS(t, env.server.URL, "/ws")
	defer wsConn.Close()

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := wsConn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("Expected a close frame, got %v", err)
	}
	if closeErr.Code != 4003 || closeErr.Text != "auth_timeout" {
		t.Errorf("Expected 4003 auth_timeout, got %d %q", closeErr.Code, closeErr.Text)
	}
}

func TestEndToEnd_GatewayFlow(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})
	env.mr.Set(upstream.KeyPrefix+"EUR/USD", tickJSON("EUR/USD", 1.0851, time.Now()))

	wsConn := connectWS(t, env.server.URL, "/forex")
	defer wsConn.Close()

	send(t, wsConn, `{"event":"subscribe","data":"XYZ/ABC"}`)
	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := wsConn.ReadMessage()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(raw) != `{"event":"error","message":"Symbol XYZ/ABC not supported"}` {
		t.Errorf("Unexpected error event: %s", raw)
	}

	send(t, wsConn, `{"event":"subscribe","data":"eur/usd"}`)
	if ack := readJSON(t, wsConn); ack["event"] != "subscribed" || ack["symbol"] != "EUR/USD" {
		t.Fatalf("Expected subscribed ack, got %v", ack)
	}

	// The stored snapshot is replayed as soon as the feed opens.
	update := readJSON(t, wsConn)
	if update["event"] != "price_update" || update["symbol"] != "EUR/USD" || update["price"] != 1.0851 {
		t.Errorf("Expected replayed price_update, got %v", update)
	}

	send(t, wsConn, `{"event":"unsubscribe","data":"EUR/USD"}`)
	if ack := readJSON(t, wsConn); ack["event"] != "unsubscribed" {
		t.Errorf("Expected unsubscribed ack, got %v", ack)
	}
}

func TestEndToEnd_DisconnectReleasesFeed(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})

	wsConn := connectWS(t, env.server.URL, "/forex")
	send(t, wsConn, `{"event":"subscribe","data":"EUR/USD"}`)
	readJSON(t, wsConn)

	if len(env.connector.Conns()) != 1 {
		t.Fatalf("Expected one upstream connection")
	}

	wsConn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(env.connector.Conns()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Upstream connection not released after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if env.hub.RefCount("EUR/USD") != 0 {
		t.Errorf("Reference count should drop to zero")
	}
}

func TestEndToEnd_InvalidJSONIgnored(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})
	wsConn := connectWS(t, env.server.URL, "/ws")
	defer wsConn.Close()
	readJSON(t, wsConn) // init

	send(t, wsConn, `{ "type": "subsc`)
	send(t, wsConn, `{"type":"subscribe","symbols":["EUR/USD"]}`)

	if msg := readJSON(t, wsConn); msg["type"] != "subscribed" {
		t.Errorf("Malformed message should be ignored, got %v", msg)
	}
}

func TestEndToEnd_MaxMessageSize(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})
	wsConn := connectWS(t, env.server.URL, "/ws")
	defer wsConn.Close()

	hugePayload := strings.Repeat("a", 513*1024)
	hugeMsg := fmt.Sprintf(`{"type":"subscribe","symbols":["%s"]}`, hugePayload)

	if err := wsConn.WriteMessage(websocket.TextMessage, []byte(hugeMsg)); err != nil {
		// The server dropped the connection while the frame was still going out.
		return
	}

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		// init may still be queued ahead of the close
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("Server kept the connection open after an oversized frame")
		}
		return
	}
}

func TestEndToEnd_HealthAndStats(t *testing.T) {
	env := startServer(t, gateway.ClientOptions{})

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("Expected 200 ok, got %d %q", resp.StatusCode, body)
	}

	wsConn := connectWS(t, env.server.URL, "/forex")
	defer wsConn.Close()
	send(t, wsConn, `{"event":"subscribe","data":"GBP/USD"}`)
	readJSON(t, wsConn)

	resp, err = http.Get(env.server.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer resp.Body.Close()

	var stats struct {
		Sessions int            `json:"sessions"`
		Symbols  map[string]int `json:"symbols"`
		Upstream []struct {
			Symbol string `json:"symbol"`
		} `json:"upstream"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("Decode stats: %v", err)
	}
	if stats.Sessions != 1 || stats.Symbols["GBP/USD"] != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if len(stats.Upstream) != 1 || stats.Upstream[0].Symbol != "GBP/USD" {
		t.Errorf("Expected GBP/USD upstream, got %+v", stats.Upstream)
	}
}

func TestEndToEnd_Shutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	table := upstream.PrefixedTable(upstream.ChannelPrefix, []string{"EUR/USD"})
	connector := upstream.NewConnector(upstream.NewRedisSource(rdb), table, upstream.Options{ConnectTimeout: time.Second}, zap.NewNop())
	wsHub := hub.NewHub(connector, hub.GroupFanout, zap.NewNop())
	srv := gateway.NewServer("", wsHub, connector, gateway.ClientOptions{}, zap.NewNop())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(l) }()

	wsConn := connectWS(t, "http://"+addr, "/forex")
	defer wsConn.Close()
	send(t, wsConn, `{"event":"subscribe","data":"EUR/USD"}`)
	readJSON(t, wsConn)
	publishWhenSubscribed(t, mr, "EUR/USD", tickJSON("EUR/USD", 1.08, time.Now()))
	readJSON(t, wsConn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if conns := connector.Conns(); len(conns) != 0 {
		t.Errorf("Upstream connections left after shutdown: %+v", conns)
	}

	wsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := wsConn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("Expected close 1001, got %v", err)
		}
		break
	}

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Errorf("Listener still accepting after shutdown")
	}
}
