package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
)

// wsServer runs handler for every accepted connection.
func wsServer(t *testing.T, handler func(conn *gws.Conn)) *httptest.Server {
	t.Helper()
	up := gws.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handler(conn)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeRoutesNotifications(t *testing.T) {
	srv := wsServer(t, func(conn *gws.Conn) {
		defer conn.Close()

		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		if req.Method != "logsSubscribe" {
			t.Errorf("method = %s, want logsSubscribe", req.Method)
		}

		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 55})

		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "logsNotification",
			"params": map[string]any{
				"subscription": 55,
				"result": map[string]any{
					"value": map[string]any{"signature": "abc123"},
				},
			},
		})

		// Hold the connection open until the test finishes.
		conn.ReadMessage()
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), 50*time.Millisecond, time.Minute)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	got := make(chan json.RawMessage, 1)
	subID, err := c.LogsSubscribe("SomeWallet111111111111111111111111111111111", "confirmed", func(data json.RawMessage) {
		got <- data
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if subID != 55 {
		t.Errorf("subID = %d, want 55", subID)
	}

	select {
	case data := <-got:
		var payload struct {
			Value struct {
				Signature string `json:"signature"`
			} `json:"value"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		if payload.Value.Signature != "abc123" {
			t.Errorf("signature = %s, want abc123", payload.Value.Signature)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	notifyAgain := make(chan struct{})

	srv := wsServer(t, func(conn *gws.Conn) {
		defer conn.Close()

		var sub wsRequest
		conn.ReadJSON(&sub)
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": sub.ID, "result": 9})

		var unsub wsRequest
		if err := conn.ReadJSON(&unsub); err != nil {
			return
		}
		if unsub.Method != "accountUnsubscribe" {
			t.Errorf("method = %s, want accountUnsubscribe", unsub.Method)
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": unsub.ID, "result": true})

		<-notifyAgain
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "accountNotification",
			"params":  map[string]any{"subscription": 9, "result": map[string]any{}},
		})
		conn.ReadMessage()
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), 50*time.Millisecond, time.Minute)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	var delivered atomic.Int32
	subID, err := c.AccountSubscribe("Acc1111111111111111111111111111111111111111", func(json.RawMessage) {
		delivered.Add(1)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.Unsubscribe("accountUnsubscribe", subID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	close(notifyAgain)
	time.Sleep(100 * time.Millisecond)

	if n := delivered.Load(); n != 0 {
		t.Errorf("callback fired %d times after unsubscribe", n)
	}
}

func TestReconnectFiresOnConnect(t *testing.T) {
	var conns atomic.Int32

	srv := wsServer(t, func(conn *gws.Conn) {
		n := conns.Add(1)
		if n == 1 {
			// Drop the first connection straight away.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	})
	defer srv.Close()

	c := NewClient(wsURL(srv), 20*time.Millisecond, time.Minute)

	var connects atomic.Int32
	c.OnConnect(func() { connects.Add(1) })

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	deadline := time.After(3 * time.Second)
	for connects.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("reconnect never happened, connects=%d", connects.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !c.Connected() {
		t.Error("client should report connected after redial")
	}
}

func TestRequestsFailWhenDisconnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/nope", 50*time.Millisecond, time.Minute)

	_, err := c.LogsSubscribe("W", "confirmed", func(json.RawMessage) {})
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestStartFailsFastOnBadEndpoint(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/nope", 50*time.Millisecond, time.Minute)
	if err := c.Start(); err == nil {
		t.Fatal("expected dial error")
	}
}
