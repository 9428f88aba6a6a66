package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SubscriptionCallback receives the raw result payload of every
// notification for one subscription.
type SubscriptionCallback func(data json.RawMessage)

// ErrNotConnected is returned by requests while the socket is down.
var ErrNotConnected = errors.New("websocket not connected")

const requestTimeout = 10 * time.Second

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *wsNotification `json:"params,omitempty"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsError) Error() string {
	return fmt.Sprintf("ws rpc error %d: %s", e.Code, e.Message)
}

type wsNotification struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Client is a JSON-RPC subscription client over one WebSocket
// connection. Requests are correlated by id, notifications routed to
// per-subscription callbacks. On disconnect it redials with a fixed
// delay; subscription ids die with the connection, so consumers
// re-subscribe from the OnConnect hook.
type Client struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration

	writeMu sync.Mutex
	conn    *websocket.Conn
	connMu  sync.RWMutex

	nextID  atomic.Uint64
	pending map[uint64]chan *wsMessage
	pendMu  sync.Mutex

	subs  map[uint64]SubscriptionCallback
	subMu sync.RWMutex

	connected atomic.Bool
	lastMsgNs atomic.Int64

	onConnect    func()
	onDisconnect func(error)
	hookMu       sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewClient(url string, reconnectDelay, pingInterval time.Duration) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	return &Client{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		pending:        make(map[uint64]chan *wsMessage),
		subs:           make(map[uint64]SubscriptionCallback),
		done:           make(chan struct{}),
	}
}

// OnConnect registers a hook fired after every successful dial,
// including reconnects. Re-subscribe here.
func (c *Client) OnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = fn
	c.hookMu.Unlock()
}

// OnDisconnect registers a hook fired when an established connection
// drops.
func (c *Client) OnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	c.onDisconnect = fn
	c.hookMu.Unlock()
}

// Start dials the endpoint and launches the reconnect loop. The first
// dial failure is returned so a bad URL fails fast; later drops are
// retried forever until Close.
func (c *Client) Start() error {
	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.adopt(conn)

	c.wg.Add(1)
	go c.run()
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	return conn, nil
}

// adopt installs a fresh connection and fires the connect hook.
func (c *Client) adopt(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		c.lastMsgNs.Store(time.Now().UnixNano())
		return nil
	})

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.connected.Store(true)
	c.lastMsgNs.Store(time.Now().UnixNano())
	log.Info().Str("url", truncateStr(c.url, 48)).Msg("websocket connected")

	c.hookMu.Lock()
	hook := c.onConnect
	c.hookMu.Unlock()
	if hook != nil {
		go hook()
	}
}

// run owns the read loop and redials after every drop.
func (c *Client) run() {
	defer c.wg.Done()

	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		stopPing := make(chan struct{})
		go c.pingLoop(conn, stopPing)

		err := c.readLoop(conn)
		close(stopPing)
		c.teardown(err)

		select {
		case <-c.done:
			return
		default:
		}

		log.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("websocket dropped, reconnecting")

		for {
			select {
			case <-c.done:
				return
			case <-time.After(c.reconnectDelay):
			}
			next, derr := c.dial()
			if derr != nil {
				log.Warn().Err(derr).Msg("websocket redial failed")
				continue
			}
			c.adopt(next)
			break
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastMsgNs.Store(time.Now().UnixNano())

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("unparseable websocket frame")
			continue
		}

		switch {
		case msg.Params != nil:
			c.subMu.RLock()
			cb := c.subs[msg.Params.Subscription]
			c.subMu.RUnlock()
			if cb != nil {
				go cb(msg.Params.Result)
			}
		case msg.ID != 0:
			c.pendMu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.pendMu.Unlock()
			if ch != nil {
				ch <- &msg
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown fails outstanding requests and forgets subscriptions after
// a drop; their ids are meaningless on the next connection.
func (c *Client) teardown(err error) {
	c.connected.Store(false)

	c.pendMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendMu.Unlock()

	c.subMu.Lock()
	c.subs = make(map[uint64]SubscriptionCallback)
	c.subMu.Unlock()

	c.hookMu.Lock()
	hook := c.onDisconnect
	c.hookMu.Unlock()
	if hook != nil {
		go hook(err)
	}
}

// call sends one request and waits for its id-matched response.
func (c *Client) call(method string, params []interface{}) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	ch := make(chan *wsMessage, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, err
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-time.After(requestTimeout):
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
		return nil, fmt.Errorf("%s: request timed out", method)
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// subscribe issues a *Subscribe request and registers the callback
// under the returned subscription id.
func (c *Client) subscribe(method string, params []interface{}, cb SubscriptionCallback) (uint64, error) {
	result, err := c.call(method, params)
	if err != nil {
		return 0, err
	}
	var subID uint64
	if err := json.Unmarshal(result, &subID); err != nil {
		return 0, fmt.Errorf("%s: bad subscription id: %w", method, err)
	}

	c.subMu.Lock()
	c.subs[subID] = cb
	c.subMu.Unlock()
	return subID, nil
}

// AccountSubscribe watches lamports/data changes of one account.
func (c *Client) AccountSubscribe(address string, cb SubscriptionCallback) (uint64, error) {
	return c.subscribe("accountSubscribe", []interface{}{
		address,
		map[string]interface{}{"encoding": "jsonParsed", "commitment": "confirmed"},
	}, cb)
}

// SignatureSubscribe fires once when a signature reaches confirmed
// commitment. The node removes the subscription after the notification.
func (c *Client) SignatureSubscribe(signature string, cb SubscriptionCallback) (uint64, error) {
	return c.subscribe("signatureSubscribe", []interface{}{
		signature,
		map[string]interface{}{"commitment": "confirmed"},
	}, cb)
}

// LogsSubscribe streams transaction logs mentioning the address.
func (c *Client) LogsSubscribe(mentions, commitment string, cb SubscriptionCallback) (uint64, error) {
	if commitment == "" {
		commitment = "confirmed"
	}
	return c.subscribe("logsSubscribe", []interface{}{
		map[string]interface{}{"mentions": []string{mentions}},
		map[string]interface{}{"commitment": commitment},
	}, cb)
}

// Unsubscribe drops a subscription by id. method names the RPC verb
// (accountUnsubscribe, logsUnsubscribe, signatureUnsubscribe).
func (c *Client) Unsubscribe(method string, subID uint64) error {
	c.subMu.Lock()
	delete(c.subs, subID)
	c.subMu.Unlock()

	_, err := c.call(method, []interface{}{subID})
	return err
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LastMessageAge reports time since any inbound frame, pongs included.
// Health checks treat a silent socket as dead.
func (c *Client) LastMessageAge() time.Duration {
	ns := c.lastMsgNs.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}

// Reconnect force-drops the current connection; the run loop redials.
func (c *Client) Reconnect() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		conn.Close()
	}
}

// Close shuts the client down for good.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		}
		c.wg.Wait()
	})
}

// truncateStr trims long values for log lines
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
