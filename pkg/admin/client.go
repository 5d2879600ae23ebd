package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Subscriptions selects which pushed events the server sends to this admin.
type Subscriptions struct {
	Snapshot bool `json:"snapshot"`
	Players  bool `json:"players"`
	Runtime  bool `json:"runtime"`
}

// DefaultSubscriptions receives blueprint, entity and world changes only.
var DefaultSubscriptions = Subscriptions{Runtime: true}

// Options configures a Client.
type Options struct {
	// WorldURL is the http(s) base URL of the world server.
	WorldURL string
	// AdminCode authenticates both channels. May be empty for open servers.
	AdminCode     string
	Subscriptions *Subscriptions
	HTTPClient    *http.Client
	Dialer        *websocket.Dialer
	Logger        *log.Logger
}

// Result is the body of an onAdminResult reply.
type Result struct {
	RequestID string         `json:"requestId"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Message   string         `json:"message,omitempty"`
	Current   map[string]any `json:"current,omitempty"`
	Lock      *DeployLock    `json:"lock,omitempty"`
	Data      map[string]any `json:"-"`
}

type reply struct {
	result *Result
	err    error
}

// Client talks to one world server. It holds at most one live WebSocket; after
// a disconnect, Connect may be called again on the same Client. HTTP calls do
// not need a socket. The client is safe for concurrent use.
type Client struct {
	baseURL    *url.URL
	code       string
	subs       Subscriptions
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *log.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan reply
	assetsURL string
	closed    bool

	writeMu sync.Mutex
	events  *eventQueue
}

// NewClient validates opts and creates a Client. No network I/O happens here.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.WorldURL) == "" {
		return nil, fmt.Errorf("world URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(opts.WorldURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid world URL %q: %w", opts.WorldURL, err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("world URL must be http or https, got %q", base.Scheme)
	}

	c := &Client{
		baseURL:    base,
		code:       opts.AdminCode,
		subs:       DefaultSubscriptions,
		httpClient: opts.HTTPClient,
		dialer:     opts.Dialer,
		logger:     opts.Logger,
		pending:    make(map[string]chan reply),
		events:     newEventQueue(),
	}
	if opts.Subscriptions != nil {
		c.subs = *opts.Subscriptions
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c, nil
}

// WorldURL returns the normalized base URL.
func (c *Client) WorldURL() string { return c.baseURL.String() }

// Events returns the pushed event stream. The channel stays open across
// reconnects and is closed by Close.
func (c *Client) Events() <-chan Event { return c.events.out }

// Connected reports whether an authenticated socket is live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) wsURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/admin"
	u.RawQuery = ""
	return u.String()
}

// Connect opens the admin socket and authenticates. It returns an *Error with
// code invalid_code, unauthorized or auth_error when the server rejects the
// code, and ws_closed or ws_error when the socket fails first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(CodeWSClosed)
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &Error{Code: CodeUnauthorized, Status: resp.StatusCode}
		}
		return &Error{Code: CodeWSError, Message: err.Error()}
	}

	// Abort the handshake read if ctx ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = c.authenticate(conn)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return newError(CodeWSClosed)
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Printf("[Admin] Connected to %s", c.wsURL())
	go c.readLoop(conn)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	auth := map[string]any{
		"code":          c.code,
		"subscriptions": c.subs,
	}
	if err := writePacket(conn, &c.writeMu, MethodAdminAuth, auth); err != nil {
		return &Error{Code: CodeWSError, Message: err.Error()}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &Error{Code: CodeWSClosed, Message: err.Error()}
		}
		pkt, err := DecodePacket(data)
		if err != nil {
			c.logger.Printf("[Admin] Dropping malformed frame during auth: %v", err)
			continue
		}
		switch pkt.Method {
		case MethodAdminAuthOk:
			return nil
		case MethodAdminAuthError:
			var body struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			_ = json.Unmarshal(pkt.Payload, &body)
			code := body.Error
			if code == "" {
				code = CodeAuthError
			}
			return &Error{Code: code, Message: body.Message}
		}
	}
}

func writePacket(conn *websocket.Conn, mu *sync.Mutex, method string, payload any) error {
	data, err := EncodePacket(method, payload)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(conn, err)
			return
		}
		pkt, err := DecodePacket(data)
		if err != nil {
			c.logger.Printf("[Admin] Dropping malformed frame: %v", err)
			continue
		}
		if pkt.Method == MethodAdminResult {
			c.deliverResult(pkt.Payload)
			continue
		}
		kind, ok := methodEvents[pkt.Method]
		if !ok {
			continue
		}
		ev, err := decodeEvent(kind, pkt.Payload)
		if err != nil {
			c.logger.Printf("[Admin] Failed to decode %s: %v", pkt.Method, err)
			continue
		}
		c.events.push(ev)
	}
}

func (c *Client) deliverResult(payload json.RawMessage) {
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		c.logger.Printf("[Admin] Failed to decode result: %v", err)
		return
	}
	_ = json.Unmarshal(payload, &result.Data)

	c.mu.Lock()
	ch, ok := c.pending[result.RequestID]
	delete(c.pending, result.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	ch <- reply{result: &result}
}

// dropConnection tears down conn if it is still current, rejects in-flight
// requests and emits a disconnect event.
func (c *Client) dropConnection(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan reply)
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- reply{err: newError(CodeWSClosed)}
	}
	if closed {
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		c.logger.Printf("[Admin] Connection lost: %v", cause)
	}
	c.events.push(Event{Kind: EventDisconnect, Err: &Error{Code: CodeWSClosed, Message: errString(cause)}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Request sends an adminCommand of the given type and waits for its result.
// payload fields are merged into the command next to type, requestId, source
// and actor. There is no client-side timeout beyond ctx; the call fails with
// ws_closed if the socket drops first.
func (c *Client) Request(ctx context.Context, cmdType string, payload map[string]any) (*Result, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, newError(CodeNotConnected)
	}
	requestID := uuid.NewString()
	ch := make(chan reply, 1)
	c.pending[requestID] = ch
	c.mu.Unlock()

	msg := make(map[string]any, len(payload)+4)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = cmdType
	msg["requestId"] = requestID
	msg["source"] = SourceAppServer
	msg["actor"] = ActorAppServer

	if err := writePacket(conn, &c.writeMu, MethodAdminCommand, msg); err != nil {
		c.forget(requestID)
		return nil, &Error{Code: CodeWSError, Message: err.Error()}
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if !r.result.OK {
			code := r.result.Error
			if code == "" {
				code = CodeInvalidPayload
			}
			return r.result, &Error{
				Code:    code,
				Message: r.result.Message,
				Current: r.result.Current,
				Lock:    r.result.Lock,
			}
		}
		return r.result, nil
	case <-ctx.Done():
		c.forget(requestID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// Disconnect closes the current socket, if any, without closing the client.
// A disconnect event is emitted as for any connection loss.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConnection(conn, nil)
	}
}

// Close closes the socket, rejects in-flight requests with ws_closed and
// closes the Events channel. Implements io.Closer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.dropConnection(conn, nil)
	}
	c.events.close()
	return nil
}

// AddBlueprint issues blueprint_add.
func (c *Client) AddBlueprint(ctx context.Context, bp Blueprint, lockToken string) error {
	_, err := c.Request(ctx, "blueprint_add", withLock(map[string]any{"blueprint": bp}, lockToken))
	return err
}

// ModifyBlueprint issues blueprint_modify with a partial change that must
// include id and the next version.
func (c *Client) ModifyBlueprint(ctx context.Context, change Blueprint, lockToken string) error {
	_, err := c.Request(ctx, "blueprint_modify", withLock(map[string]any{"change": change}, lockToken))
	return err
}

// RemoveBlueprint issues blueprint_remove.
func (c *Client) RemoveBlueprint(ctx context.Context, id, lockToken string) error {
	_, err := c.Request(ctx, "blueprint_remove", withLock(map[string]any{"id": id}, lockToken))
	return err
}

// AddEntity issues entity_add.
func (c *Client) AddEntity(ctx context.Context, e Entity) error {
	_, err := c.Request(ctx, "entity_add", map[string]any{"entity": e})
	return err
}

// ModifyEntity issues entity_modify with a partial change including id.
func (c *Client) ModifyEntity(ctx context.Context, change Entity) error {
	_, err := c.Request(ctx, "entity_modify", map[string]any{"change": change})
	return err
}

// RemoveEntity issues entity_remove.
func (c *Client) RemoveEntity(ctx context.Context, id string) error {
	_, err := c.Request(ctx, "entity_remove", map[string]any{"id": id})
	return err
}

// ModifySettings issues settings_modify for one key.
func (c *Client) ModifySettings(ctx context.Context, key string, value any) error {
	_, err := c.Request(ctx, "settings_modify", map[string]any{"key": key, "value": value})
	return err
}

func withLock(m map[string]any, lockToken string) map[string]any {
	if lockToken != "" {
		m["lockToken"] = lockToken
	}
	return m
}
