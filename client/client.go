// Package client is the edge side of the hub protocol: a session or machine
// process connects out, keeps a mirror of its own record, announces the RPC
// methods it can serve, and streams messages both ways.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"agent-relay/internal/wire"
)

// Handler serves one reverse-RPC method. Params and result are JSON strings.
type Handler func(ctx context.Context, params string) (string, error)

// MessageHandler receives session messages exactly once each, in seq order.
type MessageHandler func(msg Message)

type Message struct {
	ID        string  `json:"id"`
	Seq       int64   `json:"seq"`
	LocalID   *string `json:"localId"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"createdAt"`
}

type Options struct {
	BaseURL   string
	Token     string
	SessionID string
	MachineID string

	HTTP           *http.Client
	HeartbeatEvery time.Duration
	OnMessage      MessageHandler
}

const (
	defaultHeartbeat = 2 * time.Second
	reconnectBase    = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
	mutateBackoff    = 50 * time.Millisecond
	backfillLimit    = 100
)

type Client struct {
	opts  Options
	httpc *http.Client

	connMu    sync.Mutex
	ws        *websocket.Conn
	connected bool
	// handshook is set when a connect ack lands and consumed by Run to reset
	// the reconnect backoff after a successful connection.
	handshook bool

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	metadata   mirrorField[string]
	agentState mirrorField[*string]

	hbMu           sync.Mutex
	thinking       bool
	permissionMode string
	modelMode      string

	msgMu         sync.Mutex
	watermark     int64
	backfilling   bool
	backfillAgain bool
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.Token == "" {
		return nil, fmt.Errorf("base url and token required")
	}
	if (opts.SessionID == "") == (opts.MachineID == "") {
		return nil, fmt.Errorf("exactly one of session id or machine id required")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = defaultHeartbeat
	}
	return &Client{
		opts:       opts,
		httpc:      opts.HTTP,
		pendingAck: make(map[int]chan []json.RawMessage),
		handlers:   make(map[string]Handler),
	}, nil
}

func (c *Client) entityID() string {
	if c.opts.SessionID != "" {
		return c.opts.SessionID
	}
	return c.opts.MachineID
}

func (c *Client) clientType() string {
	if c.opts.SessionID != "" {
		return "session-scoped"
	}
	return "machine-scoped"
}

// RegisterHandler announces a method this client can serve. Registration
// survives reconnects: the method is re-announced on every new connection.
func (c *Client) RegisterHandler(method string, h Handler) {
	c.handlersMu.Lock()
	c.handlers[method] = h
	c.handlersMu.Unlock()

	if c.isConnected() {
		c.announce(method)
	}
}

func (c *Client) announce(method string) {
	key := c.entityID() + ":" + method
	_ = c.emit("rpc-register", map[string]string{"method": key})
}

// SetThinking updates the liveness flag carried on the next heartbeat.
func (c *Client) SetThinking(v bool) {
	c.hbMu.Lock()
	c.thinking = v
	c.hbMu.Unlock()
}

// SetModes updates the operating modes carried on the next heartbeat.
func (c *Client) SetModes(permissionMode, modelMode string) {
	c.hbMu.Lock()
	c.permissionMode = permissionMode
	c.modelMode = modelMode
	c.hbMu.Unlock()
}

// Run connects and keeps the connection alive until ctx is cancelled,
// reconnecting with capped exponential backoff. Each new connection re-runs
// the handshake, re-announces handlers, and triggers a backfill to close any
// gap opened while offline.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("client: connection lost: %v", err)
		}
		if c.consumeHandshake() {
			backoff = reconnectBase
		}

		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	wsURL := httpToWS(c.opts.BaseURL) + "/ws"
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return err
	}
	ws.SetReadLimit(1 << 20)
	defer ws.Close(websocket.StatusNormalClosure, "")

	c.connMu.Lock()
	c.ws = ws
	c.connMu.Unlock()
	defer c.setDisconnected()

	// The server speaks first with the open frame.
	if _, err := c.readFrame(ctx); err != nil {
		return err
	}

	authObj := map[string]string{
		"token":      c.opts.Token,
		"clientType": c.clientType(),
	}
	if c.opts.SessionID != "" {
		authObj["sessionId"] = c.opts.SessionID
	}
	if c.opts.MachineID != "" {
		authObj["machineId"] = c.opts.MachineID
	}
	connectPkt, err := wire.BuildConnect("/", authObj)
	if err != nil {
		return err
	}
	if err := c.write(ctx, string(wire.EngineMessage)+connectPkt); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()

	for {
		frame, err := c.readFrame(ctx)
		if err != nil {
			return err
		}
		done, err := c.handleFrame(hbCtx, frame)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame string) (closed bool, err error) {
	if frame == "" {
		return false, nil
	}
	switch wire.EngineType(frame[0]) {
	case wire.EnginePing:
		return false, c.write(ctx, string(wire.EnginePong))
	case wire.EngineClose:
		return true, nil
	case wire.EngineMessage:
		c.handleSocketPayload(ctx, frame[1:])
	}
	return false, nil
}

func (c *Client) handleSocketPayload(ctx context.Context, payload string) {
	if payload == "" {
		return
	}
	switch wire.SocketType(payload[0]) {
	case wire.SocketConnect:
		c.onConnected(ctx)
	case wire.SocketEvent:
		pkt, err := wire.ParseEvent(payload)
		if err != nil {
			return
		}
		c.handleEvent(ctx, pkt)
	case wire.SocketAck:
		ack, err := wire.ParseAck(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	}
}

// onConnected finishes the handshake: the mirror re-announces every handler
// under the new connection generation and closes the offline gap.
func (c *Client) onConnected(ctx context.Context) {
	c.connMu.Lock()
	c.connected = true
	c.handshook = true
	c.connMu.Unlock()

	c.handlersMu.RLock()
	methods := make([]string, 0, len(c.handlers))
	for m := range c.handlers {
		methods = append(methods, m)
	}
	c.handlersMu.RUnlock()
	for _, m := range methods {
		c.announce(m)
	}

	go c.heartbeatLoop(ctx)
	if c.opts.SessionID != "" {
		c.RequestBackfill(ctx)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		c.sendHeartbeat()
	}
}

func (c *Client) sendHeartbeat() {
	now := time.Now().UnixMilli()
	if c.opts.MachineID != "" {
		_ = c.emit("machine-alive", map[string]any{"machineId": c.opts.MachineID, "time": now})
		return
	}
	c.hbMu.Lock()
	thinking := c.thinking
	permissionMode := c.permissionMode
	modelMode := c.modelMode
	c.hbMu.Unlock()
	_ = c.emit("session-alive", map[string]any{
		"sid":            c.opts.SessionID,
		"time":           now,
		"thinking":       &thinking,
		"permissionMode": permissionMode,
		"modelMode":      modelMode,
	})
}

func (c *Client) handleEvent(ctx context.Context, pkt wire.EventPacket) {
	switch pkt.Event {
	case "rpc-request":
		c.handleRPCRequest(ctx, pkt)
	case "update":
		c.handleUpdate(ctx, pkt)
	case "error":
		log.Printf("client: server error event: %s", firstArg(pkt))
	}
}

func firstArg(pkt wire.EventPacket) string {
	if len(pkt.Args) == 0 {
		return ""
	}
	return string(pkt.Args[0])
}

func (c *Client) handleRPCRequest(ctx context.Context, pkt wire.EventPacket) {
	if pkt.ID == nil || len(pkt.Args) < 1 {
		return
	}
	var body struct {
		Method string `json:"method"`
		Params string `json:"params"`
	}
	if json.Unmarshal(pkt.Args[0], &body) != nil {
		return
	}

	// The hub addresses handlers by the full capability key.
	method := body.Method
	if i := strings.LastIndexByte(method, ':'); i >= 0 {
		method = method[i+1:]
	}
	c.handlersMu.RLock()
	h := c.handlers[method]
	c.handlersMu.RUnlock()

	id := *pkt.ID
	go func() {
		if h == nil {
			c.sendAck(id, map[string]any{"ok": false, "error": "unknown method"})
			return
		}
		result, err := h(ctx, body.Params)
		if err != nil {
			c.sendAck(id, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		c.sendAck(id, map[string]any{"ok": true, "result": result})
	}()
}

func (c *Client) sendAck(id int, args ...any) {
	payload, err := wire.BuildAck("/", id, args...)
	if err != nil {
		return
	}
	_ = c.write(context.Background(), string(wire.EngineMessage)+payload)
}

// emit sends a fire-and-forget event.
func (c *Client) emit(event string, arg any) error {
	payload, err := wire.BuildEvent("/", nil, event, arg)
	if err != nil {
		return err
	}
	return c.write(context.Background(), string(wire.EngineMessage)+payload)
}

// emitWithAck sends an event and waits for the correlated ack, bounded by ctx.
func (c *Client) emitWithAck(ctx context.Context, event string, arg any) ([]json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan []json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	drop := func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}

	payload, err := wire.BuildEvent("/", &id, event, arg)
	if err != nil {
		drop()
		return nil, err
	}
	if err := c.write(ctx, string(wire.EngineMessage)+payload); err != nil {
		drop()
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
}

func (c *Client) resolveAck(id int, args []json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- args:
	default:
	}
}

func (c *Client) write(ctx context.Context, msg string) error {
	c.connMu.Lock()
	ws := c.ws
	c.connMu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, []byte(msg))
}

func (c *Client) readFrame(ctx context.Context) (string, error) {
	c.connMu.Lock()
	ws := c.ws
	c.connMu.Unlock()
	if ws == nil {
		return "", fmt.Errorf("not connected")
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *Client) isConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected
}

func (c *Client) consumeHandshake() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	v := c.handshook
	c.handshook = false
	return v
}

func (c *Client) setDisconnected() {
	c.connMu.Lock()
	c.ws = nil
	c.connected = false
	c.connMu.Unlock()

	c.ackMu.Lock()
	for id, ch := range c.pendingAck {
		close(ch)
		delete(c.pendingAck, id)
	}
	c.ackMu.Unlock()
}

// Shutdown flushes in-flight writes before disconnecting. Each step gets its
/// own slice of ctx's deadline: drain the metadata lock, drain the state lock,
// then confirm the hub is still reachable with one correlated ping. A step
// that cannot finish inside its slice is skipped rather than retried, so one
// stuck mutation cannot starve the rest of the flush; the socket is closed
// regardless.
func (c *Client) Shutdown(ctx context.Context) error {
	slice := flushSlice(ctx)

	mdCtx, mdCancel := context.WithTimeout(ctx, slice)
	if err := c.metadata.lockCtx(mdCtx); err == nil {
		defer c.metadata.unlock()
	} else {
		log.Printf("client: shutdown: metadata drain skipped: %v", err)
	}
	mdCancel()

	asCtx, asCancel := context.WithTimeout(ctx, slice)
	if err := c.agentState.lockCtx(asCtx); err == nil {
		defer c.agentState.unlock()
	} else {
		log.Printf("client: shutdown: state drain skipped: %v", err)
	}
	asCancel()

	if c.isConnected() {
		pingCtx, pingCancel := context.WithTimeout(ctx, slice)
		if _, err := c.emitWithAck(pingCtx, "ping", map[string]any{}); err != nil {
			log.Printf("client: shutdown: flush ping: %v", err)
		}
		pingCancel()
	}

	c.connMu.Lock()
	ws := c.ws
	c.connMu.Unlock()
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

// flushSlice divides the remaining deadline evenly across the three flush
// steps; with no deadline each step gets a fixed bound.
func flushSlice(ctx context.Context) time.Duration {
	const steps = 3
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining > 0 {
			return remaining / steps
		}
		return 0
	}
	return 5 * time.Second
}

func httpToWS(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
