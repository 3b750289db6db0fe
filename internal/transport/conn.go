package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agent-relay/internal/wire"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 25 * time.Second
	pongTimeout  = 20 * time.Second
)

// Client scopes: observers see a whole namespace, edge clients bind to the
// one session or machine they own.
const (
	ScopeUser    = "user-scoped"
	ScopeSession = "session-scoped"
	ScopeMachine = "machine-scoped"
)

type conn struct {
	ws *websocket.Conn

	sid string

	connected atomic.Bool

	namespace string
	scope     string
	sessionID string
	machineID string

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int
	pendingAck map[int]chan []json.RawMessage

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		pendingAck: make(map[int]chan []json.RawMessage),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		awaiting := c.awaitingPong
		pingSentAt := c.pingSentAt
		nextPingAt := c.nextPingAt
		if awaiting && now.Sub(pingSentAt) > pongTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !awaiting && !now.Before(nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(wire.EnginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}

func (c *conn) writeSocketError(msg string) error {
	packet, err := wire.BuildEvent("/", nil, "error", map[string]string{"message": msg})
	if err != nil {
		return err
	}
	return c.writeText(string(wire.EngineMessage) + packet)
}

func (c *conn) emitWithAck(ctx context.Context, event string, arg any) ([]json.RawMessage, error) {
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

	packet, err := wire.BuildEvent("/", &id, event, arg)
	if err != nil {
		drop()
		return nil, err
	}
	if err := c.writeText(string(wire.EngineMessage) + packet); err != nil {
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

func (c *conn) resolveAck(id int, args []json.RawMessage) {
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

type rpcEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Request implements rpc.Conn: one correlated rpc-request exchange over this
// connection, bounded by ctx.
func (c *conn) Request(ctx context.Context, method, params string) (json.RawMessage, error) {
	resp, err := c.emitWithAck(ctx, "rpc-request", map[string]string{"method": method, "params": params})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.New("empty rpc response")
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(resp[0], &shape); err != nil {
		// Handlers predating the envelope answer with the bare value.
		return resp[0], nil
	}
	if _, hasOK := shape["ok"]; !hasOK {
		return resp[0], nil
	}
	var env rpcEnvelope
	if err := json.Unmarshal(resp[0], &env); err != nil {
		return resp[0], nil
	}
	if !env.OK {
		if env.Error == "" {
			env.Error = "rpc handler failed"
		}
		return nil, fmt.Errorf("rpc: %s", env.Error)
	}
	return env.Result, nil
}
