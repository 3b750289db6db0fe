// Package rpc implements the hub side of reverse RPC: the caller (hub) did
// not open the transport connection, the callee (edge client) did, so calls
// are routed through a capability registry of "<entityId>:<method>" keys
// owned by the currently connected client.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotRegistered is returned without waiting: the owning client is
	// offline, the session ended, or the method never existed for that agent
	// flavor.
	ErrNotRegistered = errors.New("rpc: handler not registered")
	ErrTimeout       = errors.New("rpc: call timed out")
)

const DefaultCallTimeout = 30 * time.Second

// Conn is a connection handle capable of carrying one correlated
// request/response exchange. The transport layer implements it per websocket
// connection.
type Conn interface {
	Request(ctx context.Context, method, params string) (json.RawMessage, error)
}

// Gateway maps capability keys to the connection that can serve them. Keys
// are tied to a connection generation: a reconnecting client must re-announce
// its handlers before any call can reach it again.
type Gateway struct {
	mu      sync.RWMutex
	owners  map[string]Conn
	byConn  map[Conn]map[string]struct{}
	timeout time.Duration
}

func NewGateway(timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Gateway{
		owners:  make(map[string]Conn),
		byConn:  make(map[Conn]map[string]struct{}),
		timeout: timeout,
	}
}

func Key(entityID, method string) string {
	return entityID + ":" + method
}

// SplitKey separates a capability key back into entity id and method name.
func SplitKey(key string) (entityID, method string, ok bool) {
	i := strings.LastIndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// Register claims a capability for conn, displacing any previous owner (the
// newest connection generation wins).
func (g *Gateway) Register(conn Conn, entityID, method string) {
	key := Key(entityID, method)
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.owners[key]; ok && prev != conn {
		delete(g.byConn[prev], key)
	}
	g.owners[key] = conn
	if g.byConn[conn] == nil {
		g.byConn[conn] = make(map[string]struct{})
	}
	g.byConn[conn][key] = struct{}{}
}

// Unregister drops one capability, but only if conn still owns it.
func (g *Gateway) Unregister(conn Conn, entityID, method string) {
	key := Key(entityID, method)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.owners[key] != conn {
		return
	}
	delete(g.owners, key)
	delete(g.byConn[conn], key)
}

// DropConn clears every capability of a disconnecting connection.
func (g *Gateway) DropConn(conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key := range g.byConn[conn] {
		if g.owners[key] == conn {
			delete(g.owners, key)
		}
	}
	delete(g.byConn, conn)
}

// Registered reports whether any connection currently serves the capability.
func (g *Gateway) Registered(entityID, method string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.owners[Key(entityID, method)]
	return ok
}

// Call routes a request to the connection owning entityID:method and waits
// for the correlated response under a bounded timeout. The response payload
// is string-encoded JSON by convention; when it is not, the raw value is
// returned as-is.
func (g *Gateway) Call(ctx context.Context, entityID, method, params string) (string, error) {
	g.mu.RLock()
	conn := g.owners[Key(entityID, method)]
	g.mu.RUnlock()
	if conn == nil {
		return "", ErrNotRegistered
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := conn.Request(ctx, Key(entityID, method), params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", err
	}

	var decoded string
	if json.Unmarshal(raw, &decoded) == nil {
		return decoded, nil
	}
	return string(raw), nil
}
