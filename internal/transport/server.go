// Package transport is the hub side of the duplex channel: websocket
// upgrade, connect-time auth, room membership, reverse-RPC capability
// registration, and fan-out of publisher events to live observers.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agent-relay/internal/auth"
	"agent-relay/internal/model"
	"agent-relay/internal/rpc"
	syncengine "agent-relay/internal/sync"
	"agent-relay/internal/wire"
)

const maxPayload int64 = 1000000

type Deps struct {
	Engine      *syncengine.Engine
	TokenConfig auth.TokenConfig
}

type Server struct {
	engine      *syncengine.Engine
	tokenConfig auth.TokenConfig

	upgrader websocket.Upgrader

	updateSeq int64

	mu            sync.RWMutex
	roomNamespace map[string]map[*conn]struct{}
	roomSessions  map[string]map[*conn]struct{}
	roomMachines  map[string]map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	s := &Server{
		engine:      deps.Engine,
		tokenConfig: deps.TokenConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		roomNamespace: make(map[string]map[*conn]struct{}),
		roomSessions:  make(map[string]map[*conn]struct{}),
		roomMachines:  make(map[string]map[*conn]struct{}),
	}
	deps.Engine.Publisher.Subscribe(s.fanOut)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	defer s.unregisterConn(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pongTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(wire.EngineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) unregisterConn(c *conn) {
	s.mu.Lock()
	if c.namespace != "" {
		if c.scope == ScopeUser {
			s.leaveRoom(s.roomNamespace, c.namespace, c)
		}
		if c.sessionID != "" {
			s.leaveRoom(s.roomSessions, c.sessionID, c)
		}
		if c.machineID != "" {
			s.leaveRoom(s.roomMachines, c.machineID, c)
		}
	}
	s.mu.Unlock()

	// Capabilities die with the connection generation; a reconnect must
	// re-announce before any call can reach the client again.
	s.engine.Gateway.DropConn(c)
	// Teardown can be reached twice for one conn (broadcast failure and the
	// read-loop defer); only the first pass emits.
	if c.connected.CompareAndSwap(true, false) {
		s.emitConnectionChanged(c, false)
	}
	c.close()
}

func (s *Server) emitConnectionChanged(c *conn, connected bool) {
	switch c.scope {
	case ScopeSession:
		s.engine.Publisher.Emit(model.SyncEvent{
			Type: model.EventConnectionChanged, Namespace: c.namespace,
			SessionID: c.sessionID, Connected: connected,
		})
	case ScopeMachine:
		s.engine.Publisher.Emit(model.SyncEvent{
			Type: model.EventConnectionChanged, Namespace: c.namespace,
			MachineID: c.machineID, Connected: connected,
		})
	}
}

func (s *Server) joinRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	if key == "" {
		return
	}
	set, ok := rooms[key]
	if !ok {
		set = make(map[*conn]struct{})
		rooms[key] = set
	}
	set[c] = struct{}{}
}

func (s *Server) leaveRoom(rooms map[string]map[*conn]struct{}, key string, c *conn) {
	set, ok := rooms[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(rooms, key)
	}
}

func (s *Server) broadcastToRoom(rooms map[string]map[*conn]struct{}, key string, payload string) {
	if key == "" {
		return
	}

	s.mu.RLock()
	set, ok := rooms[key]
	if !ok {
		s.mu.RUnlock()
		return
	}
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeText(string(wire.EngineMessage) + payload); err != nil {
			// Tear down off the dispatch path; unregisterConn emits a
			// connection-changed event of its own.
			go s.unregisterConn(c)
		}
	}
}

// fanOut turns one publisher event into update frames for the rooms that can
// see it. Delivery is at-most-once per connection generation; clients
// reconcile by explicit fetch after reconnect.
func (s *Server) fanOut(ev model.SyncEvent) {
	body := encodeEventBody(ev)
	if body == nil {
		return
	}
	seq := atomic.AddInt64(&s.updateSeq, 1)
	payload, err := wire.BuildEvent("/", nil, "update", map[string]any{
		"id":        uuid.NewString(),
		"seq":       seq,
		"createdAt": time.Now().UnixMilli(),
		"body":      body,
	})
	if err != nil {
		return
	}

	s.broadcastToRoom(s.roomNamespace, ev.Namespace, payload)
	if ev.SessionID != "" {
		s.broadcastToRoom(s.roomSessions, ev.SessionID, payload)
	}
	if ev.MachineID != "" {
		s.broadcastToRoom(s.roomMachines, ev.MachineID, payload)
	}
}

type connectAuth struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	SessionID  string `json:"sessionId"`
	MachineID  string `json:"machineId"`
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch wire.EngineType(msg[0]) {
	case wire.EnginePong:
		c.markPong()
	case wire.EngineMessage:
		s.handleSocketPayload(c, msg[1:])
	case wire.EngineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch wire.SocketType(payload[0]) {
	case wire.SocketConnect:
		s.handleConnect(c, payload)
	case wire.SocketEvent:
		s.handleEvent(c, payload)
	case wire.SocketAck:
		ack, err := wire.ParseAck(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	}
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := wire.ParseNamespace(payload[1:])
	if rest == "" {
		_ = c.writeSocketError("Missing auth")
		c.close()
		return
	}

	var authObj connectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		_ = c.writeSocketError("Invalid auth")
		c.close()
		return
	}
	if authObj.Token == "" {
		_ = c.writeSocketError("Missing token")
		c.close()
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.Namespace == "" {
		_ = c.writeSocketError("Invalid authentication token")
		c.close()
		return
	}

	switch authObj.ClientType {
	case ScopeUser, ScopeSession, ScopeMachine:
	default:
		_ = c.writeSocketError("Invalid client type")
		c.close()
		return
	}

	if authObj.ClientType == ScopeSession {
		if authObj.SessionID == "" {
			_ = c.writeSocketError("Missing sessionId")
			c.close()
			return
		}
		if _, ok := s.engine.Sessions.GetByNamespace(authObj.SessionID, claims.Namespace); !ok {
			_ = c.writeSocketError("Session not found")
			c.close()
			return
		}
	}
	if authObj.ClientType == ScopeMachine {
		if authObj.MachineID == "" {
			_ = c.writeSocketError("Missing machineId")
			c.close()
			return
		}
		if _, ok := s.engine.Machines.GetByNamespace(authObj.MachineID, claims.Namespace); !ok {
			_ = c.writeSocketError("Machine not found")
			c.close()
			return
		}
	}

	c.namespace = claims.Namespace
	c.scope = authObj.ClientType
	c.sessionID = authObj.SessionID
	c.machineID = authObj.MachineID
	c.connected.Store(true)

	s.mu.Lock()
	if c.scope == ScopeUser {
		s.joinRoom(s.roomNamespace, c.namespace, c)
	}
	if c.sessionID != "" {
		s.joinRoom(s.roomSessions, c.sessionID, c)
	}
	if c.machineID != "" {
		s.joinRoom(s.roomMachines, c.machineID, c)
	}
	s.mu.Unlock()

	_ = c.writeText(string(wire.EngineMessage) + string(wire.SocketConnect))
	s.emitConnectionChanged(c, true)
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := wire.ParseEvent(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		if pkt.ID != nil {
			s.ack(c, pkt)
		}
	case "rpc-register":
		s.handleRPCRegister(c, pkt, true)
	case "rpc-unregister":
		s.handleRPCRegister(c, pkt, false)
	case "rpc-call":
		s.handleRPCCall(c, pkt)
	case "message":
		s.handleSessionMessage(c, pkt)
	case "update-metadata":
		s.handleSessionMetadataUpdate(c, pkt)
	case "update-state":
		s.handleSessionStateUpdate(c, pkt)
	case "machine-update-metadata":
		s.handleMachineMetadataUpdate(c, pkt)
	case "machine-update-state":
		s.handleMachineStateUpdate(c, pkt)
	case "session-alive":
		s.handleSessionAlive(c, pkt)
	case "machine-alive":
		s.handleMachineAlive(c, pkt)
	case "session-end":
		s.handleSessionEnd(c, pkt)
	}
}

func (s *Server) ack(c *conn, pkt wire.EventPacket, args ...any) {
	if pkt.ID == nil {
		return
	}
	payload, err := wire.BuildAck(pkt.Namespace, *pkt.ID, args...)
	if err != nil {
		return
	}
	_ = c.writeText(string(wire.EngineMessage) + payload)
}

// ownsEntity restricts capability registration to the entity the connection
// authenticated as.
func (c *conn) ownsEntity(entityID string) bool {
	switch c.scope {
	case ScopeSession:
		return entityID == c.sessionID
	case ScopeMachine:
		return entityID == c.machineID
	}
	return false
}

func (s *Server) handleRPCRegister(c *conn, pkt wire.EventPacket, register bool) {
	var body struct {
		Method string `json:"method"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
		return
	}
	entityID, method, ok := rpc.SplitKey(body.Method)
	if !ok || !c.ownsEntity(entityID) {
		log.Printf("transport: rejected rpc registration %q from %s conn", body.Method, c.scope)
		return
	}
	if register {
		s.engine.Gateway.Register(c, entityID, method)
	} else {
		s.engine.Gateway.Unregister(c, entityID, method)
	}
}

func (s *Server) handleRPCCall(c *conn, pkt wire.EventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		Method string `json:"method"`
		Params string `json:"params"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.Method == "" {
		return
	}
	entityID, method, ok := rpc.SplitKey(body.Method)
	if !ok {
		s.ack(c, pkt, map[string]any{"ok": false, "error": "Invalid method"})
		return
	}

	// The call can wait out the full gateway timeout; run it off the read
	// loop so the caller's pongs and other frames keep flowing.
	go func() {
		result, err := s.engine.CallEntity(context.Background(), c.namespace, entityID, method, body.Params)
		if err != nil {
			s.ack(c, pkt, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		s.ack(c, pkt, map[string]any{"ok": true, "result": result})
	}()
}

func (s *Server) handleSessionMessage(c *conn, pkt wire.EventPacket) {
	if c.scope != ScopeSession {
		return
	}
	var body struct {
		SID     string  `json:"sid"`
		Message string  `json:"message"`
		LocalID *string `json:"localId"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil {
		return
	}
	if body.SID == "" || body.SID != c.sessionID {
		return
	}

	if _, err := s.engine.Messages.Append(c.namespace, body.SID, body.Message, body.LocalID); err != nil {
		log.Printf("transport: append message %s: %v", body.SID, err)
	}
}

func (s *Server) handleSessionMetadataUpdate(c *conn, pkt wire.EventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string `json:"sid"`
		ExpectedVersion int    `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}

	status, version, value := s.engine.UpdateSessionMetadata(c.namespace, body.SID, body.ExpectedVersion, body.Metadata)
	s.ack(c, pkt, map[string]any{"result": status, "version": version, "metadata": value})
}

func (s *Server) handleSessionStateUpdate(c *conn, pkt wire.EventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		SID             string  `json:"sid"`
		ExpectedVersion int     `json:"expectedVersion"`
		AgentState      *string `json:"agentState"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}

	status, version, value := s.engine.UpdateSessionAgentState(c.namespace, body.SID, body.ExpectedVersion, body.AgentState)
	s.ack(c, pkt, map[string]any{"result": status, "version": version, "agentState": value})
}

func (s *Server) handleMachineMetadataUpdate(c *conn, pkt wire.EventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string `json:"machineId"`
		ExpectedVersion int    `json:"expectedVersion"`
		Metadata        string `json:"metadata"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
		return
	}

	status, version, value := s.engine.UpdateMachineMetadata(c.namespace, body.MachineID, body.ExpectedVersion, body.Metadata)
	s.ack(c, pkt, map[string]any{"result": status, "version": version, "metadata": value})
}

func (s *Server) handleMachineStateUpdate(c *conn, pkt wire.EventPacket) {
	if pkt.ID == nil {
		return
	}
	var body struct {
		MachineID       string  `json:"machineId"`
		ExpectedVersion int     `json:"expectedVersion"`
		RunnerState     *string `json:"runnerState"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
		return
	}

	status, version, value := s.engine.UpdateMachineRunnerState(c.namespace, body.MachineID, body.ExpectedVersion, body.RunnerState)
	s.ack(c, pkt, map[string]any{"result": status, "version": version, "runnerState": value})
}

func (s *Server) handleSessionAlive(c *conn, pkt wire.EventPacket) {
	var body struct {
		SID            string `json:"sid"`
		Time           int64  `json:"time"`
		Thinking       *bool  `json:"thinking"`
		PermissionMode string `json:"permissionMode"`
		ModelMode      string `json:"modelMode"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}
	s.engine.Sessions.Touch(c.namespace, body.SID, syncengine.Heartbeat{
		Time:           body.Time,
		Thinking:       body.Thinking,
		PermissionMode: body.PermissionMode,
		ModelMode:      body.ModelMode,
	})
}

func (s *Server) handleMachineAlive(c *conn, pkt wire.EventPacket) {
	var body struct {
		MachineID string `json:"machineId"`
		Time      int64  `json:"time"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.MachineID == "" {
		return
	}
	s.engine.Machines.Touch(c.namespace, body.MachineID, body.Time)
}

func (s *Server) handleSessionEnd(c *conn, pkt wire.EventPacket) {
	var body struct {
		SID string `json:"sid"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SID == "" {
		return
	}
	s.engine.Sessions.End(c.namespace, body.SID)
}
