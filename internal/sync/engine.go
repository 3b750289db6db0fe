package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"agent-relay/internal/model"
	"agent-relay/internal/rpc"
	"agent-relay/internal/store"
)

// Versioned-update outcomes, spelled the way they travel on the wire.
const (
	UpdateSuccess         = "success"
	UpdateVersionMismatch = "version-mismatch"
	UpdateNotFound        = "not-found"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMachineNotFound = errors.New("machine not found")
)

// Config carries the engine's timing knobs.
type Config struct {
	InactivityWindow time.Duration
	SweepInterval    time.Duration
	RPCTimeout       time.Duration
	ResumeTimeout    time.Duration
	ResumePollEvery  time.Duration
}

func DefaultConfig() Config {
	return Config{
		InactivityWindow: 30 * time.Second,
		SweepInterval:    5 * time.Second,
		RPCTimeout:       rpc.DefaultCallTimeout,
		ResumeTimeout:    15 * time.Second,
		ResumePollEvery:  500 * time.Millisecond,
	}
}

// Engine composes the caches, the message log, the publisher, and the RPC
// gateway behind the one interface the transport and HTTP layers call.
type Engine struct {
	Sessions  *SessionCache
	Machines  *MachineCache
	Messages  *MessageService
	Publisher *Publisher
	Gateway   *rpc.Gateway

	cfg Config

	// Compare-and-swap for versioned updates happens here, one level above
	// the caches' last-writer-wins setters. One mutex per entity serializes
	// competing writers.
	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex
}

func NewEngine(st store.Store, cfg Config) (*Engine, error) {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	pub := NewPublisher()
	sessions, err := NewSessionCache(st, pub)
	if err != nil {
		return nil, err
	}
	machines, err := NewMachineCache(st, pub)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Sessions:    sessions,
		Machines:    machines,
		Messages:    NewMessageService(st, sessions, pub),
		Publisher:   pub,
		Gateway:     rpc.NewGateway(cfg.RPCTimeout),
		cfg:         cfg,
		entityLocks: make(map[string]*sync.Mutex),
	}
	pub.SetResolver(e.resolveNamespace)
	return e, nil
}

func (e *Engine) resolveNamespace(ev model.SyncEvent) (string, bool) {
	if ev.SessionID != "" {
		if ns, ok := e.Sessions.Namespace(ev.SessionID); ok {
			return ns, true
		}
	}
	if ev.MachineID != "" {
		if ns, ok := e.Machines.Namespace(ev.MachineID); ok {
			return ns, true
		}
	}
	return "", false
}

// Run drives the inactivity sweep until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sessions.ExpireInactive(e.cfg.InactivityWindow)
			e.Machines.ExpireInactive(e.cfg.InactivityWindow)
		}
	}
}

func (e *Engine) entityLock(key string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.entityLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.entityLocks[key] = mu
	}
	return mu
}

// UpdateSessionMetadata is the hub half of the versioned update protocol:
// accept iff expectedVersion matches the stored version, otherwise return
// the authoritative current value so the writer can reconcile without a
// second round trip.
func (e *Engine) UpdateSessionMetadata(namespace, sessionID string, expectedVersion int, value string) (status string, version int, current string) {
	mu := e.entityLock("s:" + sessionID)
	mu.Lock()
	defer mu.Unlock()

	access := e.Sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return UpdateNotFound, 0, ""
	}
	if expectedVersion != access.Session.MetadataVersion {
		return UpdateVersionMismatch, access.Session.MetadataVersion, access.Session.Metadata
	}
	sess, err := e.Sessions.ApplyMetadata(sessionID, value)
	if err != nil {
		log.Printf("sync: apply session metadata %s: %v", sessionID, err)
		return UpdateNotFound, 0, ""
	}
	return UpdateSuccess, sess.MetadataVersion, sess.Metadata
}

func (e *Engine) UpdateSessionAgentState(namespace, sessionID string, expectedVersion int, value *string) (status string, version int, current *string) {
	mu := e.entityLock("s:" + sessionID)
	mu.Lock()
	defer mu.Unlock()

	access := e.Sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return UpdateNotFound, 0, nil
	}
	if expectedVersion != access.Session.AgentStateVersion {
		return UpdateVersionMismatch, access.Session.AgentStateVersion, access.Session.AgentState
	}
	sess, err := e.Sessions.ApplyAgentState(sessionID, value)
	if err != nil {
		log.Printf("sync: apply session agent state %s: %v", sessionID, err)
		return UpdateNotFound, 0, nil
	}
	return UpdateSuccess, sess.AgentStateVersion, sess.AgentState
}

func (e *Engine) UpdateMachineMetadata(namespace, machineID string, expectedVersion int, value string) (status string, version int, current string) {
	mu := e.entityLock("m:" + machineID)
	mu.Lock()
	defer mu.Unlock()

	access := e.Machines.ResolveAccess(machineID, namespace)
	if access.Status != AccessOK {
		return UpdateNotFound, 0, ""
	}
	if expectedVersion != access.Machine.MetadataVersion {
		return UpdateVersionMismatch, access.Machine.MetadataVersion, access.Machine.Metadata
	}
	m, err := e.Machines.ApplyMetadata(machineID, value)
	if err != nil {
		log.Printf("sync: apply machine metadata %s: %v", machineID, err)
		return UpdateNotFound, 0, ""
	}
	return UpdateSuccess, m.MetadataVersion, m.Metadata
}

func (e *Engine) UpdateMachineRunnerState(namespace, machineID string, expectedVersion int, value *string) (status string, version int, current *string) {
	mu := e.entityLock("m:" + machineID)
	mu.Lock()
	defer mu.Unlock()

	access := e.Machines.ResolveAccess(machineID, namespace)
	if access.Status != AccessOK {
		return UpdateNotFound, 0, nil
	}
	if expectedVersion != access.Machine.RunnerStateVersion {
		return UpdateVersionMismatch, access.Machine.RunnerStateVersion, access.Machine.RunnerState
	}
	m, err := e.Machines.ApplyRunnerState(machineID, value)
	if err != nil {
		log.Printf("sync: apply machine runner state %s: %v", machineID, err)
		return UpdateNotFound, 0, nil
	}
	return UpdateSuccess, m.RunnerStateVersion, m.RunnerState
}

// CallSession is the generic reverse-RPC pass-through (file, git, and
// terminal operations ride on it).
func (e *Engine) CallSession(ctx context.Context, namespace, sessionID, method, params string) (string, error) {
	if e.Sessions.ResolveAccess(sessionID, namespace).Status != AccessOK {
		return "", ErrSessionNotFound
	}
	return e.Gateway.Call(ctx, sessionID, method, params)
}

func (e *Engine) CallMachine(ctx context.Context, namespace, machineID, method, params string) (string, error) {
	if e.Machines.ResolveAccess(machineID, namespace).Status != AccessOK {
		return "", ErrMachineNotFound
	}
	return e.Gateway.Call(ctx, machineID, method, params)
}

// CallEntity routes a call when the caller only knows the entity id, not
// whether it names a session or a machine. Both misses collapse to the same
// not-found error so tenancy never leaks.
func (e *Engine) CallEntity(ctx context.Context, namespace, entityID, method, params string) (string, error) {
	if e.Sessions.ResolveAccess(entityID, namespace).Status == AccessOK {
		return e.Gateway.Call(ctx, entityID, method, params)
	}
	if e.Machines.ResolveAccess(entityID, namespace).Status == AccessOK {
		return e.Gateway.Call(ctx, entityID, method, params)
	}
	return "", ErrSessionNotFound
}

func marshalParams(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ApprovePermission answers a pending permission request on the owning edge
// client. Duplicate delivery is safe: the client-side handler is idempotent
// per request id.
func (e *Engine) ApprovePermission(ctx context.Context, namespace, sessionID, requestID string, approved bool, mode string) error {
	params := marshalParams(map[string]any{"id": requestID, "approved": approved, "mode": mode})
	_, err := e.CallSession(ctx, namespace, sessionID, "permission", params)
	return err
}

func (e *Engine) AbortSession(ctx context.Context, namespace, sessionID string) error {
	_, err := e.CallSession(ctx, namespace, sessionID, "abort", "{}")
	return err
}

// SwitchSession switches the agent's operating mode on the edge client.
func (e *Engine) SwitchSession(ctx context.Context, namespace, sessionID, mode string) error {
	params := marshalParams(map[string]string{"mode": mode})
	_, err := e.CallSession(ctx, namespace, sessionID, "switch", params)
	return err
}

// ApplySessionConfig pushes permission/model mode to the edge client and, on
// success, adopts the modes into the hub's row.
func (e *Engine) ApplySessionConfig(ctx context.Context, namespace, sessionID, permissionMode, modelMode string) error {
	params := marshalParams(map[string]string{"permissionMode": permissionMode, "modelMode": modelMode})
	if _, err := e.CallSession(ctx, namespace, sessionID, "apply-config", params); err != nil {
		return err
	}
	e.Sessions.ApplyConfig(namespace, sessionID, permissionMode, modelMode)
	return nil
}

// RenameSession prefers asking the owning client (the writer of record for
// metadata) to rename itself; when no handler is connected the hub merges
// the name into the metadata through the normal versioned path, which a
// later client write will reconcile against.
func (e *Engine) RenameSession(ctx context.Context, namespace, sessionID, name string) error {
	params := marshalParams(map[string]string{"name": name})
	_, err := e.CallSession(ctx, namespace, sessionID, "rename", params)
	if err == nil {
		return nil
	}
	if !errors.Is(err, rpc.ErrNotRegistered) {
		return err
	}

	access := e.Sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return ErrSessionNotFound
	}
	meta := map[string]any{}
	if access.Session.Metadata != "" {
		if err := json.Unmarshal([]byte(access.Session.Metadata), &meta); err != nil {
			log.Printf("sync: rename %s: unparseable metadata kept as-is: %v", sessionID, err)
			return fmt.Errorf("session metadata unreadable")
		}
	}
	meta["name"] = name
	status, _, _ := e.UpdateSessionMetadata(namespace, sessionID, access.Session.MetadataVersion, marshalParams(meta))
	if status != UpdateSuccess {
		return fmt.Errorf("rename lost to a concurrent metadata write")
	}
	return nil
}

// DeleteSession hard-deletes an inactive session.
func (e *Engine) DeleteSession(namespace, sessionID string) error {
	access := e.Sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return ErrSessionNotFound
	}
	return e.Sessions.Delete(namespace, sessionID)
}

type spawnResponse struct {
	SessionID string `json:"sessionId"`
}

// SpawnSession asks a runner to start a new agent session and returns the id
// the runner reports.
func (e *Engine) SpawnSession(ctx context.Context, namespace, machineID, directory, agent, resumeToken string) (string, error) {
	params := marshalParams(map[string]string{
		"directory":   directory,
		"agent":       agent,
		"resumeToken": resumeToken,
	})
	result, err := e.CallMachine(ctx, namespace, machineID, "spawn-session", params)
	if err != nil {
		return "", err
	}
	var resp spawnResponse
	if err := json.Unmarshal([]byte(result), &resp); err != nil || resp.SessionID == "" {
		// Some runners answer with the bare session id.
		if result != "" && result[0] != '{' {
			return result, nil
		}
		return "", fmt.Errorf("spawn returned no session id")
	}
	return resp.SessionID, nil
}

// Toast fans out a transient notification to a namespace's observers.
func (e *Engine) Toast(namespace, title, body string) {
	e.Publisher.Emit(model.SyncEvent{Type: model.EventToast, Namespace: namespace, Title: title, Body: body})
}
