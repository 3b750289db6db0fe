package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"agent-relay/internal/rpc"
	"agent-relay/internal/store"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(store.NewMemory(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngine_UpdateSessionMetadata(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", `{"v":1}`, nil)

	status, version, value := e.UpdateSessionMetadata("ns1", sess.ID, sess.MetadataVersion, `{"v":2}`)
	if status != UpdateSuccess {
		t.Fatalf("expected success, got %s", status)
	}
	if version != sess.MetadataVersion+1 || value != `{"v":2}` {
		t.Fatalf("unexpected result: version=%d value=%q", version, value)
	}
}

func TestEngine_UpdateSessionMetadataMismatch(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", `{"v":1}`, nil)

	status, version, value := e.UpdateSessionMetadata("ns1", sess.ID, sess.MetadataVersion+5, `{"v":2}`)
	if status != UpdateVersionMismatch {
		t.Fatalf("expected mismatch, got %s", status)
	}
	if version != sess.MetadataVersion || value != `{"v":1}` {
		t.Fatalf("mismatch must return the authoritative value: version=%d value=%q", version, value)
	}
}

func TestEngine_UpdateNotFoundCollapsesAccessFailures(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", "", nil)

	if status, _, _ := e.UpdateSessionMetadata("ns1", "missing", 0, "x"); status != UpdateNotFound {
		t.Fatalf("expected not-found for missing id, got %s", status)
	}
	if status, _, _ := e.UpdateSessionMetadata("ns2", sess.ID, 0, "x"); status != UpdateNotFound {
		t.Fatalf("foreign namespace must look identical to missing, got %s", status)
	}
}

// Exactly one of N concurrent writers carrying the same expectedVersion may
// win; every loser gets a mismatch with the winner's version.
func TestEngine_ConcurrentWritersOneWins(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", `{"v":0}`, nil)

	const writers = 16
	var wg sync.WaitGroup
	results := make([]string, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, _, _ := e.UpdateSessionMetadata("ns1", sess.ID, sess.MetadataVersion, fmt.Sprintf(`{"writer":%d}`, i))
			results[i] = status
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, status := range results {
		switch status {
		case UpdateSuccess:
			wins++
		case UpdateVersionMismatch:
		default:
			t.Fatalf("unexpected status %q", status)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}

	got := e.Sessions.ResolveAccess(sess.ID, "ns1").Session
	if got.MetadataVersion != sess.MetadataVersion+1 {
		t.Fatalf("expected exactly one version bump, got %d", got.MetadataVersion)
	}
}

func TestEngine_UpdateMachineRunnerState(t *testing.T) {
	e := newEngine(t)
	m, _, _ := e.Machines.Upsert("ns1", "m1", "", nil)

	state := `{"status":"running"}`
	status, version, value := e.UpdateMachineRunnerState("ns1", "m1", m.RunnerStateVersion, &state)
	if status != UpdateSuccess || version != m.RunnerStateVersion+1 {
		t.Fatalf("expected success v%d, got %s v%d", m.RunnerStateVersion+1, status, version)
	}
	if value == nil || *value != state {
		t.Fatalf("unexpected value %v", value)
	}
}

// echoConn answers every request with a canned payload.
type echoConn struct {
	mu      sync.Mutex
	calls   []string
	payload json.RawMessage
	err     error
}

func (c *echoConn) Request(ctx context.Context, method, params string) (json.RawMessage, error) {
	c.mu.Lock()
	c.calls = append(c.calls, method+"|"+params)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.payload, nil
}

func (c *echoConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestEngine_CallSessionRequiresAccess(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", "", nil)
	conn := &echoConn{payload: json.RawMessage(`"done"`)}
	e.Gateway.Register(conn, sess.ID, "abort")

	if _, err := e.CallSession(context.Background(), "ns2", sess.ID, "abort", "{}"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign namespace must not reach the gateway, got %v", err)
	}
	if conn.callCount() != 0 {
		t.Fatalf("no call must have been made")
	}

	result, err := e.CallSession(context.Background(), "ns1", sess.ID, "abort", "{}")
	if err != nil || result != "done" {
		t.Fatalf("call: result=%q err=%v", result, err)
	}
}

func TestEngine_AbortSessionFailsFastWhenOffline(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", "", nil)

	err := e.AbortSession(context.Background(), "ns1", sess.ID)
	if !errors.Is(err, rpc.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestEngine_ApplySessionConfigAdoptsModes(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", "", nil)
	conn := &echoConn{payload: json.RawMessage(`"ok"`)}
	e.Gateway.Register(conn, sess.ID, "apply-config")

	if err := e.ApplySessionConfig(context.Background(), "ns1", sess.ID, "plan", "fast"); err != nil {
		t.Fatalf("ApplySessionConfig: %v", err)
	}
	got := e.Sessions.ResolveAccess(sess.ID, "ns1").Session
	if got.PermissionMode != "plan" || got.ModelMode != "fast" {
		t.Fatalf("modes not adopted: %+v", got)
	}
	if got.Active {
		t.Fatalf("config apply must not flip liveness")
	}
}

func TestEngine_RenameFallsBackToMetadataMerge(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", `{"name":"old","path":"/w"}`, nil)

	// No rename handler is registered: the hub merges the name itself.
	if err := e.RenameSession(context.Background(), "ns1", sess.ID, "new"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}

	got := e.Sessions.ResolveAccess(sess.ID, "ns1").Session
	var meta map[string]any
	if err := json.Unmarshal([]byte(got.Metadata), &meta); err != nil {
		t.Fatalf("metadata unreadable: %v", err)
	}
	if meta["name"] != "new" || meta["path"] != "/w" {
		t.Fatalf("expected merged metadata, got %v", meta)
	}
	if got.MetadataVersion != sess.MetadataVersion+1 {
		t.Fatalf("fallback must ride the versioned path")
	}
}

func TestEngine_RenamePrefersClientHandler(t *testing.T) {
	e := newEngine(t)
	sess, _, _ := e.Sessions.GetOrCreate("ns1", "tag1", `{"name":"old"}`, nil)
	conn := &echoConn{payload: json.RawMessage(`"ok"`)}
	e.Gateway.Register(conn, sess.ID, "rename")

	if err := e.RenameSession(context.Background(), "ns1", sess.ID, "new"); err != nil {
		t.Fatalf("RenameSession: %v", err)
	}
	if conn.callCount() != 1 {
		t.Fatalf("expected the client handler to receive the rename")
	}
	got := e.Sessions.ResolveAccess(sess.ID, "ns1").Session
	if got.Metadata != `{"name":"old"}` {
		t.Fatalf("hub must not touch metadata when the client owns the rename")
	}
}

func TestEngine_SpawnSessionParsesBothResponseShapes(t *testing.T) {
	e := newEngine(t)
	e.Machines.Upsert("ns1", "m1", "", nil)

	conn := &echoConn{payload: json.RawMessage(`"{\"sessionId\":\"s-new\"}"`)}
	e.Gateway.Register(conn, "m1", "spawn-session")
	id, err := e.SpawnSession(context.Background(), "ns1", "m1", "/work", "", "tok")
	if err != nil || id != "s-new" {
		t.Fatalf("envelope shape: id=%q err=%v", id, err)
	}

	bare := &echoConn{payload: json.RawMessage(`"s-bare"`)}
	e.Gateway.Register(bare, "m1", "spawn-session")
	id, err = e.SpawnSession(context.Background(), "ns1", "m1", "/work", "", "tok")
	if err != nil || id != "s-bare" {
		t.Fatalf("bare shape: id=%q err=%v", id, err)
	}
}
