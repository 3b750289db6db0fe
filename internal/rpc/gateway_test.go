package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type fakeConn struct {
	reply json.RawMessage
	block bool
	calls int
}

func (c *fakeConn) Request(ctx context.Context, method, params string) (json.RawMessage, error) {
	c.calls++
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.reply, nil
}

func TestGateway_CallNotRegistered(t *testing.T) {
	g := NewGateway(time.Second)

	start := time.Now()
	_, err := g.Call(context.Background(), "s1", "abort", "{}")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatalf("not-registered must fail fast, took %v", time.Since(start))
	}
}

func TestGateway_CallRoundTrip(t *testing.T) {
	g := NewGateway(time.Second)
	conn := &fakeConn{reply: json.RawMessage(`"pong"`)}
	g.Register(conn, "s1", "ping")

	result, err := g.Call(context.Background(), "s1", "ping", "{}")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != "pong" {
		t.Fatalf("expected decoded string result, got %q", result)
	}
}

func TestGateway_CallNonStringResultPassedRaw(t *testing.T) {
	g := NewGateway(time.Second)
	conn := &fakeConn{reply: json.RawMessage(`{"files":[]}`)}
	g.Register(conn, "s1", "ls")

	result, err := g.Call(context.Background(), "s1", "ls", "{}")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != `{"files":[]}` {
		t.Fatalf("expected raw JSON, got %q", result)
	}
}

func TestGateway_CallTimeout(t *testing.T) {
	g := NewGateway(50 * time.Millisecond)
	conn := &fakeConn{block: true}
	g.Register(conn, "s1", "slow")

	_, err := g.Call(context.Background(), "s1", "slow", "{}")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestGateway_NewestGenerationWins(t *testing.T) {
	g := NewGateway(time.Second)
	old := &fakeConn{reply: json.RawMessage(`"old"`)}
	fresh := &fakeConn{reply: json.RawMessage(`"fresh"`)}

	g.Register(old, "s1", "do")
	g.Register(fresh, "s1", "do")

	result, err := g.Call(context.Background(), "s1", "do", "{}")
	if err != nil || result != "fresh" {
		t.Fatalf("expected newest owner, got %q err=%v", result, err)
	}

	// Dropping the displaced connection must not take the key with it.
	g.DropConn(old)
	if !g.Registered("s1", "do") {
		t.Fatalf("key must survive the old generation's teardown")
	}
}

func TestGateway_UnregisterOnlyByOwner(t *testing.T) {
	g := NewGateway(time.Second)
	owner := &fakeConn{}
	other := &fakeConn{}
	g.Register(owner, "s1", "do")

	g.Unregister(other, "s1", "do")
	if !g.Registered("s1", "do") {
		t.Fatalf("non-owner must not unregister")
	}

	g.Unregister(owner, "s1", "do")
	if g.Registered("s1", "do") {
		t.Fatalf("owner unregister must clear the key")
	}
}

func TestGateway_DropConnClearsAll(t *testing.T) {
	g := NewGateway(time.Second)
	conn := &fakeConn{}
	g.Register(conn, "s1", "a")
	g.Register(conn, "s1", "b")

	g.DropConn(conn)
	if g.Registered("s1", "a") || g.Registered("s1", "b") {
		t.Fatalf("drop must clear every capability of the connection")
	}
}

func TestSplitKey(t *testing.T) {
	entity, method, ok := SplitKey("sess-1:abort")
	if !ok || entity != "sess-1" || method != "abort" {
		t.Fatalf("unexpected split: %q %q %v", entity, method, ok)
	}

	// Entity ids may themselves contain colons; the method is the last part.
	entity, method, ok = SplitKey("a:b:run")
	if !ok || entity != "a:b" || method != "run" {
		t.Fatalf("unexpected split: %q %q %v", entity, method, ok)
	}

	if _, _, ok := SplitKey("no-colon"); ok {
		t.Fatalf("missing separator must not split")
	}
	if _, _, ok := SplitKey("trailing:"); ok {
		t.Fatalf("empty method must not split")
	}
}
