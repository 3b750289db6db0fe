package client

import (
	"context"
	"testing"
	"time"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Token: "t", SessionID: "s"}); err == nil {
		t.Fatalf("missing base url must fail")
	}
	if _, err := New(Options{BaseURL: "http://x", SessionID: "s"}); err == nil {
		t.Fatalf("missing token must fail")
	}
	if _, err := New(Options{BaseURL: "http://x", Token: "t"}); err == nil {
		t.Fatalf("neither session nor machine id must fail")
	}
	if _, err := New(Options{BaseURL: "http://x", Token: "t", SessionID: "s", MachineID: "m"}); err == nil {
		t.Fatalf("both session and machine id must fail")
	}
	if _, err := New(Options{BaseURL: "http://x", Token: "t", SessionID: "s"}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestHTTPToWS(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000":   "ws://localhost:3000",
		"http://localhost:3000/":  "ws://localhost:3000",
		"https://hub.example.com": "wss://hub.example.com",
		"ws://already":            "ws://already",
	}
	for in, want := range cases {
		if got := httpToWS(in); got != want {
			t.Fatalf("httpToWS(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMirrorField_LockSemantics(t *testing.T) {
	var f mirrorField[string]

	f.lock()
	if f.tryLock() {
		t.Fatalf("tryLock must fail while held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.lockCtx(ctx); err == nil {
		t.Fatalf("lockCtx must respect the deadline while held")
	}

	f.unlock()
	if !f.tryLock() {
		t.Fatalf("tryLock must succeed when free")
	}
	f.unlock()
}

func TestSeedMetadata_StaleSeedIgnored(t *testing.T) {
	c, err := New(Options{BaseURL: "http://x", Token: "t", SessionID: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.SeedMetadata(`{"v":2}`, 2)
	c.SeedMetadata(`{"v":1}`, 1)
	if value, version := c.Metadata(); value != `{"v":2}` || version != 2 {
		t.Fatalf("stale seed applied: %q v%d", value, version)
	}

	c.SeedMetadata(`{"v":3}`, 3)
	if value, version := c.Metadata(); value != `{"v":3}` || version != 3 {
		t.Fatalf("newer seed not applied: %q v%d", value, version)
	}
}

func TestTrySeed_SkipsWhileLocked(t *testing.T) {
	c, err := New(Options{BaseURL: "http://x", Token: "t", SessionID: "s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.metadata.lock()
	c.trySeedMetadata(`{"v":1}`, 1)
	c.metadata.unlock()
	if value, version := c.Metadata(); value != "" || version != 0 {
		t.Fatalf("seed must be skipped while the field is locked: %q v%d", value, version)
	}

	c.trySeedMetadata(`{"v":1}`, 1)
	if value, version := c.Metadata(); value != `{"v":1}` || version != 1 {
		t.Fatalf("seed not applied when free: %q v%d", value, version)
	}
}

// A successful handshake arms the flag exactly once, so the reconnect loop
// returns to the base delay instead of keeping an hours-old doubled backoff.
func TestReconnectBackoffResetsAfterHandshake(t *testing.T) {
	c, err := New(Options{BaseURL: "http://x", Token: "t", MachineID: "m1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.consumeHandshake() {
		t.Fatalf("flag must start clear")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.onConnected(ctx)

	if !c.consumeHandshake() {
		t.Fatalf("handshake must arm the reset flag")
	}
	if c.consumeHandshake() {
		t.Fatalf("flag must clear once consumed")
	}
}

func TestGrowBackoff_Caps(t *testing.T) {
	d := mutateBackoff
	for i := 0; i < 10; i++ {
		d = growBackoff(d)
	}
	if d != time.Second {
		t.Fatalf("backoff must cap at 1s, got %v", d)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
