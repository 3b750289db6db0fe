package sync

import (
	"testing"
	"time"

	"agent-relay/internal/model"
	"agent-relay/internal/store"
)

func newMachineCache(t *testing.T) (*MachineCache, *recorder) {
	t.Helper()
	pub := NewPublisher()
	rec := &recorder{}
	pub.Subscribe(rec.listen)
	c, err := NewMachineCache(store.NewMemory(), pub)
	if err != nil {
		t.Fatalf("NewMachineCache: %v", err)
	}
	return c, rec
}

func TestMachineCache_UpsertCreatesAndUpdates(t *testing.T) {
	c, rec := newMachineCache(t)

	m, created, err := c.Upsert("ns1", "m1", `{"host":"a"}`, nil)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if m.MetadataVersion != 1 {
		t.Fatalf("expected metadata version 1, got %d", m.MetadataVersion)
	}
	if rec.count(model.EventMachineUpdated) != 1 {
		t.Fatalf("expected machine-updated on create")
	}

	same, created, err := c.Upsert("ns1", "m1", `{"host":"a"}`, nil)
	if err != nil || created {
		t.Fatalf("idempotent upsert: created=%v err=%v", created, err)
	}
	if same.MetadataVersion != 1 {
		t.Fatalf("unchanged metadata must not bump version")
	}
	if rec.count(model.EventMachineUpdated) != 1 {
		t.Fatalf("unchanged upsert must not emit")
	}

	changed, _, err := c.Upsert("ns1", "m1", `{"host":"b"}`, nil)
	if err != nil {
		t.Fatalf("changed upsert: %v", err)
	}
	if changed.MetadataVersion != 2 {
		t.Fatalf("expected version 2, got %d", changed.MetadataVersion)
	}
}

func TestMachineCache_UpsertForeignNamespace(t *testing.T) {
	c, _ := newMachineCache(t)
	if _, _, err := c.Upsert("ns1", "m1", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := c.Upsert("ns2", "m1", "", nil); err == nil {
		t.Fatalf("machine id must be owned by its first namespace")
	}
}

func TestMachineCache_ApplyRunnerState(t *testing.T) {
	c, _ := newMachineCache(t)
	c.Upsert("ns1", "m1", "", nil)

	state := `{"status":"running"}`
	m, err := c.ApplyRunnerState("m1", &state)
	if err != nil {
		t.Fatalf("ApplyRunnerState: %v", err)
	}
	if m.RunnerStateVersion != 1 || m.RunnerState == nil || *m.RunnerState != state {
		t.Fatalf("unexpected runner state: %+v", m)
	}
}

func TestMachineCache_TouchAndExpire(t *testing.T) {
	c, rec := newMachineCache(t)
	now := int64(100000)
	c.nowFn = func() int64 { return now }

	c.Upsert("ns1", "m1", "", nil)
	base := rec.count(model.EventMachineUpdated)

	if !c.Touch("ns1", "m1", now) {
		t.Fatalf("touch failed")
	}
	if rec.count(model.EventMachineUpdated) != base+1 {
		t.Fatalf("offline -> online flip must emit")
	}

	c.Touch("ns1", "m1", now)
	if rec.count(model.EventMachineUpdated) != base+1 {
		t.Fatalf("steady heartbeats must not emit")
	}

	online := c.ListActive("ns1")
	if len(online) != 1 {
		t.Fatalf("expected 1 online machine, got %d", len(online))
	}

	now += 31_000
	if n := c.ExpireInactive(30 * time.Second); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if len(c.ListActive("ns1")) != 0 {
		t.Fatalf("expired machine must not list as active")
	}
}

func TestMachineCache_ResolveAccess(t *testing.T) {
	c, _ := newMachineCache(t)
	c.Upsert("ns1", "m1", "", nil)

	if got := c.ResolveAccess("m1", "ns1"); got.Status != AccessOK {
		t.Fatalf("expected ok, got %v", got.Status)
	}
	if got := c.ResolveAccess("m1", "ns2"); got.Status != AccessDenied {
		t.Fatalf("expected denied, got %v", got.Status)
	}
	if got := c.ResolveAccess("nope", "ns1"); got.Status != AccessNotFound {
		t.Fatalf("expected not-found, got %v", got.Status)
	}
}
