package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"agent-relay/internal/model"
	"agent-relay/internal/store"
)

// MachineCache mirrors SessionCache for machine rows. Same layering rule:
// versioned setters are last-writer-wins; the RPC boundary rejects stale
// writers.
type MachineCache struct {
	mu   sync.RWMutex
	rows map[string]model.Machine

	store store.Store
	pub   *Publisher
	nowFn func() int64
}

func NewMachineCache(st store.Store, pub *Publisher) (*MachineCache, error) {
	c := &MachineCache{
		rows:  make(map[string]model.Machine),
		store: st,
		pub:   pub,
		nowFn: func() int64 { return time.Now().UnixMilli() },
	}
	machines, err := st.ListAllMachines()
	if err != nil {
		return nil, fmt.Errorf("load machines: %w", err)
	}
	for _, m := range machines {
		c.rows[m.ID] = m
	}
	return c, nil
}

func (c *MachineCache) Get(id string) (model.Machine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.rows[id]
	return m, ok
}

func (c *MachineCache) GetByNamespace(id, namespace string) (model.Machine, bool) {
	m, ok := c.Get(id)
	if !ok || m.Namespace != namespace {
		return model.Machine{}, false
	}
	return m, true
}

func (c *MachineCache) ResolveAccess(id, namespace string) MachineAccess {
	m, ok := c.Get(id)
	if !ok {
		return MachineAccess{Status: AccessNotFound}
	}
	if m.Namespace != namespace {
		return MachineAccess{Status: AccessDenied}
	}
	return MachineAccess{Status: AccessOK, Machine: m}
}

func (c *MachineCache) List(namespace string) []model.Machine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]model.Machine, 0)
	for _, m := range c.rows {
		if m.Namespace == namespace {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

// ListActive returns the currently-online machines of a namespace, the
// candidate pool for the resume saga's target selection.
func (c *MachineCache) ListActive(namespace string) []model.Machine {
	all := c.List(namespace)
	result := all[:0]
	for _, m := range all {
		if m.Active {
			result = append(result, m)
		}
	}
	return result
}

// Upsert is the idempotent registration path for a runner. The machine id is
// client-chosen (stable per host), so ownership is checked against the
// namespace rather than generated.
func (c *MachineCache) Upsert(namespace, id, metadata string, runnerState *string) (model.Machine, bool, error) {
	if namespace == "" || id == "" {
		return model.Machine{}, false, fmt.Errorf("namespace and machine id required")
	}

	c.mu.Lock()
	now := c.nowFn()
	if m, ok := c.rows[id]; ok {
		if m.Namespace != namespace {
			c.mu.Unlock()
			return model.Machine{}, false, fmt.Errorf("machine belongs to another namespace")
		}
		changed := false
		if metadata != "" && metadata != m.Metadata {
			m.Metadata = metadata
			m.MetadataVersion++
			changed = true
		}
		if runnerState != nil && (m.RunnerState == nil || *m.RunnerState != *runnerState) {
			m.RunnerState = runnerState
			m.RunnerStateVersion++
			changed = true
		}
		if !changed {
			c.mu.Unlock()
			return m, false, nil
		}
		m.Seq++
		m.UpdatedAt = now
		if err := c.store.PutMachine(m); err != nil {
			c.mu.Unlock()
			return model.Machine{}, false, err
		}
		c.rows[id] = m
		c.mu.Unlock()
		c.pub.Emit(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: namespace, MachineID: id, Machine: &m})
		return m, false, nil
	}

	metadataVersion := 0
	if metadata != "" {
		metadataVersion = 1
	}
	runnerStateVersion := 0
	if runnerState != nil {
		runnerStateVersion = 1
	}
	m := model.Machine{
		ID:                 id,
		Namespace:          namespace,
		Metadata:           metadata,
		MetadataVersion:    metadataVersion,
		RunnerState:        runnerState,
		RunnerStateVersion: runnerStateVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.store.PutMachine(m); err != nil {
		c.mu.Unlock()
		return model.Machine{}, false, err
	}
	c.rows[id] = m
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: namespace, MachineID: id, Machine: &m})
	return m, true, nil
}

func (c *MachineCache) Refresh(id string) (model.Machine, bool) {
	m, ok, err := c.store.GetMachine(id)
	if err != nil || !ok {
		return model.Machine{}, false
	}
	c.mu.Lock()
	c.rows[id] = m
	c.mu.Unlock()
	return m, true
}

func (c *MachineCache) ApplyMetadata(id, value string) (model.Machine, error) {
	return c.apply(id, func(m *model.Machine) {
		m.Metadata = value
		m.MetadataVersion++
	})
}

func (c *MachineCache) ApplyRunnerState(id string, value *string) (model.Machine, error) {
	return c.apply(id, func(m *model.Machine) {
		m.RunnerState = value
		m.RunnerStateVersion++
	})
}

func (c *MachineCache) apply(id string, mutate func(*model.Machine)) (model.Machine, error) {
	c.mu.Lock()
	m, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return model.Machine{}, store.ErrNotFound
	}
	mutate(&m)
	m.Seq++
	m.UpdatedAt = c.nowFn()
	if err := c.store.PutMachine(m); err != nil {
		c.mu.Unlock()
		return model.Machine{}, err
	}
	c.rows[id] = m
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: m.Namespace, MachineID: id, Machine: &m})
	return m, nil
}

func (c *MachineCache) Touch(namespace, id string, at int64) bool {
	c.mu.Lock()
	m, ok := c.rows[id]
	if !ok || m.Namespace != namespace {
		c.mu.Unlock()
		return false
	}
	now := c.nowFn()
	visible := !m.Active
	m.Active = true
	m.ActiveAt = at
	if m.ActiveAt == 0 {
		m.ActiveAt = now
	}
	m.Seq++
	m.UpdatedAt = now
	if err := c.store.PutMachine(m); err != nil {
		c.mu.Unlock()
		return false
	}
	c.rows[id] = m
	c.mu.Unlock()

	if visible {
		c.pub.Emit(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: namespace, MachineID: id, Machine: &m})
	}
	return true
}

func (c *MachineCache) ExpireInactive(window time.Duration) int {
	now := c.nowFn()
	cutoff := now - window.Milliseconds()

	c.mu.Lock()
	var expired []model.Machine
	for id, m := range c.rows {
		if !m.Active || m.ActiveAt > cutoff {
			continue
		}
		m.Active = false
		m.Seq++
		m.UpdatedAt = now
		if err := c.store.PutMachine(m); err != nil {
			continue
		}
		c.rows[id] = m
		expired = append(expired, m)
	}
	c.mu.Unlock()

	for i := range expired {
		m := expired[i]
		c.pub.Emit(model.SyncEvent{Type: model.EventMachineUpdated, Namespace: m.Namespace, MachineID: m.ID, Machine: &m})
	}
	return len(expired)
}

func (c *MachineCache) Namespace(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.rows[id]
	if !ok {
		return "", false
	}
	return m.Namespace, true
}
