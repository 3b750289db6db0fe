package sync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-relay/internal/model"
	"agent-relay/internal/store"
)

// SessionCache is the authoritative in-memory projection of session rows.
// Reads are served from memory; the write path commits to the store first,
// then updates memory and emits an event. Versioned setters do NOT check an
// expectedVersion: compare-and-swap is enforced at the RPC boundary (see
// Engine), so setters here are last-writer-wins at the row level.
type SessionCache struct {
	mu    sync.RWMutex
	rows  map[string]model.Session
	byTag map[string]string // namespace + "|" + tag -> session id

	store store.Store
	pub   *Publisher
	nowFn func() int64
}

func NewSessionCache(st store.Store, pub *Publisher) (*SessionCache, error) {
	c := &SessionCache{
		rows:  make(map[string]model.Session),
		byTag: make(map[string]string),
		store: st,
		pub:   pub,
		nowFn: func() int64 { return time.Now().UnixMilli() },
	}
	sessions, err := st.ListAllSessions()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range sessions {
		c.rows[sess.ID] = sess
		c.byTag[tagKey(sess.Namespace, sess.Tag)] = sess.ID
	}
	return c, nil
}

func tagKey(namespace, tag string) string {
	return namespace + "|" + tag
}

func (c *SessionCache) Get(id string) (model.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted {
		return model.Session{}, false
	}
	return sess, true
}

// GetByNamespace returns nothing when the row's namespace differs; callers
// that must distinguish the two failures use ResolveAccess.
func (c *SessionCache) GetByNamespace(id, namespace string) (model.Session, bool) {
	sess, ok := c.Get(id)
	if !ok || sess.Namespace != namespace {
		return model.Session{}, false
	}
	return sess, true
}

// ResolveAccess never returns an error: access failures are values.
func (c *SessionCache) ResolveAccess(id, namespace string) SessionAccess {
	sess, ok := c.Get(id)
	if !ok {
		return SessionAccess{Status: AccessNotFound}
	}
	if sess.Namespace != namespace {
		return SessionAccess{Status: AccessDenied}
	}
	return SessionAccess{Status: AccessOK, Session: sess}
}

func (c *SessionCache) List(namespace string) []model.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]model.Session, 0)
	for _, sess := range c.rows {
		if sess.Namespace == namespace && !sess.Deleted {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

// GetOrCreate is the idempotent first-contact path for an edge client. An
// existing live row is returned as-is except that changed metadata or agent
// state is adopted with a version bump, matching a fresh client reporting
// newer local truth.
func (c *SessionCache) GetOrCreate(namespace, tag, metadata string, agentState *string) (model.Session, bool, error) {
	if namespace == "" || tag == "" {
		return model.Session{}, false, fmt.Errorf("namespace and tag required")
	}

	c.mu.Lock()
	now := c.nowFn()
	if id, ok := c.byTag[tagKey(namespace, tag)]; ok {
		sess := c.rows[id]
		if !sess.Deleted {
			changed := false
			if metadata != "" && metadata != sess.Metadata {
				sess.Metadata = metadata
				sess.MetadataVersion++
				changed = true
			}
			if agentState != nil && (sess.AgentState == nil || *sess.AgentState != *agentState) {
				sess.AgentState = agentState
				sess.AgentStateVersion++
				changed = true
			}
			if !changed {
				c.mu.Unlock()
				return sess, false, nil
			}
			sess.Seq++
			sess.UpdatedAt = now
			if err := c.store.PutSession(sess); err != nil {
				c.mu.Unlock()
				return model.Session{}, false, err
			}
			c.rows[id] = sess
			c.mu.Unlock()
			c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: namespace, SessionID: id, Session: &sess})
			return sess, false, nil
		}
		delete(c.byTag, tagKey(namespace, tag))
	}

	metadataVersion := 0
	if metadata != "" {
		metadataVersion = 1
	}
	agentStateVersion := 0
	if agentState != nil {
		agentStateVersion = 1
	}
	sess := model.Session{
		ID:                uuid.NewString(),
		Namespace:         namespace,
		Tag:               tag,
		Metadata:          metadata,
		MetadataVersion:   metadataVersion,
		AgentState:        agentState,
		AgentStateVersion: agentStateVersion,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.store.PutSession(sess); err != nil {
		c.mu.Unlock()
		return model.Session{}, false, err
	}
	c.rows[sess.ID] = sess
	c.byTag[tagKey(namespace, tag)] = sess.ID
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventSessionAdded, Namespace: namespace, SessionID: sess.ID, Session: &sess})
	return sess, true, nil
}

// Refresh reloads one row from the store, e.g. after an out-of-band write.
func (c *SessionCache) Refresh(id string) (model.Session, bool) {
	sess, ok, err := c.store.GetSession(id)
	if err != nil || !ok {
		return model.Session{}, false
	}
	c.mu.Lock()
	c.rows[id] = sess
	c.mu.Unlock()
	if sess.Deleted {
		return model.Session{}, false
	}
	return sess, true
}

// ApplyMetadata is the versioned setter: increments the stored version,
// persists, updates memory, and emits. The returned session carries the new
// version.
func (c *SessionCache) ApplyMetadata(id, value string) (model.Session, error) {
	return c.apply(id, func(sess *model.Session) {
		sess.Metadata = value
		sess.MetadataVersion++
	})
}

func (c *SessionCache) ApplyAgentState(id string, value *string) (model.Session, error) {
	return c.apply(id, func(sess *model.Session) {
		sess.AgentState = value
		sess.AgentStateVersion++
	})
}

func (c *SessionCache) apply(id string, mutate func(*model.Session)) (model.Session, error) {
	c.mu.Lock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted {
		c.mu.Unlock()
		return model.Session{}, store.ErrNotFound
	}
	mutate(&sess)
	sess.Seq++
	sess.UpdatedAt = c.nowFn()
	if err := c.store.PutSession(sess); err != nil {
		c.mu.Unlock()
		return model.Session{}, err
	}
	c.rows[id] = sess
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: sess.Namespace, SessionID: id, Session: &sess})
	return sess, nil
}

// Heartbeat is the per-tick liveness payload from an edge client.
type Heartbeat struct {
	Time           int64
	Thinking       *bool
	PermissionMode string
	ModelMode      string
}

// Touch refreshes activeAt from a heartbeat and flips the session active.
// It emits only when the visible state changed, so a steady stream of
// heartbeats does not flood subscribers.
func (c *SessionCache) Touch(namespace, id string, hb Heartbeat) bool {
	c.mu.Lock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted || sess.Namespace != namespace {
		c.mu.Unlock()
		return false
	}
	now := c.nowFn()
	visible := !sess.Active
	sess.Active = true
	sess.ActiveAt = hb.Time
	if sess.ActiveAt == 0 {
		sess.ActiveAt = now
	}
	if hb.Thinking != nil && sess.Thinking != *hb.Thinking {
		sess.Thinking = *hb.Thinking
		sess.ThinkingAt = now
		visible = true
	}
	if hb.PermissionMode != "" && hb.PermissionMode != sess.PermissionMode {
		sess.PermissionMode = hb.PermissionMode
		visible = true
	}
	if hb.ModelMode != "" && hb.ModelMode != sess.ModelMode {
		sess.ModelMode = hb.ModelMode
		visible = true
	}
	sess.Seq++
	sess.UpdatedAt = now
	if err := c.store.PutSession(sess); err != nil {
		c.mu.Unlock()
		return false
	}
	c.rows[id] = sess
	c.mu.Unlock()

	if visible {
		c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: namespace, SessionID: id, Session: &sess})
	}
	return true
}

// ApplyConfig adopts hub-confirmed permission/model modes without touching
// liveness.
func (c *SessionCache) ApplyConfig(namespace, id, permissionMode, modelMode string) bool {
	c.mu.Lock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted || sess.Namespace != namespace {
		c.mu.Unlock()
		return false
	}
	changed := false
	if permissionMode != "" && permissionMode != sess.PermissionMode {
		sess.PermissionMode = permissionMode
		changed = true
	}
	if modelMode != "" && modelMode != sess.ModelMode {
		sess.ModelMode = modelMode
		changed = true
	}
	if !changed {
		c.mu.Unlock()
		return true
	}
	sess.Seq++
	sess.UpdatedAt = c.nowFn()
	if err := c.store.PutSession(sess); err != nil {
		c.mu.Unlock()
		return false
	}
	c.rows[id] = sess
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: namespace, SessionID: id, Session: &sess})
	return true
}

// End marks the session inactive on an explicit end signal.
func (c *SessionCache) End(namespace, id string) bool {
	c.mu.Lock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted || sess.Namespace != namespace || !sess.Active {
		c.mu.Unlock()
		return ok && !sess.Deleted && sess.Namespace == namespace
	}
	sess.Active = false
	sess.Thinking = false
	sess.Seq++
	sess.UpdatedAt = c.nowFn()
	if err := c.store.PutSession(sess); err != nil {
		c.mu.Unlock()
		return false
	}
	c.rows[id] = sess
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: namespace, SessionID: id, Session: &sess})
	return true
}

// ExpireInactive flips any active session whose last heartbeat is older than
// window to inactive, emitting one session-updated per flip. Returns the
// number of sessions expired.
func (c *SessionCache) ExpireInactive(window time.Duration) int {
	now := c.nowFn()
	cutoff := now - window.Milliseconds()

	c.mu.Lock()
	var expired []model.Session
	for id, sess := range c.rows {
		if !sess.Active || sess.Deleted || sess.ActiveAt > cutoff {
			continue
		}
		sess.Active = false
		sess.Thinking = false
		sess.Seq++
		sess.UpdatedAt = now
		if err := c.store.PutSession(sess); err != nil {
			continue
		}
		c.rows[id] = sess
		expired = append(expired, sess)
	}
	c.mu.Unlock()

	for i := range expired {
		sess := expired[i]
		c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: sess.Namespace, SessionID: sess.ID, Session: &sess})
	}
	return len(expired)
}

// Delete hard-deletes a session; allowed only when it is inactive.
func (c *SessionCache) Delete(namespace, id string) error {
	c.mu.Lock()
	sess, ok := c.rows[id]
	if !ok || sess.Deleted || sess.Namespace != namespace {
		c.mu.Unlock()
		return store.ErrNotFound
	}
	if sess.Active {
		c.mu.Unlock()
		return fmt.Errorf("session is active")
	}
	if err := c.store.DeleteSession(id, c.nowFn()); err != nil {
		c.mu.Unlock()
		return err
	}
	sess.Deleted = true
	c.rows[id] = sess
	delete(c.byTag, tagKey(namespace, sess.Tag))
	c.mu.Unlock()

	c.pub.Emit(model.SyncEvent{Type: model.EventSessionRemoved, Namespace: namespace, SessionID: id})
	return nil
}

// MergeInto folds src's record and message log into dst. Administrative and
// destructive; only the resume saga calls it.
func (c *SessionCache) MergeInto(srcID, dstID string) error {
	if err := c.store.MergeSessions(srcID, dstID, c.nowFn()); err != nil {
		return err
	}
	c.Refresh(srcID)
	dst, ok := c.Refresh(dstID)

	c.mu.Lock()
	if src, exists := c.rows[srcID]; exists {
		delete(c.byTag, tagKey(src.Namespace, src.Tag))
	}
	c.mu.Unlock()

	if ok {
		c.pub.Emit(model.SyncEvent{Type: model.EventSessionRemoved, Namespace: dst.Namespace, SessionID: srcID})
		c.pub.Emit(model.SyncEvent{Type: model.EventSessionUpdated, Namespace: dst.Namespace, SessionID: dstID, Session: &dst})
	}
	return nil
}

// Namespace resolves the tenant scope of a session id for the publisher,
// including tombstoned rows so removal events still reach subscribers.
func (c *SessionCache) Namespace(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.rows[id]
	if !ok {
		return "", false
	}
	return sess.Namespace, true
}
