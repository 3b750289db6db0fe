package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"agent-relay/internal/model"
)

// Memory is a map-backed Store used by tests and as a fallback when no
// database path is configured. Semantics match the sqlite implementation.
type Memory struct {
	mu sync.RWMutex

	sessions map[string]model.Session
	machines map[string]model.Machine
	messages map[string][]model.Message
	seq      map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]model.Session),
		machines: make(map[string]model.Machine),
		messages: make(map[string][]model.Message),
		seq:      make(map[string]int64),
	}
}

func (s *Memory) Close() error { return nil }

func (s *Memory) GetSession(id string) (model.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

func (s *Memory) FindSessionByTag(namespace, tag string) (model.Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.Namespace == namespace && sess.Tag == tag && !sess.Deleted {
			return sess, true, nil
		}
	}
	return model.Session{}, false, nil
}

func (s *Memory) ListSessions(namespace string) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Session, 0)
	for _, sess := range s.sessions {
		if sess.Namespace == namespace && !sess.Deleted {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result, nil
}

func (s *Memory) ListAllSessions() ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sess.Deleted {
			result = append(result, sess)
		}
	}
	return result, nil
}

func (s *Memory) PutSession(sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Memory) DeleteSession(id string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Deleted {
		return ErrNotFound
	}
	sess.Deleted = true
	sess.Seq++
	sess.UpdatedAt = now
	s.sessions[id] = sess
	delete(s.messages, id)
	delete(s.seq, id)
	return nil
}

func (s *Memory) MergeSessions(srcID, dstID string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sessions[srcID]
	if !ok {
		return ErrNotFound
	}
	dst, ok := s.sessions[dstID]
	if !ok {
		return ErrNotFound
	}

	for _, msg := range s.messages[srcID] {
		s.seq[dstID]++
		msg.SessionID = dstID
		msg.Seq = s.seq[dstID]
		msg.LocalID = nil
		s.messages[dstID] = append(s.messages[dstID], msg)
	}
	delete(s.messages, srcID)
	delete(s.seq, srcID)

	src.Deleted = true
	src.Seq++
	src.UpdatedAt = now
	s.sessions[srcID] = src

	dst.Seq++
	dst.UpdatedAt = now
	s.sessions[dstID] = dst
	return nil
}

func (s *Memory) GetMachine(id string) (model.Machine, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	return m, ok, nil
}

func (s *Memory) ListMachines(namespace string) ([]model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Machine, 0)
	for _, m := range s.machines {
		if m.Namespace == namespace {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result, nil
}

func (s *Memory) ListAllMachines() ([]model.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]model.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		result = append(result, m)
	}
	return result, nil
}

func (s *Memory) PutMachine(m model.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
	return nil
}

func (s *Memory) AppendMessage(sessionID string, localID *string, content string, now int64) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return model.Message{}, false, ErrNotFound
	}
	if sess.Deleted {
		return model.Message{}, false, ErrSessionGone
	}

	if localID != nil {
		for _, msg := range s.messages[sessionID] {
			if msg.LocalID != nil && *msg.LocalID == *localID {
				return msg, false, nil
			}
		}
	}

	s.seq[sessionID]++
	msg := model.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       s.seq[sessionID],
		LocalID:   localID,
		Content:   content,
		CreatedAt: now,
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return msg, true, nil
}

func (s *Memory) MessagesAfter(sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Message, 0, limit)
	for _, msg := range s.messages[sessionID] {
		if msg.Seq > afterSeq {
			result = append(result, msg)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *Memory) MessagesBefore(sessionID string, beforeSeq *int64, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[sessionID]
	result := make([]model.Message, 0, limit)
	for i := len(msgs) - 1; i >= 0; i-- {
		if beforeSeq != nil && msgs[i].Seq >= *beforeSeq {
			continue
		}
		result = append(result, msgs[i])
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
