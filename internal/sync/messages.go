package sync

import (
	"time"

	"agent-relay/internal/model"
	"agent-relay/internal/store"
)

const defaultPageLimit = 100

// MessageService owns the append-only per-session log: sequence assignment
// on write, backward-paged history, forward backfill, and fan-out of
// new-message events.
type MessageService struct {
	store    store.Store
	sessions *SessionCache
	pub      *Publisher
	nowFn    func() int64
}

func NewMessageService(st store.Store, sessions *SessionCache, pub *Publisher) *MessageService {
	return &MessageService{
		store:    st,
		sessions: sessions,
		pub:      pub,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Append persists a message with the next per-session seq and emits
// message-received. A repeated localID returns the original row without a
// second event, so duplicate delivery over the wire stays idempotent.
func (s *MessageService) Append(namespace, sessionID, content string, localID *string) (model.Message, error) {
	access := s.sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return model.Message{}, store.ErrNotFound
	}

	msg, created, err := s.store.AppendMessage(sessionID, localID, content, s.nowFn())
	if err != nil {
		return model.Message{}, err
	}
	if !created {
		// localID replay: the original row comes back, no second event.
		return msg, nil
	}
	s.pub.Emit(model.SyncEvent{
		Type:      model.EventMessageReceived,
		Namespace: namespace,
		SessionID: sessionID,
		Message:   &msg,
	})
	return msg, nil
}

// GetAfter is the forward-backfill read: messages with seq > afterSeq in
// ascending order, up to limit.
func (s *MessageService) GetAfter(namespace, sessionID string, afterSeq int64, limit int) ([]model.Message, error) {
	access := s.sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return nil, store.ErrNotFound
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return s.store.MessagesAfter(sessionID, afterSeq, limit)
}

// Page is one backward page of history plus the cursor for the next older
// page (the scroll-up-to-load-older pattern).
type Page struct {
	Messages      []model.Message
	Limit         int
	BeforeSeq     *int64
	NextBeforeSeq *int64
	HasMore       bool
}

// GetPage returns up to limit messages older than beforeSeq (the newest page
// when beforeSeq is nil), newest first.
func (s *MessageService) GetPage(namespace, sessionID string, beforeSeq *int64, limit int) (Page, error) {
	access := s.sessions.ResolveAccess(sessionID, namespace)
	if access.Status != AccessOK {
		return Page{}, store.ErrNotFound
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	// Fetch one extra row to learn whether an older page exists without a
	// second query.
	msgs, err := s.store.MessagesBefore(sessionID, beforeSeq, limit+1)
	if err != nil {
		return Page{}, err
	}
	page := Page{Limit: limit, BeforeSeq: beforeSeq}
	if len(msgs) > limit {
		page.HasMore = true
		msgs = msgs[:limit]
	}
	page.Messages = msgs
	if page.HasMore && len(msgs) > 0 {
		oldest := msgs[len(msgs)-1].Seq
		page.NextBeforeSeq = &oldest
	}
	return page, nil
}
