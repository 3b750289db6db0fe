// Package store is the durable keyed storage for sessions, machines, and the
// per-session message log. It assigns monotonic gap-free message sequence
// numbers at persist time; all higher-level concurrency control (versioned
// updates, access checks) lives in the sync layer.
package store

import (
	"errors"

	"agent-relay/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrSessionGone = errors.New("session deleted")
)

type Store interface {
	GetSession(id string) (model.Session, bool, error)
	FindSessionByTag(namespace, tag string) (model.Session, bool, error)
	ListSessions(namespace string) ([]model.Session, error)
	ListAllSessions() ([]model.Session, error)
	// PutSession inserts or replaces the row as given. Callers bump Seq and
	// UpdatedAt before writing; the store does not interpret the fields.
	PutSession(s model.Session) error
	// DeleteSession tombstones the row and purges its message log.
	DeleteSession(id string, now int64) error
	// MergeSessions re-appends src's messages onto dst (fresh seqs, original
	// order) and tombstones src. Destructive and administrative; only the
	// resume saga calls it.
	MergeSessions(srcID, dstID string, now int64) error

	GetMachine(id string) (model.Machine, bool, error)
	ListMachines(namespace string) ([]model.Machine, error)
	ListAllMachines() ([]model.Machine, error)
	PutMachine(m model.Machine) error

	// AppendMessage assigns the next per-session seq atomically with the
	// insert. A non-nil localID is an idempotency key: a replayed append with
	// the same localID returns the already-persisted row and created=false.
	AppendMessage(sessionID string, localID *string, content string, now int64) (msg model.Message, created bool, err error)
	MessagesAfter(sessionID string, afterSeq int64, limit int) ([]model.Message, error)
	// MessagesBefore returns up to limit messages with seq < beforeSeq in
	// descending seq order; beforeSeq == nil means the newest page.
	MessagesBefore(sessionID string, beforeSeq *int64, limit int) ([]model.Message, error)

	Close() error
}
