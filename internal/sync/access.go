package sync

import "agent-relay/internal/model"

// AccessStatus tags the result of a namespace-scoped lookup. A session that
// exists in another namespace reports AccessDenied internally, but callers
// mapping to the wire must present it identically to AccessNotFound so the
// existence of other tenants' sessions never leaks.
type AccessStatus string

const (
	AccessOK       AccessStatus = "ok"
	AccessNotFound AccessStatus = "not-found"
	AccessDenied   AccessStatus = "access-denied"
)

type SessionAccess struct {
	Status  AccessStatus
	Session model.Session
}

type MachineAccess struct {
	Status  AccessStatus
	Machine model.Machine
}
