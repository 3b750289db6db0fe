package sync

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"agent-relay/internal/model"
)

// Resume failure codes, typed by the saga stage that produced them.
const (
	ResumeErrSessionNotFound = "session_not_found"
	ResumeErrAccessDenied    = "access_denied"
	ResumeErrNoMachineOnline = "no_machine_online"
	ResumeErrUnavailable     = "resume_unavailable"
	ResumeErrFailed          = "resume_failed"

	resumeResultTypeSuccess = "success"
	resumeResultTypeError   = "error"
)

// ResumeResult is the saga's terminal state. It is always a value; no stage
// lets an error escape the saga boundary.
type ResumeResult struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func resumeSuccess(sessionID string) ResumeResult {
	return ResumeResult{Type: resumeResultTypeSuccess, SessionID: sessionID}
}

func resumeError(code, message string) ResumeResult {
	return ResumeResult{Type: resumeResultTypeError, Code: code, Message: message}
}

// ResumeSession reactivates an inactive session on an available machine:
// access check, already-active short-circuit, resume-token resolution,
// target-machine selection, spawn via reverse RPC, active poll, and a merge
// when the spawn produced a new session id for the same conversation.
func (e *Engine) ResumeSession(ctx context.Context, namespace, sessionID string) ResumeResult {
	access := e.Sessions.ResolveAccess(sessionID, namespace)
	switch access.Status {
	case AccessNotFound:
		return resumeError(ResumeErrSessionNotFound, "session not found")
	case AccessDenied:
		return resumeError(ResumeErrAccessDenied, "access denied")
	}
	sess := access.Session

	if sess.Active {
		// Nothing to do; zero reverse-RPC calls issued.
		return resumeSuccess(sessionID)
	}

	var meta model.SessionMetadata
	if sess.Metadata != "" {
		if err := json.Unmarshal([]byte(sess.Metadata), &meta); err != nil {
			log.Printf("resume %s: unparseable session metadata: %v", sessionID, err)
		}
	}
	if meta.ResumeToken == "" {
		return resumeError(ResumeErrUnavailable, "session metadata carries no resume token")
	}

	target, ok := e.selectResumeTarget(namespace, meta)
	if !ok {
		return resumeError(ResumeErrNoMachineOnline, "no machine online")
	}

	newID, err := e.SpawnSession(ctx, namespace, target.ID, meta.Path, "", meta.ResumeToken)
	if err != nil {
		return resumeError(ResumeErrFailed, "spawn failed: "+err.Error())
	}

	if !e.awaitActive(ctx, newID) {
		return resumeError(ResumeErrFailed, "session did not become active in time")
	}

	if newID != sessionID {
		if err := e.Sessions.MergeInto(sessionID, newID); err != nil {
			return resumeError(ResumeErrFailed, "merge failed: "+err.Error())
		}
		return resumeSuccess(newID)
	}
	return resumeSuccess(sessionID)
}

// selectResumeTarget prefers an exact machine-id match, then a hostname
// match, among currently-online machines.
func (e *Engine) selectResumeTarget(namespace string, meta model.SessionMetadata) (model.Machine, bool) {
	online := e.Machines.ListActive(namespace)
	if len(online) == 0 {
		return model.Machine{}, false
	}
	if meta.MachineID != "" {
		for _, m := range online {
			if m.ID == meta.MachineID {
				return m, true
			}
		}
	}
	if meta.Host != "" {
		for _, m := range online {
			if machineHostname(m) == meta.Host {
				return m, true
			}
		}
	}
	return online[0], true
}

func machineHostname(m model.Machine) string {
	if m.Metadata == "" {
		return ""
	}
	var meta struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal([]byte(m.Metadata), &meta); err != nil {
		return ""
	}
	return meta.Host
}

// awaitActive polls the session row until it reports active or the resume
// deadline passes. A pure timeout, not a subscription.
func (e *Engine) awaitActive(ctx context.Context, sessionID string) bool {
	deadline := time.Now().Add(e.cfg.ResumeTimeout)
	ticker := time.NewTicker(e.cfg.ResumePollEvery)
	defer ticker.Stop()
	for {
		if sess, ok := e.Sessions.Refresh(sessionID); ok && sess.Active {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
