package model

// Session identifies one agent run. The owning edge client is the only
// legitimate writer of Metadata and AgentState; MetadataVersion and
// AgentStateVersion are independent counters bumped by exactly one per
// accepted write.
type Session struct {
	ID                string
	Namespace         string
	Tag               string
	Seq               int64
	Metadata          string
	MetadataVersion   int
	AgentState        *string
	AgentStateVersion int
	Active            bool
	ActiveAt          int64
	Thinking          bool
	ThinkingAt        int64
	Todos             *string
	PermissionMode    string
	ModelMode         string
	CreatedAt         int64
	UpdatedAt         int64
	Deleted           bool
}

// Message is one entry in a session's append-only log. Seq is gap-free
// ascending per session and assigned at persist time; CreatedAt is advisory.
type Message struct {
	ID        string
	SessionID string
	Seq       int64
	LocalID   *string
	Content   string
	CreatedAt int64
}

// Machine identifies one host running a runner process capable of spawning
// sessions. RunnerState mirrors the session versioning pattern.
type Machine struct {
	ID                 string
	Namespace          string
	Seq                int64
	Metadata           string
	MetadataVersion    int
	RunnerState        *string
	RunnerStateVersion int
	Active             bool
	ActiveAt           int64
	CreatedAt          int64
	UpdatedAt          int64
}

// Runner status values carried in Machine.RunnerState.
const (
	RunnerStatusRunning      = "running"
	RunnerStatusShuttingDown = "shutting-down"
)

// SessionMetadata is the subset of the otherwise opaque session metadata
// JSON that the hub itself reads: resume routing for the resume saga and a
// display name for rename.
type SessionMetadata struct {
	Name        string `json:"name,omitempty"`
	Host        string `json:"host,omitempty"`
	Path        string `json:"path,omitempty"`
	MachineID   string `json:"machineId,omitempty"`
	ResumeToken string `json:"resumeToken,omitempty"`
}

// RunnerState is the subset of machine runner state the resume saga reads.
type RunnerState struct {
	Status   string `json:"status,omitempty"`
	HTTPPort int    `json:"httpPort,omitempty"`
	PID      int    `json:"pid,omitempty"`
}
