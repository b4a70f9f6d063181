package domain

// RunStatus represents the state of an assistant run as reported by the assistant service
type RunStatus string

const (
	RunCreated        RunStatus = "created"
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunExpired        RunStatus = "expired"
)

// IsTerminal returns true for statuses after which the run never changes again
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunExpired:
		return true
	}
	return false
}

// IsKnown returns true if the status is one the driver knows how to handle
func (s RunStatus) IsKnown() bool {
	switch s {
	case RunCreated, RunQueued, RunInProgress, RunRequiresAction, RunCompleted, RunFailed, RunExpired:
		return true
	}
	return false
}

// WorkspaceState represents the lifecycle of a local checkout
type WorkspaceState int

const (
	WorkspaceAbsent WorkspaceState = iota
	WorkspaceProvisioning
	WorkspaceReady
	WorkspaceDirty
	WorkspaceRemoved
)

func (s WorkspaceState) String() string {
	switch s {
	case WorkspaceAbsent:
		return "absent"
	case WorkspaceProvisioning:
		return "provisioning"
	case WorkspaceReady:
		return "ready"
	case WorkspaceDirty:
		return "dirty"
	case WorkspaceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Role is the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)
