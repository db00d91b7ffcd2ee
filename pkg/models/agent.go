package models

import "time"

// AgentState is the lifecycle state of a registered agent. Transitions are
// validated by pkg/lifecycle; the record here is the persisted mirror.
type AgentState string

// Agent lifecycle states.
const (
	AgentInit     AgentState = "init"
	AgentIdle     AgentState = "idle"
	AgentCheckout AgentState = "checkout"
	AgentWorking  AgentState = "working"
	AgentDone     AgentState = "done"
	AgentError    AgentState = "error"
)

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool {
	switch s {
	case AgentInit, AgentIdle, AgentCheckout, AgentWorking, AgentDone, AgentError:
		return true
	}
	return false
}

// Agent is a registered worker bound to one project. Name is unique per
// project; WorktreePath is derived deterministically from
// (falcon home, project slug, agent name). Version backs optimistic
// concurrency on updates, so two dispatchers cannot both claim an idle
// agent.
type Agent struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Name         string     `json:"name"`
	WorktreePath string     `json:"worktree_path"`
	Model        string     `json:"model"`
	State        AgentState `json:"state"`
	IssueID      string     `json:"issue_id,omitempty"` // set only in checkout/working
	LastError    string     `json:"last_error,omitempty"`
	Version      int64      `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
