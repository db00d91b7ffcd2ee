// Package lifecycle implements the per-agent state machine. The machine is
// a pure value: side effects (git, subprocess) live in other packages and
// are reflected here only after they succeed.
package lifecycle

import (
	"fmt"

	"github.com/falcon-pm/falcon/pkg/models"
)

// InvalidTransitionError reports a disallowed lifecycle move.
type InvalidTransitionError struct {
	From models.AgentState
	To   models.AgentState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid agent transition %s -> %s", e.From, e.To)
}

// Machine holds an agent's lifecycle state. The zero value is not usable;
// construct with New.
type Machine struct {
	state     models.AgentState
	issueID   string
	lastError string
}

// New returns a machine in INIT.
func New() *Machine {
	return &Machine{state: models.AgentInit}
}

// Restore rebuilds a machine from a persisted agent record.
func Restore(state models.AgentState, issueID, lastError string) *Machine {
	return &Machine{state: state, issueID: issueID, lastError: lastError}
}

// State returns the current state.
func (m *Machine) State() models.AgentState { return m.state }

// IssueID returns the bound issue, or "" outside checkout/working.
func (m *Machine) IssueID() string { return m.issueID }

// LastError returns the error recorded by the most recent Fail.
func (m *Machine) LastError() string { return m.lastError }

// Activate moves INIT to IDLE.
func (m *Machine) Activate() error {
	if m.state != models.AgentInit {
		return &InvalidTransitionError{From: m.state, To: models.AgentIdle}
	}
	m.state = models.AgentIdle
	return nil
}

// BeginCheckout binds an issue and moves IDLE to CHECKOUT.
func (m *Machine) BeginCheckout(issueID string) error {
	if issueID == "" {
		return fmt.Errorf("begin checkout: issue id is required")
	}
	if m.state != models.AgentIdle {
		return &InvalidTransitionError{From: m.state, To: models.AgentCheckout}
	}
	m.state = models.AgentCheckout
	m.issueID = issueID
	return nil
}

// BeginWork moves CHECKOUT to WORKING.
func (m *Machine) BeginWork() error {
	if m.state != models.AgentCheckout {
		return &InvalidTransitionError{From: m.state, To: models.AgentWorking}
	}
	m.state = models.AgentWorking
	return nil
}

// Complete moves WORKING to DONE and unbinds the issue: the binding only
// exists while the agent actively holds the worktree.
func (m *Machine) Complete() error {
	if m.state != models.AgentWorking {
		return &InvalidTransitionError{From: m.state, To: models.AgentDone}
	}
	m.state = models.AgentDone
	m.issueID = ""
	return nil
}

// Fail moves any state to ERROR, recording the error text and unbinding
// the issue.
func (m *Machine) Fail(errText string) {
	m.state = models.AgentError
	m.issueID = ""
	m.lastError = errText
}

// Release returns the machine to IDLE from DONE or ERROR, clearing the
// bound issue and last error. Releasing an INIT or busy agent is invalid.
func (m *Machine) Release() error {
	switch m.state {
	case models.AgentDone, models.AgentError:
		m.state = models.AgentIdle
		m.issueID = ""
		m.lastError = ""
		return nil
	}
	return &InvalidTransitionError{From: m.state, To: models.AgentIdle}
}

// Snapshot copies the machine's fields onto an agent record for
// persistence.
func (m *Machine) Snapshot(a *models.Agent) {
	a.State = m.state
	a.IssueID = m.issueID
	a.LastError = m.lastError
}
