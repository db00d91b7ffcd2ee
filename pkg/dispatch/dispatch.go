// Package dispatch binds idle agents to issues and drives a stage
// invocation end to end: worktree checkout, prompt construction, subprocess
// run, and agent reclamation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/falcon-pm/falcon/pkg/bus"
	"github.com/falcon-pm/falcon/pkg/invoker"
	"github.com/falcon-pm/falcon/pkg/lifecycle"
	"github.com/falcon-pm/falcon/pkg/masking"
	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
	"github.com/falcon-pm/falcon/pkg/worktree"
)

// ErrNoIdleAgent is returned when no agent with the requested model is
// idle in the project.
var ErrNoIdleAgent = errors.New("no idle agent available")

// Runner abstracts the subprocess invoker so tests can substitute a fake.
type Runner interface {
	Invoke(ctx context.Context, req invoker.Request) (*invoker.Result, error)
}

// Injector supplies the warning preamble prepended to stage prompts. The
// attribution package implements it; a nil Injector dispatches bare
// prompts.
type Injector interface {
	Inject(ctx context.Context, projectID, issueID string) (string, error)
}

// Config carries the per-deployment dispatcher settings.
type Config struct {
	// BaseBranch is the branch issue branches are cut from.
	BaseBranch string

	// ToolBaseURL is handed to every subprocess so agents can reach the
	// orchestrator's tool API.
	ToolBaseURL string
}

// activeRun tracks one in-flight invocation so it can be cancelled by
// issue ID.
type activeRun struct {
	agentID string
	cancel  context.CancelFunc
	started time.Time
}

// Dispatcher selects agents and executes stage runs. One issue binds at
// most one agent at a time; concurrent dispatches for the same issue
// serialize on a per-issue lock.
type Dispatcher struct {
	cfg       Config
	store     store.Store
	prov      *worktree.Provisioner
	runner    Runner
	broadcast *bus.BroadcastBus
	scrubber  *masking.Scrubber
	injector  Injector

	mu         sync.Mutex
	issueLocks map[string]*sync.Mutex
	runs       map[string]*activeRun // keyed by issue ID
}

// New creates a Dispatcher. injector may be nil.
func New(cfg Config, st store.Store, prov *worktree.Provisioner, runner Runner,
	broadcast *bus.BroadcastBus, scrubber *masking.Scrubber, injector Injector) *Dispatcher {
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      st,
		prov:       prov,
		runner:     runner,
		broadcast:  broadcast,
		scrubber:   scrubber,
		injector:   injector,
		issueLocks: make(map[string]*sync.Mutex),
		runs:       make(map[string]*activeRun),
	}
}

// issueLock returns the mutex serializing dispatches for one issue.
func (d *Dispatcher) issueLock(issueID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.issueLocks[issueID]
	if !ok {
		l = &sync.Mutex{}
		d.issueLocks[issueID] = l
	}
	return l
}

// SelectAgent returns the first idle agent in the project whose model
// matches, or ErrNoIdleAgent. Ordering follows the registry's name order
// so selection is deterministic.
func (d *Dispatcher) SelectAgent(ctx context.Context, projectID, model string) (*models.Agent, error) {
	agents, err := d.store.Agents().ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for _, a := range agents {
		if a.State == models.AgentIdle && a.Model == model {
			return a, nil
		}
	}
	return nil, ErrNoIdleAgent
}

// Dispatch runs the issue's current stage on an idle agent with the given
// model. It blocks until the subprocess finishes and returns its result.
func (d *Dispatcher) Dispatch(ctx context.Context, issueID, model string, debug bool) (*invoker.Result, error) {
	lock := d.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	issue, err := d.store.Issues().Get(ctx, issueID)
	if err != nil {
		return nil, fmt.Errorf("load issue: %w", err)
	}
	project, err := d.store.Projects().Get(ctx, issue.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	agent, fsm, err := d.claimAgent(ctx, project.ID, model, issue.ID)
	if err != nil {
		return nil, err
	}

	log := slog.With("issue_id", issue.ID, "agent", agent.Name, "stage", issue.Stage)

	if err := d.checkout(ctx, project, agent, issue); err != nil {
		fsm.Fail(d.scrubber.Scrub(err.Error()))
		if saveErr := d.saveAgent(ctx, agent, fsm); saveErr != nil {
			log.Error("Failed to persist agent error state", "error", saveErr)
		}
		return nil, fmt.Errorf("checkout: %s", d.scrubber.ScrubError(err))
	}

	if err := fsm.BeginWork(); err != nil {
		return nil, err
	}
	if err := d.saveAgent(ctx, agent, fsm); err != nil {
		return nil, err
	}
	d.bindIssue(ctx, issue, agent.ID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.registerRun(issue.ID, agent.ID, cancel)
	defer d.unregisterRun(issue.ID)

	prompt := BuildPrompt(issue.Stage, issue)
	if d.injector != nil {
		preamble, err := d.injector.Inject(ctx, project.ID, issue.ID)
		if err != nil {
			log.Warn("Failed to build warning preamble", "error", err)
		} else if preamble != "" {
			prompt = preamble + "\n" + prompt
		}
	}

	log.Info("Dispatching stage run")
	result, err := d.runner.Invoke(runCtx, invoker.Request{
		AgentID:     agent.ID,
		IssueID:     issue.ID,
		Stage:       string(issue.Stage),
		Prompt:      prompt,
		ToolBaseURL: d.cfg.ToolBaseURL,
		Debug:       debug,
	})
	if err != nil {
		fsm.Fail(d.scrubber.Scrub(err.Error()))
		if saveErr := d.saveAgent(ctx, agent, fsm); saveErr != nil {
			log.Error("Failed to persist agent error state", "error", saveErr)
		}
		d.bindIssue(ctx, issue, "")
		return result, err
	}

	if result.Success {
		if err := fsm.Complete(); err != nil {
			return result, err
		}
		if err := fsm.Release(); err != nil {
			return result, err
		}
		log.Info("Stage run succeeded", "run_id", result.RunID)
	} else {
		fsm.Fail(result.ErrorText)
		log.Warn("Stage run failed", "run_id", result.RunID, "error", result.ErrorText)
	}
	if err := d.saveAgent(ctx, agent, fsm); err != nil {
		return result, err
	}
	d.bindIssue(ctx, issue, "")
	return result, nil
}

// claimAgent selects an idle agent and moves it to CHECKOUT under the
// agent's optimistic version. Losing the version race means another
// dispatch claimed the same agent first; selection repeats until a claim
// sticks or no idle agent remains.
func (d *Dispatcher) claimAgent(ctx context.Context, projectID, model, issueID string) (*models.Agent, *lifecycle.Machine, error) {
	for {
		agent, err := d.SelectAgent(ctx, projectID, model)
		if err != nil {
			return nil, nil, err
		}
		fsm := lifecycle.Restore(agent.State, agent.IssueID, agent.LastError)
		if err := fsm.BeginCheckout(issueID); err != nil {
			return nil, nil, err
		}
		err = d.saveAgent(ctx, agent, fsm)
		if errors.Is(err, store.ErrVersionMismatch) {
			slog.Debug("Lost agent claim race, reselecting", "agent", agent.Name, "issue_id", issueID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return agent, fsm, nil
	}
}

// checkout provisions the agent's worktree and puts it on the issue
// branch, deriving and storing the branch name on first start.
func (d *Dispatcher) checkout(ctx context.Context, project *models.Project,
	agent *models.Agent, issue *models.Issue) error {
	dir, err := d.prov.EnsureAgentWorktree(ctx, project.Slug, agent.Name,
		project.RepoURL, d.cfg.BaseBranch)
	if err != nil {
		return err
	}
	if agent.WorktreePath != dir {
		agent.WorktreePath = dir
	}
	if issue.BranchName == "" {
		issue.BranchName = models.BranchNameFor(issue.Number, issue.Title)
		issue.UpdatedAt = time.Now().UTC()
		if err := d.store.Issues().Update(ctx, issue); err != nil {
			return fmt.Errorf("store branch name: %w", err)
		}
	}
	return d.prov.Git().CheckoutIssueBranch(ctx, dir, issue.BranchName, d.cfg.BaseBranch)
}

// bindIssue records (or clears) the agent currently working the issue and
// broadcasts the update. Binding is advisory bookkeeping; failures are
// logged, not fatal.
func (d *Dispatcher) bindIssue(ctx context.Context, issue *models.Issue, agentID string) {
	issue.AgentID = agentID
	issue.UpdatedAt = time.Now().UTC()
	if err := d.store.Issues().Update(ctx, issue); err != nil {
		slog.Warn("Failed to update issue agent binding", "issue_id", issue.ID, "error", err)
		return
	}
	d.publishIssueUpdated(issue)
}

func (d *Dispatcher) publishIssueUpdated(issue *models.Issue) {
	if d.broadcast == nil {
		return
	}
	event := bus.Event{
		Type:      bus.EventIssueUpdated,
		At:        time.Now().UTC(),
		ProjectID: issue.ProjectID,
		IssueID:   issue.ID,
		Payload:   issue,
	}
	d.broadcast.Publish(bus.ProjectChannel(issue.ProjectID), event)
	d.broadcast.Publish(bus.IssueChannel(issue.ID), event)
}

func (d *Dispatcher) saveAgent(ctx context.Context, agent *models.Agent, fsm *lifecycle.Machine) error {
	fsm.Snapshot(agent)
	agent.UpdatedAt = time.Now().UTC()
	if err := d.store.Agents().Update(ctx, agent); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

// ReleaseAgent moves a DONE or ERROR agent back to IDLE.
func (d *Dispatcher) ReleaseAgent(ctx context.Context, agentID string) error {
	agent, err := d.store.Agents().Get(ctx, agentID)
	if err != nil {
		return err
	}
	fsm := lifecycle.Restore(agent.State, agent.IssueID, agent.LastError)
	if err := fsm.Release(); err != nil {
		return err
	}
	return d.saveAgent(ctx, agent, fsm)
}

func (d *Dispatcher) registerRun(issueID, agentID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs[issueID] = &activeRun{agentID: agentID, cancel: cancel, started: time.Now()}
}

func (d *Dispatcher) unregisterRun(issueID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.runs, issueID)
}

// CancelRun cancels the in-flight run for an issue, if any. Reports
// whether a run was found.
func (d *Dispatcher) CancelRun(issueID string) bool {
	d.mu.Lock()
	run, ok := d.runs[issueID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	return true
}

// ActiveRuns returns the issue IDs with an in-flight run.
func (d *Dispatcher) ActiveRuns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.runs))
	for id := range d.runs {
		out = append(out, id)
	}
	return out
}
