// Package stage defines the fixed pipeline stages an issue moves through
// and the allowed transitions between them.
package stage

// Stage is one step of the issue pipeline.
type Stage string

// Pipeline stages, in rough pipeline order.
const (
	Backlog       Stage = "backlog"
	Todo          Stage = "todo"
	ContextPack   Stage = "context_pack"
	ContextReview Stage = "context_review"
	Spec          Stage = "spec"
	SpecReview    Stage = "spec_review"
	Implement     Stage = "implement"
	PRReview      Stage = "pr_review"
	PRHumanReview Stage = "pr_human_review"
	Fixer         Stage = "fixer"
	Testing       Stage = "testing"
	DocReview     Stage = "doc_review"
	MergeReady    Stage = "merge_ready"
	Done          Stage = "done"
)

// All lists every stage. Order matches the pipeline for display purposes.
var All = []Stage{
	Backlog, Todo, ContextPack, ContextReview, Spec, SpecReview,
	Implement, PRReview, PRHumanReview, Fixer, Testing, DocReview,
	MergeReady, Done,
}

// transitions is the directed graph of allowed stage moves.
// Done is terminal and has no outgoing edges.
var transitions = map[Stage][]Stage{
	Backlog:       {Todo},
	Todo:          {ContextPack},
	ContextPack:   {ContextReview},
	ContextReview: {Spec, Implement},
	Spec:          {SpecReview},
	SpecReview:    {Implement, Spec},
	Implement:     {PRReview},
	PRReview:      {PRHumanReview},
	PRHumanReview: {Fixer, Testing},
	Fixer:         {PRReview},
	Testing:       {DocReview, Implement},
	DocReview:     {MergeReady},
	MergeReady:    {Done},
	Done:          {},
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the stage has no outgoing transitions.
func (s Stage) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether the move from one stage to another is
// allowed by the pipeline graph. It is a pure, total function: unknown
// stages never transition anywhere.
func CanTransition(from, to Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the allowed successor stages of s. The returned slice is a
// copy; callers may mutate it freely.
func Next(s Stage) []Stage {
	next := transitions[s]
	out := make([]Stage, len(next))
	copy(out, next)
	return out
}

// Startable reports whether an issue at this stage may begin agent work via
// the composite start operation. Only pre-pipeline stages qualify.
func (s Stage) Startable() bool {
	return s == Backlog || s == Todo
}
