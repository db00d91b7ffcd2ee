package attribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// Injector assembles the warning preamble dispatched ahead of stage
// prompts: the project's pending provisional alerts, its active patterns,
// and any standing principles. Every surfaced pattern is recorded as an
// injected occurrence so salience detection can tell which warnings keep
// being ignored.
type Injector struct {
	store      store.Store
	principles []Principle
}

// NewInjector creates an Injector. principles may be nil.
func NewInjector(st store.Store, principles []Principle) *Injector {
	return &Injector{store: st, principles: principles}
}

// Inject renders the preamble for one dispatch on the issue. An empty
// string means there is nothing to warn about.
func (i *Injector) Inject(ctx context.Context, projectID, issueID string) (string, error) {
	alerts, err := i.store.Alerts().ListPending(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list pending alerts: %w", err)
	}
	patterns, err := i.store.Patterns().ListActive(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("list active patterns: %w", err)
	}
	if len(alerts) == 0 && len(patterns) == 0 && len(i.principles) == 0 {
		return "", nil
	}

	now := time.Now().UTC()
	for _, p := range patterns {
		o := &models.Occurrence{
			ID:          uuid.NewString(),
			ProjectID:   projectID,
			PatternID:   p.ID,
			IssueID:     issueID,
			WasInjected: true,
			Status:      models.OccurrenceActive,
			CreatedAt:   now,
		}
		if err := i.store.Patterns().CreateOccurrence(ctx, o); err != nil {
			// The preamble is still worth sending; the occurrence only
			// feeds salience bookkeeping.
			slog.Warn("Failed to record injected occurrence",
				"pattern_id", p.ID, "issue_id", issueID, "error", err)
		}
	}

	return FormatInjection(Injection{
		Alerts:     alerts,
		Patterns:   patterns,
		Principles: i.principles,
		Now:        now,
	}), nil
}
