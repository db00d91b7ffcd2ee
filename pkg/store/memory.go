package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/falcon-pm/falcon/pkg/models"
)

// MemoryStore is a lock-protected in-memory Store. Tests inject fresh
// instances; the serve path uses sqlite.
type MemoryStore struct {
	mu sync.RWMutex

	projects     map[string]*models.Project
	issues       map[string]*models.Issue
	issueNumbers map[string]int // projectID -> last assigned number
	comments     map[string]*models.Comment
	labels       map[string]*models.Label
	bindings     map[string]map[string]bool // issueID -> labelID set
	documents    map[string]*models.Document
	agents       map[string]*models.Agent
	alerts       map[string]*models.ProvisionalAlert
	patterns     map[string]*models.Pattern
	occurrences  map[string]*models.Occurrence
	salience     map[string]*models.SalienceIssue // keyed by Key
	killSwitches map[string]*models.KillSwitchStatus
	attributions []*AttributionRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:     make(map[string]*models.Project),
		issues:       make(map[string]*models.Issue),
		issueNumbers: make(map[string]int),
		comments:     make(map[string]*models.Comment),
		labels:       make(map[string]*models.Label),
		bindings:     make(map[string]map[string]bool),
		documents:    make(map[string]*models.Document),
		agents:       make(map[string]*models.Agent),
		alerts:       make(map[string]*models.ProvisionalAlert),
		patterns:     make(map[string]*models.Pattern),
		occurrences:  make(map[string]*models.Occurrence),
		salience:     make(map[string]*models.SalienceIssue),
		killSwitches: make(map[string]*models.KillSwitchStatus),
	}
}

// Store interface wiring. Every repo view shares the one mutex.

func (m *MemoryStore) Projects() Projects         { return (*memProjects)(m) }
func (m *MemoryStore) Issues() Issues             { return (*memIssues)(m) }
func (m *MemoryStore) Comments() Comments         { return (*memComments)(m) }
func (m *MemoryStore) Labels() Labels             { return (*memLabels)(m) }
func (m *MemoryStore) Documents() Documents       { return (*memDocuments)(m) }
func (m *MemoryStore) Agents() Agents             { return (*memAgents)(m) }
func (m *MemoryStore) Alerts() Alerts             { return (*memAlerts)(m) }
func (m *MemoryStore) Patterns() Patterns         { return (*memPatterns)(m) }
func (m *MemoryStore) Salience() Salience         { return (*memSalience)(m) }
func (m *MemoryStore) KillSwitches() KillSwitches { return (*memKillSwitches)(m) }
func (m *MemoryStore) Attributions() Attributions { return (*memAttributions)(m) }
func (m *MemoryStore) Close() error               { return nil }

type memProjects MemoryStore

func (m *memProjects) Create(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.projects {
		if existing.Slug == p.Slug {
			return ErrConflict
		}
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) Get(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) GetBySlug(_ context.Context, slug string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.projects {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memProjects) List(_ context.Context) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memProjects) Update(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

type memIssues MemoryStore

func (m *memIssues) Create(_ context.Context, i *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueNumbers[i.ProjectID]++
	i.Number = m.issueNumbers[i.ProjectID]
	i.Version = 1
	cp := *i
	m.issues[i.ID] = &cp
	return nil
}

func (m *memIssues) Get(_ context.Context, id string) (*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.issues[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *memIssues) GetByNumber(_ context.Context, projectID string, number int) (*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, i := range m.issues {
		if i.ProjectID == projectID && i.Number == number {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memIssues) ListByProject(_ context.Context, projectID string) ([]*models.Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Issue, 0)
	for _, i := range m.issues {
		if i.ProjectID == projectID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Number < out[b].Number })
	return out, nil
}

func (m *memIssues) Update(_ context.Context, i *models.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.issues[i.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != i.Version {
		return ErrVersionMismatch
	}
	i.Version++
	cp := *i
	m.issues[i.ID] = &cp
	return nil
}

func (m *memIssues) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[id]; !ok {
		return ErrNotFound
	}
	delete(m.issues, id)
	return nil
}

type memComments MemoryStore

func (m *memComments) Create(_ context.Context, c *models.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.comments[c.ID] = &cp
	return nil
}

func (m *memComments) ListByIssue(_ context.Context, issueID string) ([]*models.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Comment, 0)
	for _, c := range m.comments {
		if c.IssueID == issueID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memComments) DeleteByIssue(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.comments {
		if c.IssueID == issueID {
			delete(m.comments, id)
		}
	}
	return nil
}

type memLabels MemoryStore

func (m *memLabels) Create(_ context.Context, l *models.Label) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.labels {
		if existing.ProjectID == l.ProjectID && existing.Name == l.Name {
			return ErrConflict
		}
	}
	cp := *l
	m.labels[l.ID] = &cp
	return nil
}

func (m *memLabels) GetByName(_ context.Context, projectID, name string) (*models.Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.labels {
		if l.ProjectID == projectID && l.Name == name {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memLabels) ListByProject(_ context.Context, projectID string) ([]*models.Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Label, 0)
	for _, l := range m.labels {
		if l.ProjectID == projectID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memLabels) Bind(_ context.Context, issueID, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bindings[issueID] == nil {
		m.bindings[issueID] = make(map[string]bool)
	}
	m.bindings[issueID][labelID] = true
	return nil
}

func (m *memLabels) Unbind(_ context.Context, issueID, labelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings[issueID], labelID)
	return nil
}

func (m *memLabels) UnbindAll(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, issueID)
	return nil
}

func (m *memLabels) ListByIssue(_ context.Context, issueID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for labelID := range m.bindings[issueID] {
		out = append(out, labelID)
	}
	sort.Strings(out)
	return out, nil
}

type memDocuments MemoryStore

func (m *memDocuments) Create(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.documents[d.ID] = &cp
	return nil
}

func (m *memDocuments) Get(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocuments) ListByIssue(_ context.Context, issueID string) ([]*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Document, 0)
	for _, d := range m.documents {
		if d.IssueID == issueID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memDocuments) Update(_ context.Context, d *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.documents[d.ID] = &cp
	return nil
}

func (m *memDocuments) DeleteByIssue(_ context.Context, issueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.documents {
		if d.IssueID == issueID {
			delete(m.documents, id)
		}
	}
	return nil
}

type memAgents MemoryStore

func (m *memAgents) Create(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.agents {
		if existing.ProjectID == a.ProjectID && existing.Name == a.Name {
			return ErrConflict
		}
	}
	a.Version = 1
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *memAgents) Get(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAgents) GetByName(_ context.Context, projectID, name string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.ProjectID == projectID && a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memAgents) ListByProject(_ context.Context, projectID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Agent, 0)
	for _, a := range m.agents {
		if a.ProjectID == projectID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memAgents) Update(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != a.Version {
		return ErrVersionMismatch
	}
	a.Version++
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

type memAlerts MemoryStore

func (m *memAlerts) Create(_ context.Context, a *models.ProvisionalAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memAlerts) Get(_ context.Context, id string) (*models.ProvisionalAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memAlerts) Update(_ context.Context, a *models.ProvisionalAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *memAlerts) ListPending(_ context.Context, projectID string) ([]*models.ProvisionalAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ProvisionalAlert, 0)
	for _, a := range m.alerts {
		if a.ProjectID == projectID && a.Status == models.AlertPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memPatterns MemoryStore

func (m *memPatterns) Create(_ context.Context, p *models.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *memPatterns) Get(_ context.Context, id string) (*models.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPatterns) Update(_ context.Context, p *models.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patterns[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *memPatterns) ListActive(_ context.Context, projectID string) ([]*models.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Pattern, 0)
	for _, p := range m.patterns {
		if p.ProjectID == projectID && p.Status == models.PatternActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memPatterns) CreateOccurrence(_ context.Context, o *models.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.occurrences[o.ID] = &cp
	return nil
}

func (m *memPatterns) UpdateOccurrence(_ context.Context, o *models.Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.occurrences[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.occurrences[o.ID] = &cp
	return nil
}

func (m *memPatterns) ListOccurrencesByAlert(_ context.Context, alertID string) ([]*models.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Occurrence, 0)
	for _, o := range m.occurrences {
		if o.AlertID == alertID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memPatterns) ListOccurrencesByPattern(_ context.Context, patternID string) ([]*models.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Occurrence, 0)
	for _, o := range m.occurrences {
		if o.PatternID == patternID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memPatterns) RelinkOccurrences(_ context.Context, alertID, patternID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.occurrences {
		if o.AlertID == alertID {
			o.AlertID = ""
			o.PatternID = patternID
		}
	}
	return nil
}

func (m *memPatterns) ListOccurrencesByDocument(_ context.Context, kind, identifier string) ([]*models.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Occurrence, 0)
	for _, o := range m.occurrences {
		if o.Fingerprint.Kind == kind && o.Fingerprint.Identifier == identifier {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPatterns) CountIgnored(_ context.Context, patternID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, o := range m.occurrences {
		if o.PatternID == patternID && o.WasInjected && !o.WasAdheredTo && !o.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

type memSalience MemoryStore

func (m *memSalience) Upsert(_ context.Context, s *models.SalienceIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.salience[s.Key]; ok {
		existing.IgnoredCount = s.IgnoredCount
		existing.UpdatedAt = s.UpdatedAt
		return nil
	}
	cp := *s
	m.salience[s.Key] = &cp
	return nil
}

func (m *memSalience) ListByProject(_ context.Context, projectID string) ([]*models.SalienceIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SalienceIssue, 0)
	for _, s := range m.salience {
		if s.ProjectID == projectID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memKillSwitches MemoryStore

func ksKey(workspaceID, projectID string) string { return workspaceID + "/" + projectID }

func (m *memKillSwitches) Get(_ context.Context, workspaceID, projectID string) (*models.KillSwitchStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.killSwitches[ksKey(workspaceID, projectID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memKillSwitches) Set(_ context.Context, s *models.KillSwitchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.killSwitches[ksKey(s.WorkspaceID, s.ProjectID)] = &cp
	return nil
}

func (m *memKillSwitches) ListDueForResume(_ context.Context, now time.Time) ([]*models.KillSwitchStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.KillSwitchStatus, 0)
	for _, s := range m.killSwitches {
		if s.State != models.KillSwitchActive && s.AutoTriggered &&
			s.AutoResumeAt != nil && !s.AutoResumeAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memAttributions MemoryStore

func (m *memAttributions) Record(_ context.Context, r *AttributionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.attributions = append(m.attributions, &cp)
	return nil
}

func (m *memAttributions) Metrics(_ context.Context, projectID string, window time.Duration) (*models.HealthMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(-window)
	metrics := &models.HealthMetrics{
		AttributionCounts: make(map[string]int),
		WindowStart:       cutoff,
		WindowEnd:         now,
	}

	total, confirmed, inferred, improved := 0, 0, 0, 0
	for _, r := range m.attributions {
		if r.ProjectID != projectID || r.CreatedAt.Before(cutoff) {
			continue
		}
		total++
		metrics.AttributionCounts[string(r.FailureMode)]++
		if r.Confirmed {
			confirmed++
		}
		if r.QuoteType == models.QuoteInferred {
			inferred++
		}
		if r.Improved {
			improved++
		}
	}

	metrics.SampleCount = total
	if total > 0 {
		metrics.AttributionPrecisionScore = float64(confirmed) / float64(total)
		metrics.InferredRatio = float64(inferred) / float64(total)
		metrics.ObservedImprovementRate = float64(improved) / float64(total)
	}
	return metrics, nil
}
