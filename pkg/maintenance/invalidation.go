package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/falcon-pm/falcon/pkg/models"
	"github.com/falcon-pm/falcon/pkg/store"
)

// Invalidator marks occurrences stale when their source document changes.
// Pattern definitions are never rewritten here; confidence decay retires
// them naturally once their supporting occurrences go inactive.
type Invalidator struct {
	store store.Store
}

// NewInvalidator creates an Invalidator.
func NewInvalidator(st store.Store) *Invalidator {
	return &Invalidator{store: st}
}

// HandleChange invalidates every occurrence fingerprinting the changed
// document. Unknown change kinds are a no-op. Returns the number of
// occurrences invalidated.
func (inv *Invalidator) HandleChange(ctx context.Context, change models.DocumentChange) (int, error) {
	identifier := change.Identifier()
	if identifier == "" {
		slog.Debug("Ignoring document change with unknown kind", "kind", change.Kind)
		return 0, nil
	}

	occurrences, err := inv.store.Patterns().ListOccurrencesByDocument(ctx,
		string(change.Kind), identifier)
	if err != nil {
		return 0, fmt.Errorf("list occurrences for document: %w", err)
	}

	invalidated := 0
	for _, o := range occurrences {
		if o.Status == models.OccurrenceInactive {
			continue
		}
		o.Status = models.OccurrenceInactive
		o.InactiveReason = models.InactiveReasonSupersededDoc
		if err := inv.store.Patterns().UpdateOccurrence(ctx, o); err != nil {
			return invalidated, fmt.Errorf("invalidate occurrence %s: %w", o.ID, err)
		}
		invalidated++
	}
	if invalidated > 0 {
		slog.Info("Invalidated occurrences for changed document",
			"kind", change.Kind, "identifier", identifier, "count", invalidated)
	}
	return invalidated, nil
}

// DocumentWatcher watches git-tracked guidance files on disk and feeds
// change events into the Invalidator. Only the git document kind can be
// observed locally; tracker, web, and external changes arrive via API.
type DocumentWatcher struct {
	inv     *Invalidator
	watcher *fsnotify.Watcher
	repo    string
	root    string

	mu       sync.Mutex
	debounce map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// debounceWindow suppresses duplicate events from rapid editor saves.
const debounceWindow = 500 * time.Millisecond

// NewDocumentWatcher creates a watcher over root. repo is the identifier
// prefix recorded in occurrence fingerprints.
func NewDocumentWatcher(inv *Invalidator, repo, root string) (*DocumentWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &DocumentWatcher{
		inv:      inv,
		watcher:  w,
		repo:     repo,
		root:     root,
		debounce: make(map[string]time.Time),
	}, nil
}

// Start begins watching. Missing directories are tolerated; they may be
// created later.
func (dw *DocumentWatcher) Start(ctx context.Context) error {
	if dw.cancel != nil {
		return nil
	}
	if _, err := os.Stat(dw.root); err == nil {
		if err := dw.watcher.Add(dw.root); err != nil {
			slog.Warn("Document watcher: initial watch failed", "root", dw.root, "error", err)
		}
	}

	ctx, dw.cancel = context.WithCancel(ctx)
	dw.done = make(chan struct{})
	go dw.run(ctx)

	slog.Info("Document watcher started", "root", dw.root)
	return nil
}

// Stop stops watching and waits for the loop to exit.
func (dw *DocumentWatcher) Stop() {
	if dw.cancel == nil {
		return
	}
	dw.cancel()
	<-dw.done
	_ = dw.watcher.Close()
	slog.Info("Document watcher stopped")
}

func (dw *DocumentWatcher) run(ctx context.Context) {
	defer close(dw.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-dw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !dw.shouldHandle(event.Name) {
				continue
			}
			rel, err := filepath.Rel(dw.root, event.Name)
			if err != nil {
				rel = event.Name
			}
			if _, err := dw.inv.HandleChange(ctx, models.DocumentChange{
				Kind: models.DocKindGit,
				Repo: dw.repo,
				Path: rel,
			}); err != nil {
				slog.Error("Document watcher: invalidation failed",
					"path", rel, "error", err)
			}
		case err, ok := <-dw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Document watcher error", "error", err)
		}
	}
}

// shouldHandle debounces rapid consecutive events per path.
func (dw *DocumentWatcher) shouldHandle(path string) bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	now := time.Now()
	if last, ok := dw.debounce[path]; ok && now.Sub(last) < debounceWindow {
		return false
	}
	dw.debounce[path] = now
	return true
}
