package deltafeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relayworks/spacesync/internal/metrics"
	"github.com/relayworks/spacesync/internal/spacesync"
)

// Applier is the ingestion callback contract the runner drives.
// *spacesync.Manager satisfies it.
type Applier interface {
	CreateAsset(spacesync.Asset) error
	CreateEntry(spacesync.Entry) error
	DeleteAsset(id string)
	DeleteEntry(id string)
	ResolveRelationships() spacesync.ResolutionStats
	SyncToken() (string, error)
	UpdateSyncToken(token string) error
	Save() error
}

// PageSource fetches delta pages. *Client satisfies it.
type PageSource interface {
	FetchPage(ctx context.Context, syncToken, cursor string) (DeltaPage, error)
}

// Logger matches *log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// Status is a point-in-time snapshot of the runner for the status API.
type Status struct {
	Backend        string                    `json:"backend"`
	Cycles         int64                     `json:"cycles"`
	Failures       int64                     `json:"failures"`
	LastError      string                    `json:"lastError,omitempty"`
	LastCycleAt    time.Time                 `json:"lastCycleAt"`
	HasSyncToken   bool                      `json:"hasSyncToken"`
	LastResolution spacesync.ResolutionStats `json:"lastResolution"`
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Source  PageSource
	Backend string
	Logger  Logger
	Clock   func() time.Time
}

// Runner funnels delta pages from any source into the Applier's callback
// contract and closes each batch with a resolution pass, a sync-token
// update, and a save. All sources call into one Runner from one goroutine,
// preserving the engine's single-writer contract.
type Runner struct {
	applier Applier
	source  PageSource
	backend string
	logger  Logger
	clock   func() time.Time

	mu     sync.Mutex
	status Status
}

func NewRunner(applier Applier, opts RunnerOptions) (*Runner, error) {
	if applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Runner{
		applier: applier,
		source:  opts.Source,
		backend: opts.Backend,
		logger:  opts.Logger,
		clock:   opts.Clock,
		status:  Status{Backend: opts.Backend},
	}, nil
}

// ApplyPage dispatches one page's items to the ingestion callbacks. Items
// with an unknown kind are counted and skipped.
func (r *Runner) ApplyPage(page DeltaPage) error {
	for _, item := range page.Items {
		switch {
		case item.Kind == KindAssetUpsert && item.Asset != nil:
			if err := r.applier.CreateAsset(item.Asset.ToAsset()); err != nil {
				return fmt.Errorf("apply asset upsert: %w", err)
			}
			metrics.AssetsUpserted.Inc()
		case item.Kind == KindEntryUpsert && item.Entry != nil:
			entry := item.Entry.ToEntry()
			if err := r.applier.CreateEntry(entry); err != nil {
				return fmt.Errorf("apply entry upsert: %w", err)
			}
			metrics.EntriesUpserted.Inc()
		case item.Kind == KindAssetDeleted:
			r.applier.DeleteAsset(item.ID)
			metrics.AssetDeletes.Inc()
		case item.Kind == KindEntryDeleted:
			r.applier.DeleteEntry(item.ID)
			metrics.EntryDeletes.Inc()
		default:
			r.logf("ignoring delta item of kind %q", item.Kind)
			metrics.ItemsIgnored.Inc()
		}
	}
	metrics.PagesApplied.Inc()
	return nil
}

// CompleteBatch runs the resolution pass over everything ingested since the
// last batch, stores the new sync token when the source produced one, and
// flushes the store so the batch and its cursor land together.
func (r *Runner) CompleteBatch(syncToken string) (spacesync.ResolutionStats, error) {
	started := r.clock()
	stats := r.applier.ResolveRelationships()
	metrics.ResolutionDuration.Observe(time.Since(started).Seconds())
	metrics.LinksResolved.Add(float64(stats.FieldsLinked))
	metrics.LinksDangling.Add(float64(stats.Dangling))

	if syncToken != "" {
		if err := r.applier.UpdateSyncToken(syncToken); err != nil {
			return stats, fmt.Errorf("update sync token: %w", err)
		}
	}
	if err := r.applier.Save(); err != nil {
		return stats, fmt.Errorf("save: %w", err)
	}
	r.mu.Lock()
	r.status.LastResolution = stats
	if syncToken != "" {
		r.status.HasSyncToken = true
	}
	r.mu.Unlock()
	return stats, nil
}

// SyncOnce performs a full paginated pull from the configured source,
// starting at the persisted sync token, then completes the batch. A failure
// mid-batch leaves already-ingested records durable on the next save and the
// ledger intact for a later resolution.
func (r *Runner) SyncOnce(ctx context.Context) error {
	if r.source == nil {
		return fmt.Errorf("no page source configured")
	}
	err := r.syncOnce(ctx)
	r.mu.Lock()
	r.status.LastCycleAt = r.clock()
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
		metrics.SyncFailures.Inc()
	} else {
		r.status.Cycles++
		r.status.LastError = ""
		metrics.SyncCycles.Inc()
	}
	r.mu.Unlock()
	return err
}

func (r *Runner) syncOnce(ctx context.Context) error {
	token, err := r.applier.SyncToken()
	if err != nil {
		return fmt.Errorf("read sync token: %w", err)
	}
	cursor := ""
	nextToken := ""
	for {
		page, err := r.source.FetchPage(ctx, token, cursor)
		if err != nil {
			return fmt.Errorf("fetch delta page: %w", err)
		}
		if err := r.ApplyPage(page); err != nil {
			return err
		}
		if page.SyncToken != "" {
			nextToken = page.SyncToken
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}
	if _, err := r.CompleteBatch(nextToken); err != nil {
		return err
	}
	return nil
}

// ApplyBatch ingests a single self-contained page as one batch. The spool
// and live sources use it: each file or frame carries a whole batch.
func (r *Runner) ApplyBatch(page DeltaPage) error {
	if err := r.ApplyPage(page); err != nil {
		r.recordPushResult(err)
		return err
	}
	_, err := r.CompleteBatch(page.SyncToken)
	r.recordPushResult(err)
	return err
}

func (r *Runner) recordPushResult(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.LastCycleAt = r.clock()
	if err != nil {
		r.status.Failures++
		r.status.LastError = err.Error()
		metrics.SyncFailures.Inc()
		return
	}
	r.status.Cycles++
	r.status.LastError = ""
	metrics.SyncCycles.Inc()
}

// Snapshot returns the current status for the ops listener. Safe to call
// from the status server's goroutines.
func (r *Runner) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Runner) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
