// Package sync implements the sync queue processor: it eventually
// delivers every non-terminal local mutation to the remote gateway,
// with at-least-once delivery locally and exactly-once effect remotely
// (the backend dedupes on the client reference; already-synced records
// are suppressed before and re-checked during a drain).
package sync

import (
	"context"
	"mime"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/observability"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// Config controls processor behavior.
type Config struct {
	UserID     string // receipt storage paths are namespaced per user
	MaxRetries int    // transient retry budget (default domain.MaxSyncRetries)
}

// Processor drains the sync queue. Only one drain pass is ever active;
// concurrent run requests coalesce into the active pass via an atomic
// run-in-progress flag — no lock is held across network calls.
type Processor struct {
	cfg      Config
	db       *sqlite.DB
	gw       domain.Gateway
	notifier *Notifier
	log      zerolog.Logger
	running  atomic.Bool
}

// NewProcessor creates a sync queue processor.
func NewProcessor(cfg Config, db *sqlite.DB, gw domain.Gateway, notifier *Notifier, log zerolog.Logger) *Processor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.MaxSyncRetries
	}
	return &Processor{
		cfg:      cfg,
		db:       db,
		gw:       gw,
		notifier: notifier,
		log:      log.With().Str("component", "sync").Logger(),
	}
}

// RunReport summarizes one drain pass.
type RunReport struct {
	Coalesced bool `json:"coalesced"` // another pass was active; nothing done here
	Pushed    int  `json:"pushed"`
	Requeued  int  `json:"requeued"`
	Failed    int  `json:"failed"`
	Skipped   int  `json:"skipped"`
}

// Run drains all pending queue items in creation order. A Run issued
// while another is active is a no-op the active pass naturally covers.
func (p *Processor) Run(ctx context.Context) (RunReport, error) {
	if !p.running.CompareAndSwap(false, true) {
		observability.SyncRunsCoalesced.Inc()
		return RunReport{Coalesced: true}, nil
	}
	defer p.running.Store(false)

	start := time.Now()
	defer func() {
		observability.SyncDrainDuration.Observe(time.Since(start).Seconds())
		p.updateQueueDepth()
	}()

	items, err := p.db.PendingSyncItems()
	if err != nil {
		return RunReport{}, err
	}

	var report RunReport
	for _, it := range items {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		p.processItem(ctx, it, &report)
	}

	p.log.Info().
		Int("pushed", report.Pushed).
		Int("requeued", report.Requeued).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Dur("took", time.Since(start)).
		Msg("drain pass finished")
	return report, nil
}

// QueueStatus is a point-in-time view of the queue for status surfaces.
type QueueStatus struct {
	Pending int  `json:"pending"`
	Failed  int  `json:"failed"`
	Running bool `json:"running"`
}

// Status reports current queue depth and whether a drain is active.
func (p *Processor) Status() (QueueStatus, error) {
	pending, err := p.db.PendingSyncCount()
	if err != nil {
		return QueueStatus{}, err
	}
	failed, err := p.db.FailedSyncCount()
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{Pending: pending, Failed: failed, Running: p.running.Load()}, nil
}

// PurgeCompleted removes completed audit entries older than the cutoff.
func (p *Processor) PurgeCompleted(before time.Time) (int64, error) {
	return p.db.PurgeCompletedItems(before)
}

// Enqueue queues a record for delivery unless it is already synced or
// already has an active queue item. Returns whether a new item was
// queued.
func (p *Processor) Enqueue(kind domain.ItemKind, recordID string) (bool, error) {
	synced, err := p.recordSynced(kind, recordID)
	if err != nil {
		return false, err
	}
	if synced {
		return false, nil
	}

	ok, err := p.db.EnqueueSyncItem(domain.SyncItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		RecordID:  recordID,
		Status:    domain.QueuePending,
		CreatedAt: time.Now(),
	})
	if err == nil {
		p.updateQueueDepth()
	}
	return ok, err
}

// Resync is the explicit user-triggered retry for a failed record: it
// resets the retry budget, clears the failure, and re-enqueues. This is
// the only path out of SyncFailed.
func (p *Processor) Resync(ctx context.Context, kind domain.ItemKind, recordID string) error {
	switch kind {
	case domain.ItemExpense:
		exp, err := p.db.GetExpense(recordID)
		if err != nil {
			return err
		}
		if exp.SyncStatus == domain.SyncSynced {
			return domain.E(domain.KindPreconditionFailed, "expense %s is already synced", recordID)
		}
		if err := p.db.SetExpenseSyncState(recordID, domain.SyncPending, 0, ""); err != nil {
			return err
		}
	case domain.ItemReceipt:
		rc, err := p.db.GetReceipt(recordID)
		if err != nil {
			return err
		}
		if rc.SyncStatus == domain.SyncSynced {
			return domain.E(domain.KindPreconditionFailed, "receipt %s is already synced", recordID)
		}
		if err := p.db.SetReceiptSyncState(recordID, domain.SyncPending, 0, ""); err != nil {
			return err
		}
	default:
		return domain.E(domain.KindValidationFailed, "unknown record kind %q", kind)
	}

	if _, err := p.db.EnqueueSyncItem(domain.SyncItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		RecordID:  recordID,
		Status:    domain.QueuePending,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}

	p.log.Info().Str("record", recordID).Str("kind", string(kind)).Msg("manual resync queued")
	_, err := p.Run(ctx)
	return err
}

// ─── Drain Internals ────────────────────────────────────────────────────────

func (p *Processor) processItem(ctx context.Context, it domain.SyncItem, report *RunReport) {
	// Claim is a compare-and-swap: losing it means another actor already
	// took the item, which is exactly the no-duplicate-in-flight invariant.
	if err := p.db.ClaimSyncItem(it.ID); err != nil {
		report.Skipped++
		return
	}

	var err error
	switch it.Kind {
	case domain.ItemExpense:
		err = p.pushExpense(ctx, it)
	case domain.ItemReceipt:
		err = p.pushReceipt(ctx, it)
	default:
		err = domain.E(domain.KindValidationFailed, "unknown queue item kind %q", it.Kind)
	}

	switch {
	case err == nil:
		report.Pushed++
		observability.SyncPushes.WithLabelValues(string(it.Kind), "completed").Inc()

	case domain.KindOf(err) == domain.KindPreconditionFailed:
		// Record was already delivered (idempotence re-check); treat as done.
		p.db.CompleteSyncItem(it.ID)
		report.Skipped++
		observability.SyncPushes.WithLabelValues(string(it.Kind), "skipped").Inc()

	case domain.IsTransient(err):
		retry := it.RetryCount + 1
		if retry < p.cfg.MaxRetries {
			p.db.RequeueSyncItem(it.ID, retry, err.Error())
			p.setRecordSyncState(it, domain.SyncPending, retry, err.Error())
			report.Requeued++
			observability.SyncRetries.Inc()
			observability.SyncPushes.WithLabelValues(string(it.Kind), "requeued").Inc()
			p.log.Warn().Str("record", it.RecordID).Int("retry", retry).Err(err).Msg("transient push failure, requeued")
		} else {
			p.failItem(it, retry, err)
			report.Failed++
		}

	default:
		// Permanent: repeating the identical payload cannot succeed.
		p.failItem(it, it.RetryCount, err)
		report.Failed++
	}
}

func (p *Processor) pushExpense(ctx context.Context, it domain.SyncItem) error {
	exp, err := p.db.GetExpense(it.RecordID)
	if err != nil {
		return err
	}
	if exp.SyncStatus == domain.SyncSynced {
		// Already delivered by an earlier pass; suppress the duplicate push.
		return domain.E(domain.KindPreconditionFailed, "expense %s already synced", it.RecordID)
	}

	if err := p.db.SetExpenseSyncState(it.RecordID, domain.SyncInFlight, it.RetryCount, ""); err != nil {
		return err
	}

	remoteID, err := p.gw.CreateExpense(ctx, *exp)
	if err != nil {
		return err
	}

	if err := p.db.MarkExpenseSynced(it.RecordID, remoteID); err != nil {
		return err
	}
	if err := p.db.CompleteSyncItem(it.ID); err != nil {
		return err
	}

	p.notifier.Publish(Event{Kind: EventSynced, RecordID: it.RecordID})
	p.log.Info().Str("record", it.RecordID).Str("remote", remoteID).Msg("expense synced")
	return nil
}

func (p *Processor) pushReceipt(ctx context.Context, it domain.SyncItem) error {
	rc, err := p.db.GetReceipt(it.RecordID)
	if err != nil {
		return err
	}
	if rc.SyncStatus == domain.SyncSynced {
		return domain.E(domain.KindPreconditionFailed, "receipt %s already synced", it.RecordID)
	}

	if err := p.db.SetReceiptSyncState(it.RecordID, domain.SyncInFlight, it.RetryCount, ""); err != nil {
		return err
	}

	data, err := os.ReadFile(rc.FilePath)
	if err != nil {
		// Missing or unreadable source file: retrying the identical item
		// cannot succeed.
		return domain.Wrap(domain.KindValidationFailed, err, "read receipt file")
	}

	destPath := rc.StoragePath
	if destPath == "" {
		destPath = domain.ReceiptStoragePath(p.cfg.UserID, rc.CreatedAt, receiptExt(rc))
	}
	if err := p.gw.UploadReceipt(ctx, data, rc.ContentType, destPath); err != nil {
		return err
	}

	if err := p.db.MarkReceiptSynced(it.RecordID, destPath); err != nil {
		return err
	}
	if err := p.db.CompleteSyncItem(it.ID); err != nil {
		return err
	}

	p.notifier.Publish(Event{Kind: EventSynced, RecordID: it.RecordID})
	p.log.Info().Str("record", it.RecordID).Str("path", destPath).Msg("receipt uploaded")
	return nil
}

// failItem marks an item and its record terminally failed. Failed
// records remain visible with a manual-retry affordance; they are never
// auto-retried again.
func (p *Processor) failItem(it domain.SyncItem, retryCount int, cause error) {
	p.db.FailSyncItem(it.ID, retryCount, cause.Error())
	p.setRecordSyncState(it, domain.SyncFailed, retryCount, cause.Error())
	observability.SyncPushes.WithLabelValues(string(it.Kind), "failed").Inc()
	p.notifier.Publish(Event{Kind: EventSyncFailed, RecordID: it.RecordID, Detail: cause.Error()})
	p.log.Error().Str("record", it.RecordID).Int("retries", retryCount).Err(cause).Msg("sync failed")
}

func (p *Processor) setRecordSyncState(it domain.SyncItem, status domain.SyncStatus, retryCount int, lastError string) {
	switch it.Kind {
	case domain.ItemExpense:
		p.db.SetExpenseSyncState(it.RecordID, status, retryCount, lastError)
	case domain.ItemReceipt:
		p.db.SetReceiptSyncState(it.RecordID, status, retryCount, lastError)
	}
}

func (p *Processor) recordSynced(kind domain.ItemKind, recordID string) (bool, error) {
	switch kind {
	case domain.ItemExpense:
		exp, err := p.db.GetExpense(recordID)
		if err != nil {
			return false, err
		}
		return exp.SyncStatus == domain.SyncSynced, nil
	case domain.ItemReceipt:
		rc, err := p.db.GetReceipt(recordID)
		if err != nil {
			return false, err
		}
		return rc.SyncStatus == domain.SyncSynced, nil
	}
	return false, domain.E(domain.KindValidationFailed, "unknown record kind %q", kind)
}

func (p *Processor) updateQueueDepth() {
	if n, err := p.db.PendingSyncCount(); err == nil {
		observability.SyncQueueDepth.Set(float64(n))
	}
}

// receiptExt derives the storage extension from the content type,
// falling back to the local file name.
func receiptExt(rc *domain.Receipt) string {
	if exts, err := mime.ExtensionsByType(rc.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return filepath.Ext(rc.FilePath)
}
