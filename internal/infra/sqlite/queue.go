// Sync queue operations.
// Items drain in creation order (FIFO). The claim step is a
// compare-and-swap on status so at most one item per record is ever
// actively syncing. Completed items stay behind for audit until
// explicitly purged.
package sqlite

import (
	"time"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// EnqueueSyncItem inserts a queue item unless the record already has an
// active (pending or syncing) item. Returns whether it was enqueued.
func (db *DB) EnqueueSyncItem(item domain.SyncItem) (bool, error) {
	res, err := db.db.Exec(`
		INSERT INTO sync_queue (id, kind, record_id, status, retry_count, last_error, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM sync_queue
			WHERE record_id = ? AND status IN ('pending', 'syncing')
		)
	`, item.ID, string(item.Kind), item.RecordID, string(domain.QueuePending),
		item.RetryCount, item.LastError, formatTime(item.CreatedAt),
		item.RecordID)
	if err != nil {
		return false, storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}

// PendingSyncItems returns pending items in creation order.
func (db *DB) PendingSyncItems() ([]domain.SyncItem, error) {
	rows, err := db.db.Query(queueSelect+`
		WHERE status = ? ORDER BY created_at ASC, rowid ASC
	`, string(domain.QueuePending))
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var items []domain.SyncItem
	for rows.Next() {
		it, err := scanSyncItem(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		items = append(items, *it)
	}
	return items, storeErr(rows.Err())
}

// ClaimSyncItem transitions pending → syncing. Fails with
// PreconditionFailed when the item is no longer pending (claimed by a
// concurrent pass, completed, or failed meanwhile).
func (db *DB) ClaimSyncItem(id string) error {
	res, err := db.db.Exec(`
		UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?
	`, string(domain.QueueSyncing), id, string(domain.QueuePending))
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E(domain.KindPreconditionFailed, "queue item %s is not pending", id)
	}
	return nil
}

// CompleteSyncItem marks an item delivered.
func (db *DB) CompleteSyncItem(id string) error {
	return db.setQueueStatus(id, domain.QueueCompleted, -1, "")
}

// RequeueSyncItem reverts syncing → pending after a transient failure,
// recording the bumped retry count and the error.
func (db *DB) RequeueSyncItem(id string, retryCount int, lastError string) error {
	return db.setQueueStatus(id, domain.QueuePending, retryCount, lastError)
}

// FailSyncItem marks an item terminally failed. Failed items are never
// drained again; only a manual resync re-enqueues a fresh item.
func (db *DB) FailSyncItem(id string, retryCount int, lastError string) error {
	return db.setQueueStatus(id, domain.QueueFailed, retryCount, lastError)
}

func (db *DB) setQueueStatus(id string, status domain.QueueStatus, retryCount int, lastError string) error {
	var err error
	if retryCount < 0 {
		_, err = db.db.Exec(`
			UPDATE sync_queue SET status = ? WHERE id = ?
		`, string(status), id)
	} else {
		_, err = db.db.Exec(`
			UPDATE sync_queue SET status = ?, retry_count = ?, last_error = ? WHERE id = ?
		`, string(status), retryCount, lastError, id)
	}
	return storeErr(err)
}

// SyncItemsForRecord returns all queue items for a record, oldest first.
func (db *DB) SyncItemsForRecord(recordID string) ([]domain.SyncItem, error) {
	rows, err := db.db.Query(queueSelect+`
		WHERE record_id = ? ORDER BY created_at ASC, rowid ASC
	`, recordID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var items []domain.SyncItem
	for rows.Next() {
		it, err := scanSyncItem(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		items = append(items, *it)
	}
	return items, storeErr(rows.Err())
}

// PendingSyncCount returns the number of undelivered items.
func (db *DB) PendingSyncCount() (int, error) {
	var count int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE status IN ('pending', 'syncing')
	`).Scan(&count)
	return count, storeErr(err)
}

// FailedSyncCount returns the number of terminally failed items.
func (db *DB) FailedSyncCount() (int, error) {
	var count int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM sync_queue WHERE status = 'failed'
	`).Scan(&count)
	return count, storeErr(err)
}

// PurgeCompletedItems deletes completed audit entries older than the
// cutoff.
func (db *DB) PurgeCompletedItems(before time.Time) (int64, error) {
	res, err := db.db.Exec(`
		DELETE FROM sync_queue WHERE status = 'completed' AND created_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	return n, storeErr(err)
}

// ─── Scanning ───────────────────────────────────────────────────────────────

const queueSelect = `
	SELECT id, kind, record_id, status, retry_count, last_error, created_at
	FROM sync_queue`

func scanSyncItem(row rowScanner) (*domain.SyncItem, error) {
	var it domain.SyncItem
	var kind, status, createdAt string
	err := row.Scan(&it.ID, &kind, &it.RecordID, &status, &it.RetryCount,
		&it.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	it.Kind = domain.ItemKind(kind)
	it.Status = domain.QueueStatus(status)
	it.CreatedAt = parseTime(createdAt)
	return &it, nil
}
