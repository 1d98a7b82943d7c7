// Receipt operations. A receipt is owned by exactly one expense
// (composition, enforced by the UNIQUE(expense_id) constraint).
package sqlite

import (
	"database/sql"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// InsertReceipt stores a newly captured receipt.
func (db *DB) InsertReceipt(r domain.Receipt) error {
	_, err := db.db.Exec(`
		INSERT INTO receipts (local_id, expense_id, file_path, content_type,
			storage_path, sync_status, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.LocalID, r.ExpenseID, r.FilePath, r.ContentType,
		r.StoragePath, string(r.SyncStatus), r.RetryCount, r.LastError,
		formatTime(r.CreatedAt))
	return storeErr(err)
}

// GetReceipt retrieves a receipt by local id.
func (db *DB) GetReceipt(localID string) (*domain.Receipt, error) {
	row := db.db.QueryRow(receiptSelect+` WHERE local_id = ?`, localID)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("receipt", localID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// ReceiptByExpense retrieves the receipt owned by an expense, or nil
// when the expense has none.
func (db *DB) ReceiptByExpense(expenseID string) (*domain.Receipt, error) {
	row := db.db.QueryRow(receiptSelect+` WHERE expense_id = ?`, expenseID)
	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// MarkReceiptSynced records a successful upload with its storage path.
func (db *DB) MarkReceiptSynced(localID, storagePath string) error {
	res, err := db.db.Exec(`
		UPDATE receipts
		SET storage_path = ?, sync_status = ?, last_error = ''
		WHERE local_id = ?
	`, storagePath, string(domain.SyncSynced), localID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("receipt", localID)
	}
	return nil
}

// SetReceiptSyncState updates the sync bookkeeping fields.
func (db *DB) SetReceiptSyncState(localID string, status domain.SyncStatus, retryCount int, lastError string) error {
	res, err := db.db.Exec(`
		UPDATE receipts
		SET sync_status = ?, retry_count = ?, last_error = ?
		WHERE local_id = ?
	`, string(status), retryCount, lastError, localID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("receipt", localID)
	}
	return nil
}

// ─── Scanning ───────────────────────────────────────────────────────────────

const receiptSelect = `
	SELECT local_id, expense_id, file_path, content_type, storage_path,
	       sync_status, retry_count, last_error, created_at
	FROM receipts`

func scanReceipt(row rowScanner) (*domain.Receipt, error) {
	var r domain.Receipt
	var syncStatus, createdAt string
	err := row.Scan(&r.LocalID, &r.ExpenseID, &r.FilePath, &r.ContentType,
		&r.StoragePath, &syncStatus, &r.RetryCount, &r.LastError, &createdAt)
	if err != nil {
		return nil, err
	}
	r.SyncStatus = domain.SyncStatus(syncStatus)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}
