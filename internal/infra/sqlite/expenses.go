// Expense mirror operations.
// Sync fields are mutated by the queue processor; approval fields by
// the approval machine. Approval transitions are compare-and-swap
// updates on approval_status so two concurrent actors cannot both win.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldledger/fieldledger/internal/domain"
)

// ─── Insert / Read ──────────────────────────────────────────────────────────

// InsertExpense stores a newly captured expense.
func (db *DB) InsertExpense(e domain.Expense) error {
	_, err := db.db.Exec(`
		INSERT INTO expenses (local_id, remote_id, amount_minor, category, vendor,
			description, expense_date, job_ref, receipt_id,
			sync_status, retry_count, last_error,
			approval_status, rejection_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.LocalID, e.RemoteID, e.AmountMinor, string(e.Category), e.Vendor,
		e.Description, e.ExpenseDate.UTC().Format(time.DateOnly), e.JobRef, e.ReceiptID,
		string(e.SyncStatus), e.RetryCount, e.LastError,
		string(e.ApprovalStatus), e.RejectionReason,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return storeErr(err)
}

// GetExpense retrieves an expense by local id.
func (db *DB) GetExpense(localID string) (*domain.Expense, error) {
	row := db.db.QueryRow(expenseSelect+` WHERE local_id = ?`, localID)
	e, err := scanExpense(row)
	if err == sql.ErrNoRows {
		return nil, domain.NotFound("expense", localID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

// ExpenseFilter narrows list/count queries. Zero fields are ignored.
type ExpenseFilter struct {
	SyncStatus     domain.SyncStatus
	ApprovalStatus domain.ApprovalStatus
	JobRef         string
	Limit          int
}

// ListExpenses returns expenses matching the filter, newest first.
func (db *DB) ListExpenses(f ExpenseFilter) ([]domain.Expense, error) {
	q, args := f.whereClause(expenseSelect)
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := db.db.Query(q, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var result []domain.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		result = append(result, *e)
	}
	return result, storeErr(rows.Err())
}

// CountExpenses counts expenses matching the filter.
func (db *DB) CountExpenses(f ExpenseFilter) (int, error) {
	q, args := f.whereClause(`SELECT COUNT(*) FROM expenses`)
	var count int
	if err := db.db.QueryRow(q, args...).Scan(&count); err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

func (f ExpenseFilter) whereClause(base string) (string, []any) {
	q := base + ` WHERE 1=1`
	var args []any
	if f.SyncStatus != "" {
		q += ` AND sync_status = ?`
		args = append(args, string(f.SyncStatus))
	}
	if f.ApprovalStatus != "" {
		q += ` AND approval_status = ?`
		args = append(args, string(f.ApprovalStatus))
	}
	if f.JobRef != "" {
		q += ` AND job_ref = ?`
		args = append(args, f.JobRef)
	}
	return q, args
}

// ─── Sync-State Mutations (queue processor side) ────────────────────────────

// MarkExpenseSynced records a successful push: terminal sync success,
// remote identifier stored, failure bookkeeping cleared.
func (db *DB) MarkExpenseSynced(localID, remoteID string) error {
	return db.execExpenseUpdate(localID, `
		UPDATE expenses
		SET remote_id = ?, sync_status = ?, last_error = '', updated_at = ?
		WHERE local_id = ?
	`, remoteID, string(domain.SyncSynced), formatTime(time.Now()), localID)
}

// SetExpenseSyncState updates the sync bookkeeping fields on a record.
func (db *DB) SetExpenseSyncState(localID string, status domain.SyncStatus, retryCount int, lastError string) error {
	return db.execExpenseUpdate(localID, `
		UPDATE expenses
		SET sync_status = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?
	`, string(status), retryCount, lastError, formatTime(time.Now()), localID)
}

// ─── Approval Mutations (conditional, compare-and-swap) ─────────────────────

// MarkExpenseSubmitted performs draft → pending_approval, stamping the
// submitter and attaching the disbursement reference.
func (db *DB) MarkExpenseSubmitted(localID, submittedBy string, submittedAt time.Time, disbursementID, disbursementNo string) error {
	return db.casApproval(localID, domain.ApprovalDraft, `
		UPDATE expenses
		SET approval_status = ?, submitted_by = ?, submitted_at = ?,
		    disbursement_id = ?, disbursement_no = ?, updated_at = ?
		WHERE local_id = ? AND approval_status = ?
	`, string(domain.ApprovalPending), submittedBy, formatTime(submittedAt),
		disbursementID, disbursementNo, formatTime(time.Now()),
		localID, string(domain.ApprovalDraft))
}

// MarkExpenseApproved performs pending_approval → approved. Any prior
// rejection reason is cleared.
func (db *DB) MarkExpenseApproved(localID, approvedBy string, approvedAt time.Time) error {
	return db.casApproval(localID, domain.ApprovalPending, `
		UPDATE expenses
		SET approval_status = ?, approved_by = ?, approved_at = ?,
		    rejection_reason = '', updated_at = ?
		WHERE local_id = ? AND approval_status = ?
	`, string(domain.ApprovalApproved), approvedBy, formatTime(approvedAt),
		formatTime(time.Now()), localID, string(domain.ApprovalPending))
}

// MarkExpenseRejected performs pending_approval → rejected with the
// reviewer's reason.
func (db *DB) MarkExpenseRejected(localID, rejectedBy, reason string, rejectedAt time.Time) error {
	return db.casApproval(localID, domain.ApprovalPending, `
		UPDATE expenses
		SET approval_status = ?, approved_by = ?, approved_at = ?,
		    rejection_reason = ?, updated_at = ?
		WHERE local_id = ? AND approval_status = ?
	`, string(domain.ApprovalRejected), rejectedBy, formatTime(rejectedAt),
		reason, formatTime(time.Now()), localID, string(domain.ApprovalPending))
}

// ResetExpenseToDraft performs rejected → draft for resubmission,
// clearing rejection and approver fields. Draft is a legitimate resting
// state if the follow-up submit fails.
func (db *DB) ResetExpenseToDraft(localID string) error {
	return db.casApproval(localID, domain.ApprovalRejected, `
		UPDATE expenses
		SET approval_status = ?, rejection_reason = '', approved_by = '',
		    approved_at = NULL, submitted_by = '', submitted_at = NULL,
		    updated_at = ?
		WHERE local_id = ? AND approval_status = ?
	`, string(domain.ApprovalDraft), formatTime(time.Now()),
		localID, string(domain.ApprovalRejected))
}

// casApproval runs a conditional approval update. Zero rows affected
// means the record either does not exist or its status moved under us;
// the two are distinguished so callers can message users correctly.
func (db *DB) casApproval(localID string, expected domain.ApprovalStatus, query string, args ...any) error {
	res, err := db.db.Exec(query, args...)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		current, err := db.GetExpense(localID)
		if err != nil {
			return err // NotFound or store failure
		}
		return domain.E(domain.KindPreconditionFailed,
			"expense %s is %s, expected %s", localID, current.ApprovalStatus, expected)
	}
	return nil
}

// execExpenseUpdate runs an unconditional single-record update and
// converts a zero-row result into NotFound.
func (db *DB) execExpenseUpdate(localID, query string, args ...any) error {
	res, err := db.db.Exec(query, args...)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("expense", localID)
	}
	return nil
}

// ─── Scanning ───────────────────────────────────────────────────────────────

const expenseSelect = `
	SELECT local_id, remote_id, amount_minor, category, vendor, description,
	       expense_date, job_ref, receipt_id,
	       sync_status, retry_count, last_error,
	       approval_status, disbursement_id, disbursement_no,
	       submitted_by, submitted_at, approved_by, approved_at,
	       rejection_reason, created_at, updated_at
	FROM expenses`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpense(row rowScanner) (*domain.Expense, error) {
	var e domain.Expense
	var category, syncStatus, approvalStatus string
	var expenseDate, createdAt, updatedAt string
	var submittedAt, approvedAt sql.NullString

	err := row.Scan(
		&e.LocalID, &e.RemoteID, &e.AmountMinor, &category, &e.Vendor, &e.Description,
		&expenseDate, &e.JobRef, &e.ReceiptID,
		&syncStatus, &e.RetryCount, &e.LastError,
		&approvalStatus, &e.DisbursementID, &e.DisbursementNo,
		&e.SubmittedBy, &submittedAt, &e.ApprovedBy, &approvedAt,
		&e.RejectionReason, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Category = domain.Category(category)
	e.SyncStatus = domain.SyncStatus(syncStatus)
	e.ApprovalStatus = domain.ApprovalStatus(approvalStatus)
	e.ExpenseDate, err = time.Parse(time.DateOnly, expenseDate)
	if err != nil {
		return nil, fmt.Errorf("parse expense date %q: %w", expenseDate, err)
	}
	e.SubmittedAt = parseNullableTime(submittedAt)
	e.ApprovedAt = parseNullableTime(approvedAt)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return &e, nil
}
