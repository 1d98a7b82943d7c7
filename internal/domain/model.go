// Package domain contains the pure business types of FieldLedger with
// ZERO infrastructure imports: expenses, receipts, sync queue items,
// job references, and the rules that govern them.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ─── Sync & Approval Status ─────────────────────────────────────────────────

// SyncStatus tracks whether a local mutation has been durably applied
// at the remote.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncInFlight SyncStatus = "syncing"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
)

// ApprovalStatus tracks an expense's position in the human approval
// workflow. It is independent of sync status but gated by it: a record
// may only advance past draft while SyncStatus == SyncSynced.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "draft"
	ApprovalPending  ApprovalStatus = "pending_approval"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ─── Expense Category ───────────────────────────────────────────────────────

// Category is the fixed set of expense categories.
type Category string

const (
	CategoryFuel     Category = "fuel"
	CategoryMeals    Category = "meals"
	CategoryLodging  Category = "lodging"
	CategoryTolls    Category = "tolls"
	CategoryParking  Category = "parking"
	CategoryRepairs  Category = "repairs"
	CategorySupplies Category = "supplies"
	CategoryOther    Category = "other"
)

// Categories lists all valid categories in display order.
func Categories() []Category {
	return []Category{
		CategoryFuel, CategoryMeals, CategoryLodging, CategoryTolls,
		CategoryParking, CategoryRepairs, CategorySupplies, CategoryOther,
	}
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// ─── Expense ────────────────────────────────────────────────────────────────

// Expense is the local mirror of an expense record. Records are never
// physically deleted, only status-transitioned — the remote audit trail
// is append-only.
type Expense struct {
	LocalID  string `json:"local_id"`
	RemoteID string `json:"remote_id,omitempty"` // set after first successful sync

	AmountMinor int64     `json:"amount_minor"` // smallest currency unit, always > 0
	Category    Category  `json:"category"`
	Vendor      string    `json:"vendor,omitempty"`
	Description string    `json:"description,omitempty"`
	ExpenseDate time.Time `json:"expense_date"`       // calendar date, never in the future
	JobRef      string    `json:"job_ref,omitempty"`  // optional cached job reference
	ReceiptID   string    `json:"receipt_id,omitempty"` // owned receipt, at most one

	SyncStatus SyncStatus `json:"sync_status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`

	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	DisbursementID  string         `json:"disbursement_id,omitempty"`
	DisbursementNo  string         `json:"disbursement_no,omitempty"`
	SubmittedBy     string         `json:"submitted_by,omitempty"`
	SubmittedAt     *time.Time     `json:"submitted_at,omitempty"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the capture-time field rules. now anchors the
// not-in-the-future date check.
func (e *Expense) Validate(now time.Time) error {
	if e.AmountMinor <= 0 {
		return E(KindValidationFailed, "amount must be positive, got %d", e.AmountMinor)
	}
	if !ValidCategory(e.Category) {
		return E(KindValidationFailed, "unknown category %q", e.Category)
	}
	if e.ExpenseDate.IsZero() {
		return E(KindValidationFailed, "expense date is required")
	}
	if dateOnly(e.ExpenseDate).After(dateOnly(now)) {
		return E(KindValidationFailed, "expense date %s is in the future",
			e.ExpenseDate.Format(time.DateOnly))
	}
	return nil
}

// Synced reports whether the record has reached the terminal sync
// success state that gates approval transitions.
func (e *Expense) Synced() bool { return e.SyncStatus == SyncSynced }

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ─── Receipt ────────────────────────────────────────────────────────────────

// Receipt is a locally captured receipt image, owned by exactly one
// expense. Once uploaded it carries the remote storage path.
type Receipt struct {
	LocalID     string     `json:"local_id"`
	ExpenseID   string     `json:"expense_id"` // owning expense
	FilePath    string     `json:"file_path"`  // local file reference
	ContentType string     `json:"content_type"`
	StoragePath string     `json:"storage_path,omitempty"` // set after upload
	SyncStatus  SyncStatus `json:"sync_status"`
	RetryCount  int        `json:"retry_count"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ReceiptStoragePath builds the upload destination path convention:
// {userId}/{year}/{month}/receipt-{timestamp}.{ext}
func ReceiptStoragePath(userID string, ts time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("%s/%04d/%02d/receipt-%d.%s",
		userID, ts.Year(), int(ts.Month()), ts.Unix(), ext)
}

// ─── Sync Queue ─────────────────────────────────────────────────────────────

// ItemKind distinguishes what a queue item pushes.
type ItemKind string

const (
	ItemExpense ItemKind = "expense"
	ItemReceipt ItemKind = "receipt"
)

// QueueStatus is the lifecycle of a sync queue item.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueSyncing   QueueStatus = "syncing"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// SyncItem is a unit of pending sync work. It holds a lookup-only
// back-reference to its record — never the authority for the record's
// existence. At most one item per record may be actively syncing.
// Completed items are retained for audit until externally purged.
type SyncItem struct {
	ID         string      `json:"id"`
	Kind       ItemKind    `json:"kind"`
	RecordID   string      `json:"record_id"` // owning local record
	Status     QueueStatus `json:"status"`
	RetryCount int         `json:"retry_count"`
	LastError  string      `json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// MaxSyncRetries is the transient-failure retry budget per queue item.
// After the budget is exhausted the record goes to SyncFailed and is
// never auto-retried again; only an explicit manual resync re-enqueues.
const MaxSyncRetries = 5

// ─── Job Reference Cache ────────────────────────────────────────────────────

// CachedJob is a read-only local copy of a remote job order. The cached
// set is replaced wholesale on each refresh; entries are never
// individually mutated. All cached jobs are assumed active.
type CachedJob struct {
	ID          string    `json:"id"`
	JobNumber   string    `json:"job_number"`
	Customer    string    `json:"customer"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ─── Disbursement ───────────────────────────────────────────────────────────

// DisbursementRequest carries everything the remote needs to create the
// authoritative disbursement document for a submitted expense.
type DisbursementRequest struct {
	ExpenseRemoteID string    `json:"expense_id"`
	AmountMinor     int64     `json:"amount_minor"`
	Description     string    `json:"description,omitempty"`
	Vendor          string    `json:"vendor,omitempty"`
	JobRef          string    `json:"job_ref,omitempty"`
	ReceiptPath     string    `json:"receipt_path,omitempty"`
	Date            time.Time `json:"date"`
	Category        Category  `json:"category"`
}

// Disbursement is the remote reply: the document id plus the generated
// record number used for reconciliation with finance systems.
type Disbursement struct {
	ID           string `json:"id"`
	RecordNumber string `json:"record_number"`
}
