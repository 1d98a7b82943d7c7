package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// StatusUpdate is the field set for a remote conditional status write.
// Only non-nil fields are applied.
type StatusUpdate struct {
	NewStatus       ApprovalStatus
	SubmittedBy     *string
	SubmittedAt     *time.Time
	ApprovedBy      *string
	ApprovedAt      *time.Time
	RejectionReason *string // empty string clears a prior reason
	DisbursementID  *string
	DisbursementNo  *string
}

// Gateway is the only boundary that talks to the authoritative finance
// backend. Every method returns classified errors per the ErrorKind
// taxonomy; network and timeout failures surface as KindTransient.
type Gateway interface {
	// CreateExpense creates the remote expense record and returns its id.
	CreateExpense(ctx context.Context, exp Expense) (remoteID string, err error)

	// UpdateExpenseStatus is a conditional update: the server applies the
	// change only while the current status equals expected, otherwise it
	// fails with KindPreconditionFailed.
	UpdateExpenseStatus(ctx context.Context, remoteID string, expected ApprovalStatus, update StatusUpdate) error

	// CreateDisbursement creates the authoritative disbursement document
	// for a submitted expense and returns its generated record number.
	CreateDisbursement(ctx context.Context, req DisbursementRequest) (Disbursement, error)

	// MarkDisbursementApproved propagates approval to a linked
	// disbursement record.
	MarkDisbursementApproved(ctx context.Context, disbursementID, approvedBy string) error

	// UploadReceipt stores receipt bytes at the destination path.
	UploadReceipt(ctx context.Context, data []byte, contentType, destPath string) error

	// ListActiveJobs returns the full active job order list.
	ListActiveJobs(ctx context.Context) ([]CachedJob, error)

	// ExpenseJobRefs returns the user's most recently referenced job ids,
	// most recent first, capped at limit.
	ExpenseJobRefs(ctx context.Context, userID string, limit int) ([]string, error)

	// CurrentUserRole resolves the session's role. Re-checked at the time
	// of each privileged operation, never cached indefinitely.
	CurrentUserRole(ctx context.Context) (Role, error)

	// Online probes backend reachability.
	Online(ctx context.Context) bool
}
