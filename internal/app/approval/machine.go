// Package approval implements the expense approval state machine:
// draft → pending_approval → {approved, rejected}, with rejected →
// draft re-entering the forward path. Transitions are conditional
// store updates so that concurrent actors (a second approver, a sync
// drain touching the same record) can never double-apply one.
package approval

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/observability"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// Machine drives approval transitions. It never retries internally: a
// failed transition surfaces to the caller, who decides.
type Machine struct {
	db       *sqlite.DB
	gw       domain.Gateway
	notifier *appsync.Notifier
	log      zerolog.Logger
}

func NewMachine(db *sqlite.DB, gw domain.Gateway, notifier *appsync.Notifier, log zerolog.Logger) *Machine {
	return &Machine{
		db:       db,
		gw:       gw,
		notifier: notifier,
		log:      log.With().Str("component", "approval").Logger(),
	}
}

// BatchResult reports the per-record outcome of a batch submit.
type BatchResult struct {
	Succeeded []string
	Failed    []BatchFailure
}

type BatchFailure struct {
	LocalID string
	Err     error
}

// Submit moves a draft expense to pending_approval. The record must
// already be delivered remotely; if no disbursement exists for it yet
// one is created and its reference number attached. Returns the
// disbursement record number.
func (m *Machine) Submit(ctx context.Context, principal domain.Principal, localID string) (string, error) {
	if !domain.Can(principal.Role, domain.ActionSubmitExpense) {
		return "", m.observe("submit", domain.E(domain.KindForbidden, "role %q may not submit expenses", principal.Role))
	}

	// Re-read immediately before acting; sync state can change under us.
	exp, err := m.db.GetExpense(localID)
	if err != nil {
		return "", m.observe("submit", err)
	}
	if exp.SyncStatus != domain.SyncSynced {
		return "", m.observe("submit", domain.E(domain.KindPreconditionFailed,
			"expense %s is not yet synced to the server; submit once sync completes", localID))
	}
	if exp.ApprovalStatus != domain.ApprovalDraft {
		return "", m.observe("submit", domain.E(domain.KindPreconditionFailed,
			"expense %s is %s, expected %s", localID, exp.ApprovalStatus, domain.ApprovalDraft))
	}

	// Creating the disbursement is idempotent on the stored reference:
	// a retried submit after a partial failure reuses the earlier one.
	disbID, disbNo := exp.DisbursementID, exp.DisbursementNo
	if disbNo == "" {
		disb, err := m.gw.CreateDisbursement(ctx, m.disbursementRequest(exp))
		if err != nil {
			return "", m.observe("submit", err)
		}
		disbID, disbNo = disb.ID, disb.RecordNumber
	}

	now := time.Now()
	if err := m.db.MarkExpenseSubmitted(localID, principal.UserID, now, disbID, disbNo); err != nil {
		return "", m.observe("submit", err)
	}

	if err := m.pushStatus(ctx, exp.RemoteID, domain.ApprovalDraft, domain.StatusUpdate{
		NewStatus:      domain.ApprovalPending,
		SubmittedBy:    &principal.UserID,
		SubmittedAt:    &now,
		DisbursementID: &disbID,
		DisbursementNo: &disbNo,
	}); err != nil {
		m.log.Warn().Str("expense", localID).Err(err).Msg("remote status push failed after local submit")
	}

	m.observe("submit", nil)
	m.notifier.Publish(appsync.Event{Kind: appsync.EventApproval, RecordID: localID, Detail: string(domain.ApprovalPending)})
	m.log.Info().Str("expense", localID).Str("disbursement", disbNo).Msg("expense submitted for approval")
	return disbNo, nil
}

// BatchSubmit submits each record independently; one failure never
// aborts the rest.
func (m *Machine) BatchSubmit(ctx context.Context, principal domain.Principal, localIDs []string) BatchResult {
	var res BatchResult
	for _, id := range localIDs {
		if _, err := m.Submit(ctx, principal, id); err != nil {
			res.Failed = append(res.Failed, BatchFailure{LocalID: id, Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

// Approve moves a pending expense to approved and propagates the
// decision to the linked disbursement. The caller's role is resolved
// from the remote at call time, not from a cached session.
func (m *Machine) Approve(ctx context.Context, principal domain.Principal, localID string) error {
	if err := m.requireApprover(ctx, principal, domain.ActionApproveExpense); err != nil {
		return m.observe("approve", err)
	}

	now := time.Now()
	if err := m.db.MarkExpenseApproved(localID, principal.UserID, now); err != nil {
		return m.observe("approve", err)
	}

	exp, err := m.db.GetExpense(localID)
	if err != nil {
		return m.observe("approve", err)
	}
	if err := m.pushStatus(ctx, exp.RemoteID, domain.ApprovalPending, domain.StatusUpdate{
		NewStatus:  domain.ApprovalApproved,
		ApprovedBy: &principal.UserID,
		ApprovedAt: &now,
	}); err != nil {
		m.log.Warn().Str("expense", localID).Err(err).Msg("remote status push failed after local approve")
	}
	if exp.DisbursementID != "" {
		if err := m.gw.MarkDisbursementApproved(ctx, exp.DisbursementID, principal.UserID); err != nil {
			m.log.Warn().Str("disbursement", exp.DisbursementID).Err(err).Msg("disbursement approval push failed")
		}
	}

	m.observe("approve", nil)
	m.notifier.Publish(appsync.Event{Kind: appsync.EventApproval, RecordID: localID, Detail: string(domain.ApprovalApproved)})
	m.log.Info().Str("expense", localID).Str("by", principal.UserID).Msg("expense approved")
	return nil
}

// Reject moves a pending expense to rejected. The reason is required.
func (m *Machine) Reject(ctx context.Context, principal domain.Principal, localID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return m.observe("reject", domain.E(domain.KindValidationFailed, "a rejection reason is required"))
	}
	if err := m.requireApprover(ctx, principal, domain.ActionRejectExpense); err != nil {
		return m.observe("reject", err)
	}

	now := time.Now()
	if err := m.db.MarkExpenseRejected(localID, principal.UserID, reason, now); err != nil {
		return m.observe("reject", err)
	}

	exp, err := m.db.GetExpense(localID)
	if err != nil {
		return m.observe("reject", err)
	}
	if err := m.pushStatus(ctx, exp.RemoteID, domain.ApprovalPending, domain.StatusUpdate{
		NewStatus:       domain.ApprovalRejected,
		ApprovedBy:      &principal.UserID,
		ApprovedAt:      &now,
		RejectionReason: &reason,
	}); err != nil {
		m.log.Warn().Str("expense", localID).Err(err).Msg("remote status push failed after local reject")
	}

	m.observe("reject", nil)
	m.notifier.Publish(appsync.Event{Kind: appsync.EventApproval, RecordID: localID, Detail: string(domain.ApprovalRejected)})
	m.log.Info().Str("expense", localID).Str("by", principal.UserID).Msg("expense rejected")
	return nil
}

// Resubmit resets a rejected expense to draft and immediately submits
// it again. If the submit leg fails the record rests in draft, which
// is a legitimate state the user can submit from later.
func (m *Machine) Resubmit(ctx context.Context, principal domain.Principal, localID string) (string, error) {
	if err := m.db.ResetExpenseToDraft(localID); err != nil {
		return "", m.observe("resubmit", err)
	}
	return m.Submit(ctx, principal, localID)
}

// ─── Internals ──────────────────────────────────────────────────────────────

// requireApprover checks the caller's current role against the action.
// The role comes from the remote each time so a revoked approver is
// locked out immediately, not at next login.
func (m *Machine) requireApprover(ctx context.Context, principal domain.Principal, action domain.Action) error {
	role, err := m.gw.CurrentUserRole(ctx)
	if err != nil {
		return err
	}
	if role != principal.Role {
		m.log.Debug().Str("claimed", string(principal.Role)).Str("actual", string(role)).Msg("principal role drifted, using remote")
	}
	if !domain.Can(role, action) {
		return domain.E(domain.KindForbidden, "role %q may not %s", role, action)
	}
	return nil
}

func (m *Machine) pushStatus(ctx context.Context, remoteID string, expected domain.ApprovalStatus, update domain.StatusUpdate) error {
	if remoteID == "" {
		return nil
	}
	return m.gw.UpdateExpenseStatus(ctx, remoteID, expected, update)
}

func (m *Machine) disbursementRequest(exp *domain.Expense) domain.DisbursementRequest {
	req := domain.DisbursementRequest{
		ExpenseRemoteID: exp.RemoteID,
		AmountMinor:     exp.AmountMinor,
		Description:     exp.Description,
		Vendor:          exp.Vendor,
		JobRef:          exp.JobRef,
		Date:            exp.ExpenseDate,
		Category:        exp.Category,
	}
	if rc, err := m.db.ReceiptByExpense(exp.LocalID); err == nil && rc != nil {
		req.ReceiptPath = rc.StoragePath
	}
	return req
}

func (m *Machine) observe(operation string, err error) error {
	outcome := "ok"
	if err != nil {
		outcome = string(domain.KindOf(err))
	}
	observability.ApprovalTransitions.WithLabelValues(operation, outcome).Inc()
	return err
}
