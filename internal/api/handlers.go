package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldledger/fieldledger/internal/app/expense"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// ─── Status ─────────────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.processor.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	jobsFetched, _ := s.jobs.FetchedAt()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"online":          s.monitor.Online(),
		"sync":            qs,
		"jobs_fetched_at": jobsFetched,
	})
}

// ─── Expenses ───────────────────────────────────────────────────────────────

type createExpenseRequest struct {
	AmountMinor        int64  `json:"amount_minor"`
	Category           string `json:"category"`
	Vendor             string `json:"vendor,omitempty"`
	Description        string `json:"description,omitempty"`
	ExpenseDate        string `json:"expense_date"` // YYYY-MM-DD
	JobRef             string `json:"job_ref,omitempty"`
	ReceiptPath        string `json:"receipt_path,omitempty"`
	ReceiptContentType string `json:"receipt_content_type,omitempty"`
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var req createExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidationFailed, "invalid request body: %v", err))
		return
	}

	var expenseDate time.Time
	if req.ExpenseDate != "" {
		var err error
		expenseDate, err = time.ParseInLocation(time.DateOnly, req.ExpenseDate, time.Local)
		if err != nil {
			writeError(w, domain.E(domain.KindValidationFailed, "expense_date must be YYYY-MM-DD"))
			return
		}
	}

	exp, err := s.expenses.Capture(r.Context(), expense.CaptureInput{
		AmountMinor:        req.AmountMinor,
		Category:           domain.Category(req.Category),
		Vendor:             req.Vendor,
		Description:        req.Description,
		ExpenseDate:        expenseDate,
		JobRef:             req.JobRef,
		ReceiptPath:        req.ReceiptPath,
		ReceiptContentType: req.ReceiptContentType,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sqlite.ExpenseFilter{
		SyncStatus:     domain.SyncStatus(q.Get("sync_status")),
		ApprovalStatus: domain.ApprovalStatus(q.Get("approval_status")),
		JobRef:         q.Get("job_ref"),
	}

	list, err := s.expenses.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.Expense{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"expenses": list,
		"count":    len(list),
	})
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	exp, err := s.expenses.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// ─── Approval ───────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	recordNo, err := s.machine.Submit(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_status": string(domain.ApprovalPending),
		"record_number":   recordNo,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Approve(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_status": string(domain.ApprovalApproved),
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidationFailed, "invalid request body: %v", err))
		return
	}
	if err := s.machine.Reject(r.Context(), principal(r), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_status": string(domain.ApprovalRejected),
	})
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	recordNo, err := s.machine.Resubmit(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_status": string(domain.ApprovalPending),
		"record_number":   recordNo,
	})
}

type batchSubmitRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	var req batchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidationFailed, "invalid request body: %v", err))
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, domain.E(domain.KindValidationFailed, "ids must not be empty"))
		return
	}

	res := s.machine.BatchSubmit(r.Context(), principal(r), req.IDs)

	failed := make([]map[string]string, 0, len(res.Failed))
	for _, f := range res.Failed {
		failed = append(failed, map[string]string{
			"id":    f.LocalID,
			"error": f.Err.Error(),
			"kind":  string(domain.KindOf(f.Err)),
		})
	}
	succeeded := res.Succeeded
	if succeeded == nil {
		succeeded = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"succeeded": succeeded,
		"failed":    failed,
	})
}

// ─── Sync ───────────────────────────────────────────────────────────────────

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.processor.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	qs, err := s.processor.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	kind := domain.ItemKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = domain.ItemExpense
	}
	if err := s.processor.Resync(r.Context(), kind, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "resynced",
	})
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	olderThan := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, domain.E(domain.KindValidationFailed, "older_than must be a non-negative duration"))
			return
		}
		olderThan = d
	}

	purged, err := s.processor.PurgeCompleted(time.Now().Add(-olderThan))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{
		"purged": purged,
	})
}

// ─── Jobs ───────────────────────────────────────────────────────────────────

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, domain.E(domain.KindValidationFailed, "n must be an integer"))
			return
		}
		n = i
	}

	list, err := s.jobs.RecentJobs(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.CachedJob{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": list,
	})
}
