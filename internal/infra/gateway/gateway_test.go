package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "tok-123"}, zerolog.Nop())
}

func TestCreateExpense(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "srv-77"})
	}))

	exp := domain.Expense{
		LocalID:     "loc-1",
		AmountMinor: 750000,
		Category:    domain.CategoryFuel,
		ExpenseDate: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	id, err := client.CreateExpense(context.Background(), exp)
	if err != nil {
		t.Fatalf("CreateExpense() error: %v", err)
	}
	if id != "srv-77" {
		t.Errorf("id = %q, want srv-77", id)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody["client_ref"] != "loc-1" {
		t.Errorf("client_ref = %v, want loc-1 (needed for remote idempotence)", gotBody["client_ref"])
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   domain.ErrorKind
	}{
		{http.StatusBadRequest, domain.KindValidationFailed},
		{http.StatusUnprocessableEntity, domain.KindValidationFailed},
		{http.StatusUnauthorized, domain.KindUnauthorized},
		{http.StatusForbidden, domain.KindForbidden},
		{http.StatusNotFound, domain.KindNotFound},
		{http.StatusConflict, domain.KindPreconditionFailed},
		{http.StatusTooManyRequests, domain.KindTransient},
		{http.StatusInternalServerError, domain.KindTransient},
		{http.StatusBadGateway, domain.KindTransient},
		{http.StatusTeapot, domain.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]string{"error": "nope"})
			}))
			_, err := client.CreateExpense(context.Background(), domain.Expense{})
			if domain.KindOf(err) != tt.want {
				t.Errorf("status %d: KindOf = %q, want %q", tt.status, domain.KindOf(err), tt.want)
			}
		})
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	client := New(Config{BaseURL: srv.URL}, zerolog.Nop())

	_, err := client.CreateExpense(context.Background(), domain.Expense{})
	if !domain.IsTransient(err) {
		t.Errorf("dead backend: KindOf = %q, want transient", domain.KindOf(err))
	}
	if client.Online(context.Background()) {
		t.Error("Online() must report false for a dead backend")
	}
}

func TestUpdateExpenseStatus_ConditionalConflict(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["expected_status"] != "pending_approval" {
			t.Errorf("expected_status = %v", body["expected_status"])
		}
		w.WriteHeader(http.StatusConflict)
	}))

	by := "boss"
	err := client.UpdateExpenseStatus(context.Background(), "srv-1",
		domain.ApprovalPending,
		domain.StatusUpdate{NewStatus: domain.ApprovalApproved, ApprovedBy: &by})
	if domain.KindOf(err) != domain.KindPreconditionFailed {
		t.Errorf("KindOf = %q, want precondition_failed", domain.KindOf(err))
	}
}

func TestCreateDisbursement(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "disb-1", "record_number": "DR-2026-0042"})
	}))

	d, err := client.CreateDisbursement(context.Background(), domain.DisbursementRequest{
		ExpenseRemoteID: "srv-1",
		AmountMinor:     750000,
		Category:        domain.CategoryFuel,
		Date:            time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateDisbursement() error: %v", err)
	}
	if d.RecordNumber != "DR-2026-0042" {
		t.Errorf("RecordNumber = %q, want DR-2026-0042", d.RecordNumber)
	}
}

func TestUploadReceipt(t *testing.T) {
	var gotPath, gotType string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.UploadReceipt(context.Background(), []byte("img"), "image/png",
		"user-1/2026/02/receipt-123.png")
	if err != nil {
		t.Fatalf("UploadReceipt() error: %v", err)
	}
	if gotPath != "/api/v1/receipts/user-1/2026/02/receipt-123.png" {
		t.Errorf("path = %q", gotPath)
	}
	if gotType != "image/png" {
		t.Errorf("content type = %q, want image/png", gotType)
	}
}

func TestListActiveJobs(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "active" {
			t.Errorf("status query = %q, want active", r.URL.Query().Get("status"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": []map[string]string{
				{"id": "j1", "job_number": "JO-100", "customer": "Acme"},
				{"id": "j2", "job_number": "JO-101", "customer": "Globex"},
			},
		})
	}))

	jobs, err := client.ListActiveJobs(context.Background())
	if err != nil {
		t.Fatalf("ListActiveJobs() error: %v", err)
	}
	if len(jobs) != 2 || jobs[0].JobNumber != "JO-100" {
		t.Errorf("jobs = %v", jobs)
	}
	if jobs[0].FetchedAt.IsZero() {
		t.Error("FetchedAt must be stamped on fetch")
	}
}

func TestCurrentUserRole(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"role": "finance_manager"})
	}))

	role, err := client.CurrentUserRole(context.Background())
	if err != nil {
		t.Fatalf("CurrentUserRole() error: %v", err)
	}
	if role != domain.RoleFinanceManager {
		t.Errorf("role = %q, want finance_manager", role)
	}
}
