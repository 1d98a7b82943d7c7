package expense

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

type stubGateway struct{ online bool }

func (s *stubGateway) CreateExpense(ctx context.Context, exp domain.Expense) (string, error) {
	return "srv-1", nil
}

func (s *stubGateway) UpdateExpenseStatus(ctx context.Context, remoteID string, expected domain.ApprovalStatus, update domain.StatusUpdate) error {
	return nil
}

func (s *stubGateway) CreateDisbursement(ctx context.Context, req domain.DisbursementRequest) (domain.Disbursement, error) {
	return domain.Disbursement{}, nil
}

func (s *stubGateway) MarkDisbursementApproved(ctx context.Context, disbursementID, approvedBy string) error {
	return nil
}

func (s *stubGateway) UploadReceipt(ctx context.Context, data []byte, contentType, destPath string) error {
	return nil
}

func (s *stubGateway) ListActiveJobs(ctx context.Context) ([]domain.CachedJob, error) {
	return nil, nil
}

func (s *stubGateway) ExpenseJobRefs(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}

func (s *stubGateway) CurrentUserRole(ctx context.Context) (domain.Role, error) {
	return domain.RoleFieldStaff, nil
}

func (s *stubGateway) Online(ctx context.Context) bool { return s.online }

func newTestService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// The background drain kicked by Capture races with the test body,
	// so assertions below avoid depending on whether it ran yet.
	p := appsync.NewProcessor(appsync.Config{UserID: "user-1"}, db, &stubGateway{}, appsync.NewNotifier(), zerolog.Nop())
	return NewService(db, p, zerolog.Nop()), db
}

func TestCapture(t *testing.T) {
	s, db := newTestService(t)

	exp, err := s.Capture(context.Background(), CaptureInput{
		AmountMinor: 125000,
		Category:    domain.CategoryLodging,
		Vendor:      "Roadside Inn",
		ExpenseDate: time.Now().AddDate(0, 0, -1),
		JobRef:      "job-7",
	})
	if err != nil {
		t.Fatalf("Capture() error: %v", err)
	}
	if exp.LocalID == "" {
		t.Fatal("a local id must be assigned")
	}

	stored, err := db.GetExpense(exp.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.ApprovalStatus != domain.ApprovalDraft {
		t.Errorf("ApprovalStatus = %q, want draft", stored.ApprovalStatus)
	}
	if stored.SyncStatus == domain.SyncFailed {
		t.Errorf("SyncStatus = %q", stored.SyncStatus)
	}

	items, err := db.SyncItemsForRecord(exp.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("queued items = %d, want 1", len(items))
	}
}

func TestCapture_WithReceipt(t *testing.T) {
	s, db := newTestService(t)

	path := filepath.Join(t.TempDir(), "receipt.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}

	exp, err := s.Capture(context.Background(), CaptureInput{
		AmountMinor:        3500,
		Category:           domain.CategoryParking,
		ExpenseDate:        time.Now(),
		ReceiptPath:        path,
		ReceiptContentType: "image/jpeg",
	})
	if err != nil {
		t.Fatal(err)
	}
	if exp.ReceiptID == "" {
		t.Fatal("ReceiptID must link the attached receipt")
	}

	rc, err := db.ReceiptByExpense(exp.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if rc == nil || rc.LocalID != exp.ReceiptID || rc.FilePath != path {
		t.Errorf("receipt = %+v", rc)
	}

	items, _ := db.SyncItemsForRecord(rc.LocalID)
	if len(items) != 1 {
		t.Errorf("receipt queue items = %d, want 1", len(items))
	}
}

func TestCapture_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestService(t)

	cases := []struct {
		name string
		in   CaptureInput
	}{
		{"zero amount", CaptureInput{AmountMinor: 0, Category: domain.CategoryFuel, ExpenseDate: time.Now()}},
		{"negative amount", CaptureInput{AmountMinor: -500, Category: domain.CategoryFuel, ExpenseDate: time.Now()}},
		{"unknown category", CaptureInput{AmountMinor: 100, Category: "helicopters", ExpenseDate: time.Now()}},
		{"future date", CaptureInput{AmountMinor: 100, Category: domain.CategoryFuel, ExpenseDate: time.Now().AddDate(0, 0, 2)}},
		{"missing date", CaptureInput{AmountMinor: 100, Category: domain.CategoryFuel}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Capture(context.Background(), tc.in)
			if domain.KindOf(err) != domain.KindValidationFailed {
				t.Errorf("KindOf = %q, want validation_failed", domain.KindOf(err))
			}
		})
	}
}

func TestListAndGet(t *testing.T) {
	s, _ := newTestService(t)

	for _, jobRef := range []string{"job-1", "job-1", "job-2"} {
		_, err := s.Capture(context.Background(), CaptureInput{
			AmountMinor: 1000,
			Category:    domain.CategoryTolls,
			ExpenseDate: time.Now(),
			JobRef:      jobRef,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(sqlite.ExpenseFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	byJob, err := s.List(sqlite.ExpenseFilter{JobRef: "job-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byJob) != 2 {
		t.Errorf("len(byJob) = %d, want 2", len(byJob))
	}

	got, err := s.Get(all[0].LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LocalID != all[0].LocalID {
		t.Errorf("Get() = %q, want %q", got.LocalID, all[0].LocalID)
	}
}
