package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// ─── Fake Gateway ───────────────────────────────────────────────────────────

type fakeGateway struct {
	mu          stdsync.Mutex
	createErr   error
	createCalls int
	uploadErr   error
	uploadPaths []string
	online      bool
	block       chan struct{} // when set, CreateExpense waits for a signal
	nextID      int
}

func (f *fakeGateway) CreateExpense(ctx context.Context, exp domain.Expense) (string, error) {
	f.mu.Lock()
	f.createCalls++
	err := f.createErr
	block := f.block
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (f *fakeGateway) UploadReceipt(ctx context.Context, data []byte, contentType, destPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploadPaths = append(f.uploadPaths, destPath)
	return nil
}

func (f *fakeGateway) UpdateExpenseStatus(ctx context.Context, remoteID string, expected domain.ApprovalStatus, update domain.StatusUpdate) error {
	return nil
}

func (f *fakeGateway) CreateDisbursement(ctx context.Context, req domain.DisbursementRequest) (domain.Disbursement, error) {
	return domain.Disbursement{ID: "disb-1", RecordNumber: "DR-0001"}, nil
}

func (f *fakeGateway) MarkDisbursementApproved(ctx context.Context, disbursementID, approvedBy string) error {
	return nil
}

func (f *fakeGateway) ListActiveJobs(ctx context.Context) ([]domain.CachedJob, error) {
	return nil, nil
}

func (f *fakeGateway) ExpenseJobRefs(ctx context.Context, userID string, limit int) ([]string, error) {
	return nil, nil
}

func (f *fakeGateway) CurrentUserRole(ctx context.Context) (domain.Role, error) {
	return domain.RoleFieldStaff, nil
}

func (f *fakeGateway) Online(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *fakeGateway) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

func newTestProcessor(t *testing.T) (*Processor, *sqlite.DB, *fakeGateway, *Notifier) {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gw := &fakeGateway{online: true}
	notifier := NewNotifier()
	p := NewProcessor(Config{UserID: "user-1"}, db, gw, notifier, zerolog.Nop())
	return p, db, gw, notifier
}

func insertDraft(t *testing.T, db *sqlite.DB, id string) {
	t.Helper()
	now := time.Now()
	err := db.InsertExpense(domain.Expense{
		LocalID:        id,
		AmountMinor:    50000,
		Category:       domain.CategoryMeals,
		ExpenseDate:    now.AddDate(0, 0, -1),
		SyncStatus:     domain.SyncPending,
		ApprovalStatus: domain.ApprovalDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// ─── Processor Tests ────────────────────────────────────────────────────────

func TestProcessor_PushExpense(t *testing.T) {
	p, db, gw, notifier := newTestProcessor(t)
	events, cancel := notifier.Subscribe(4)
	defer cancel()

	insertDraft(t, db, "exp-1")
	ok, err := p.Enqueue(domain.ItemExpense, "exp-1")
	if err != nil || !ok {
		t.Fatalf("Enqueue() = %v, %v", ok, err)
	}

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", report.Pushed)
	}

	exp, _ := db.GetExpense("exp-1")
	if exp.SyncStatus != domain.SyncSynced {
		t.Errorf("SyncStatus = %q, want synced", exp.SyncStatus)
	}
	if exp.RemoteID == "" {
		t.Error("RemoteID must be stored on success")
	}
	if gw.calls() != 1 {
		t.Errorf("gateway calls = %d, want 1", gw.calls())
	}

	select {
	case ev := <-events:
		if ev.Kind != EventSynced || ev.RecordID != "exp-1" {
			t.Errorf("event = %+v, want synced/exp-1", ev)
		}
	default:
		t.Error("expected a synced event")
	}
}

func TestProcessor_Idempotence(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	insertDraft(t, db, "exp-1")
	if _, err := p.Enqueue(domain.ItemExpense, "exp-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// An enqueue of an already-synced record is suppressed.
	ok, err := p.Enqueue(domain.ItemExpense, "exp-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("enqueue of a synced record must be suppressed")
	}

	// Even a stale queue item slipped in behind our back must not cause
	// a duplicate remote write.
	if _, err := db.EnqueueSyncItem(domain.SyncItem{
		ID: "stale", Kind: domain.ItemExpense, RecordID: "exp-1",
		Status: domain.QueuePending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Pushed != 0 {
		t.Errorf("report = %+v, want 1 skipped, 0 pushed", report)
	}
	if gw.calls() != 1 {
		t.Errorf("gateway calls = %d, want 1 (no duplicate writes)", gw.calls())
	}
}

func TestProcessor_RetryCap(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	gw.setCreateErr(domain.E(domain.KindTransient, "connection timed out"))

	insertDraft(t, db, "exp-1")
	if _, err := p.Enqueue(domain.ItemExpense, "exp-1"); err != nil {
		t.Fatal(err)
	}

	// Each drain pass attempts the item once and requeues it, until the
	// budget is exhausted on the MaxSyncRetries-th failure.
	for i := 0; i < domain.MaxSyncRetries; i++ {
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	exp, _ := db.GetExpense("exp-1")
	if exp.SyncStatus != domain.SyncFailed {
		t.Fatalf("SyncStatus = %q, want failed after %d transient failures",
			exp.SyncStatus, domain.MaxSyncRetries)
	}
	if exp.LastError == "" {
		t.Error("LastError must be populated on terminal failure")
	}
	if gw.calls() != domain.MaxSyncRetries {
		t.Errorf("gateway calls = %d, want %d", gw.calls(), domain.MaxSyncRetries)
	}

	// Failed records are never auto-retried again.
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if gw.calls() != domain.MaxSyncRetries {
		t.Errorf("gateway calls after extra run = %d, want %d (no auto-retry)",
			gw.calls(), domain.MaxSyncRetries)
	}
}

func TestProcessor_PermanentFailureNoRetry(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	gw.setCreateErr(domain.E(domain.KindValidationFailed, "category rejected"))

	insertDraft(t, db, "exp-1")
	if _, err := p.Enqueue(domain.ItemExpense, "exp-1"); err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}

	exp, _ := db.GetExpense("exp-1")
	if exp.SyncStatus != domain.SyncFailed {
		t.Errorf("SyncStatus = %q, want failed", exp.SyncStatus)
	}
	if gw.calls() != 1 {
		t.Errorf("gateway calls = %d, want 1 (identical payload cannot succeed)", gw.calls())
	}
}

func TestProcessor_CoalescesConcurrentRuns(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	gw.block = make(chan struct{})

	insertDraft(t, db, "exp-1")
	if _, err := p.Enqueue(domain.ItemExpense, "exp-1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan RunReport, 1)
	go func() {
		report, _ := p.Run(context.Background())
		done <- report
	}()

	// Wait until the first pass is inside the gateway call.
	deadline := time.After(2 * time.Second)
	for gw.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never reached the gateway")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Coalesced {
		t.Error("a run requested during an active pass must coalesce")
	}

	close(gw.block)
	first := <-done
	if first.Pushed != 1 {
		t.Errorf("first run Pushed = %d, want 1", first.Pushed)
	}
}

func TestProcessor_Resync(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	gw.setCreateErr(domain.E(domain.KindValidationFailed, "rejected"))

	insertDraft(t, db, "exp-1")
	if _, err := p.Enqueue(domain.ItemExpense, "exp-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	exp, _ := db.GetExpense("exp-1")
	if exp.SyncStatus != domain.SyncFailed {
		t.Fatalf("precondition: SyncStatus = %q, want failed", exp.SyncStatus)
	}

	// The remote accepts the payload this time.
	gw.setCreateErr(nil)
	if err := p.Resync(context.Background(), domain.ItemExpense, "exp-1"); err != nil {
		t.Fatalf("Resync() error: %v", err)
	}

	exp, _ = db.GetExpense("exp-1")
	if exp.SyncStatus != domain.SyncSynced {
		t.Errorf("SyncStatus after resync = %q, want synced", exp.SyncStatus)
	}
	if exp.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (reset by resync)", exp.RetryCount)
	}

	// Resync of an already-synced record is rejected.
	err := p.Resync(context.Background(), domain.ItemExpense, "exp-1")
	if domain.KindOf(err) != domain.KindPreconditionFailed {
		t.Errorf("KindOf = %q, want precondition_failed", domain.KindOf(err))
	}
}

func TestProcessor_PushReceipt(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)

	path := filepath.Join(t.TempDir(), "receipt.png")
	if err := os.WriteFile(path, []byte("image-bytes"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := db.InsertReceipt(domain.Receipt{
		LocalID:     "rcpt-1",
		ExpenseID:   "exp-1",
		FilePath:    path,
		ContentType: "image/png",
		SyncStatus:  domain.SyncPending,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Enqueue(domain.ItemReceipt, "rcpt-1"); err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Pushed != 1 {
		t.Fatalf("Pushed = %d, want 1", report.Pushed)
	}

	rc, _ := db.GetReceipt("rcpt-1")
	if rc.SyncStatus != domain.SyncSynced || rc.StoragePath == "" {
		t.Errorf("receipt = %+v, want synced with storage path", rc)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.uploadPaths) != 1 {
		t.Fatalf("uploads = %v, want 1", gw.uploadPaths)
	}
}

func TestProcessor_MissingReceiptFileIsPermanent(t *testing.T) {
	p, db, gw, _ := newTestProcessor(t)
	err := db.InsertReceipt(domain.Receipt{
		LocalID:     "rcpt-1",
		ExpenseID:   "exp-1",
		FilePath:    "/nonexistent/receipt.jpg",
		ContentType: "image/jpeg",
		SyncStatus:  domain.SyncPending,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Enqueue(domain.ItemReceipt, "rcpt-1"); err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Errorf("Failed = %d, want 1", report.Failed)
	}

	rc, _ := db.GetReceipt("rcpt-1")
	if rc.SyncStatus != domain.SyncFailed {
		t.Errorf("SyncStatus = %q, want failed", rc.SyncStatus)
	}
	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.uploadPaths) != 0 {
		t.Error("upload must not be attempted for an unreadable file")
	}
}

// ─── Notifier Tests ─────────────────────────────────────────────────────────

func TestNotifier_PublishSubscribe(t *testing.T) {
	n := NewNotifier()
	ch, cancel := n.Subscribe(2)

	n.Publish(Event{Kind: EventSynced, RecordID: "r1"})
	ev := <-ch
	if ev.Kind != EventSynced || ev.RecordID != "r1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.At.IsZero() {
		t.Error("At must be stamped")
	}

	cancel()
	if n.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0 after cancel", n.SubscriberCount())
	}
	// Cancel twice is safe.
	cancel()
}

func TestNotifier_SlowSubscriberDoesNotBlock(t *testing.T) {
	n := NewNotifier()
	_, cancel := n.Subscribe(1)
	defer cancel()

	// Fill the buffer and keep publishing; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish(Event{Kind: EventSynced})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

// ─── Monitor Tests ──────────────────────────────────────────────────────────

func TestMonitor_Transitions(t *testing.T) {
	gw := &fakeGateway{online: false}
	n := NewNotifier()
	events, cancel := n.Subscribe(4)
	defer cancel()

	m := NewMonitor(gw, n, time.Minute, zerolog.Nop())

	if m.Check(context.Background()) {
		t.Error("Check() = true, want false")
	}
	if ev := <-events; ev.Kind != EventOffline {
		t.Errorf("first event = %q, want offline", ev.Kind)
	}

	// No event while the state is unchanged.
	m.Check(context.Background())
	select {
	case ev := <-events:
		t.Errorf("unexpected event %q on steady state", ev.Kind)
	default:
	}

	gw.mu.Lock()
	gw.online = true
	gw.mu.Unlock()
	if !m.Check(context.Background()) {
		t.Error("Check() = false, want true")
	}
	if ev := <-events; ev.Kind != EventOnline {
		t.Errorf("transition event = %q, want online", ev.Kind)
	}
	if !m.Online() {
		t.Error("Online() must reflect the last probe")
	}
}
