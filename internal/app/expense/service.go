// Package expense is the capture path: validate a new expense, store
// it locally as a draft, and queue it for background sync. Capture
// never waits on the network.
package expense

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/domain"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// CaptureInput is one expense as entered in the field.
type CaptureInput struct {
	AmountMinor int64
	Category    domain.Category
	Vendor      string
	Description string
	ExpenseDate time.Time
	JobRef      string

	// Optional receipt image already saved on local disk.
	ReceiptPath        string
	ReceiptContentType string
}

// Service owns expense capture and read access to the local mirror.
type Service struct {
	db        *sqlite.DB
	processor *appsync.Processor
	log       zerolog.Logger
}

func NewService(db *sqlite.DB, processor *appsync.Processor, log zerolog.Logger) *Service {
	return &Service{
		db:        db,
		processor: processor,
		log:       log.With().Str("component", "expense").Logger(),
	}
}

// Capture validates and stores a new draft expense, queues it for
// sync, and kicks a drain pass in the background.
func (s *Service) Capture(ctx context.Context, in CaptureInput) (*domain.Expense, error) {
	now := time.Now()
	exp := domain.Expense{
		LocalID:        uuid.NewString(),
		AmountMinor:    in.AmountMinor,
		Category:       in.Category,
		Vendor:         in.Vendor,
		Description:    in.Description,
		ExpenseDate:    in.ExpenseDate,
		JobRef:         in.JobRef,
		SyncStatus:     domain.SyncPending,
		ApprovalStatus: domain.ApprovalDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := exp.Validate(now); err != nil {
		return nil, err
	}

	var receipt *domain.Receipt
	if in.ReceiptPath != "" {
		receipt = &domain.Receipt{
			LocalID:     uuid.NewString(),
			ExpenseID:   exp.LocalID,
			FilePath:    in.ReceiptPath,
			ContentType: in.ReceiptContentType,
			SyncStatus:  domain.SyncPending,
			CreatedAt:   now,
		}
		exp.ReceiptID = receipt.LocalID
	}

	if err := s.db.InsertExpense(exp); err != nil {
		return nil, err
	}
	if receipt != nil {
		if err := s.db.InsertReceipt(*receipt); err != nil {
			return nil, err
		}
	}

	if _, err := s.processor.Enqueue(domain.ItemExpense, exp.LocalID); err != nil {
		return nil, err
	}
	if receipt != nil {
		if _, err := s.processor.Enqueue(domain.ItemReceipt, receipt.LocalID); err != nil {
			return nil, err
		}
	}

	s.log.Info().Str("expense", exp.LocalID).Int64("amount_minor", exp.AmountMinor).
		Str("category", string(exp.Category)).Msg("expense captured")

	// Push opportunistically; offline the queue just holds the items.
	go s.processor.Run(context.WithoutCancel(ctx))

	return &exp, nil
}

// Get returns one expense by local id.
func (s *Service) Get(localID string) (*domain.Expense, error) {
	return s.db.GetExpense(localID)
}

// List returns expenses matching the filter, newest first.
func (s *Service) List(f sqlite.ExpenseFilter) ([]domain.Expense, error) {
	return s.db.ListExpenses(f)
}

// Receipt returns the receipt attached to an expense, or nil.
func (s *Service) Receipt(expenseID string) (*domain.Receipt, error) {
	return s.db.ReceiptByExpense(expenseID)
}
