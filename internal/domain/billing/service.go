package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.jetify.com/typeid/v2"

	"github.com/ehr/billing/internal/platform/lock"
	"github.com/ehr/billing/pkg/money"
)

// DefaultTierUnit is the per-tier coverage amount used when an enrollment
// carries no explicit coverage limit.
const DefaultTierUnit money.Amount = 100000

const (
	txnPrefix       = "txn"
	insurancePrefix = "ins"
)

type Service struct {
	patients PatientRepository
	policies PolicyRepository
	bills    BillRepository
	payments PaymentRepository
	events   ClinicalEventRepository
	tx       TxRunner

	locker   lock.Locker
	logger   zerolog.Logger
	limits   LimitPolicy
	now      func() time.Time
	newTxnID func(prefix string) (string, error)
}

func NewService(store Store) *Service {
	return &Service{
		patients: store.Patients,
		policies: store.Policies,
		bills:    store.Bills,
		payments: store.Payments,
		events:   store.Events,
		tx:       store.Tx,
		locker:   lock.NewLocal(),
		logger:   zerolog.Nop(),
		limits:   LimitPolicy{TierUnit: DefaultTierUnit},
		now:      func() time.Time { return time.Now().UTC() },
		newTxnID: generateTxnID,
	}
}

// SetLogger attaches a logger to the service.
func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l.With().Str("component", "billing").Logger() }

// SetLocker replaces the in-process composition lock, e.g. with a Redis lock
// shared by all instances.
func (s *Service) SetLocker(l lock.Locker) { s.locker = l }

// SetTierUnit sets the per-tier amount of the legacy coverage limit rule.
func (s *Service) SetTierUnit(unit money.Amount) { s.limits.TierUnit = unit }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func generateTxnID(prefix string) (string, error) {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("generate transaction id: %w", err)
	}
	return tid.String(), nil
}

// inTx runs fn in a storage transaction and retries it once after a
// transient storage failure. fn must rebuild all state it writes.
func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.tx.WithinTx(ctx, fn)
	if err != nil && errors.Is(err, ErrStorageFailure) && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("storage failure, retrying transaction")
		err = s.tx.WithinTx(ctx, fn)
	}
	return err
}

// withLock runs fn while holding the named lock.
func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%s: %w", key, ErrConcurrentUpdate)
		}
		return fmt.Errorf("acquire %s: %w", key, ErrStorageFailure)
	}
	defer release()
	return fn()
}

// -- Bills --

// GetBill returns the bill with its payments and derived balance.
func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*BillDetail, error) {
	b, err := s.bills.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByBill(ctx, id)
	if err != nil {
		return nil, err
	}
	bal, err := computeBalance(b.GrossAmount, payments)
	if err != nil {
		return nil, err
	}
	return &BillDetail{Bill: b, Payments: payments, BillBalance: bal}, nil
}

func (s *Service) ListBillsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, 0, err
	}
	bills, total, err := s.bills.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if bills == nil {
		bills = []*Bill{}
	}
	return bills, total, nil
}

func (s *Service) ListPayments(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	if _, err := s.bills.GetByID(ctx, billID); err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return payments, nil
}
