package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/billing/pkg/money"
)

func paymentLockKey(billID uuid.UUID) string { return "bill-payment:" + billID.String() }

// computeBalance derives the bill's state from its full payment history.
// Only successful payments count.
func computeBalance(billed money.Amount, payments []*Payment) (BillBalance, error) {
	amounts := make([]money.Amount, 0, len(payments))
	for _, p := range payments {
		if p.Status == PaymentSuccess {
			amounts = append(amounts, p.Amount)
		}
	}
	paid, err := money.Sum(amounts...)
	if err != nil {
		return BillBalance{}, fmt.Errorf("sum payments: %w", err)
	}
	return BillBalance{
		Billed:  billed,
		Paid:    paid,
		Balance: billed.Sub(paid),
		Status:  DeriveStatus(billed, paid),
	}, nil
}

// RecordPayment appends a settled payment to the bill and recomputes the
// bill's status in the same transaction.
func (s *Service) RecordPayment(ctx context.Context, billID uuid.UUID, req PaymentRequest) (*Payment, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount %d must be positive: %w", req.Amount, ErrInvalidAmount)
	}
	if !validPaymentMethods[req.PaymentMethod] {
		return nil, fmt.Errorf("invalid payment_method %q: %w", req.PaymentMethod, ErrInvalidInput)
	}
	txnID := strings.TrimSpace(req.TransactionID)
	if txnID == "" {
		var err error
		if txnID, err = s.newTxnID(txnPrefix); err != nil {
			return nil, err
		}
	}
	date := s.now()
	if req.PaymentDate != nil {
		date = req.PaymentDate.UTC()
	}

	var payment *Payment
	var bal BillBalance
	err := s.withLock(ctx, paymentLockKey(billID), func() error {
		return s.inTx(ctx, func(ctx context.Context) error {
			b, err := s.bills.GetByID(ctx, billID)
			if err != nil {
				return err
			}
			p := &Payment{
				ID:            uuid.New(),
				BillID:        b.ID,
				Amount:        req.Amount,
				PaymentMethod: req.PaymentMethod,
				PaymentDate:   date,
				Status:        PaymentSuccess,
				TransactionID: txnID,
			}
			if err := s.payments.Create(ctx, p); err != nil {
				return err
			}
			payments, err := s.payments.ListByBill(ctx, b.ID)
			if err != nil {
				return err
			}
			bal, err = computeBalance(b.GrossAmount, payments)
			if err != nil {
				return err
			}
			if bal.Status != b.PaymentStatus {
				if err := s.bills.UpdateStatus(ctx, b.ID, bal.Status); err != nil {
					return err
				}
			}
			payment = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("bill_id", billID.String()).
		Str("transaction_id", payment.TransactionID).
		Str("method", string(payment.PaymentMethod)).
		Int64("amount", int64(payment.Amount)).
		Int64("balance", int64(bal.Balance)).
		Str("status", string(bal.Status)).
		Msg("payment recorded")
	return payment, nil
}

// GetBillStatus recomputes the bill's balance from its payments. It never
// writes, so repeated calls agree for the same payment set.
func (s *Service) GetBillStatus(ctx context.Context, billID uuid.UUID) (*BillBalance, error) {
	b, err := s.bills.GetByID(ctx, billID)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByBill(ctx, billID)
	if err != nil {
		return nil, err
	}
	bal, err := computeBalance(b.GrossAmount, payments)
	if err != nil {
		return nil, err
	}
	return &bal, nil
}
