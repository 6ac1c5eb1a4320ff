package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing/pkg/money"
)

func composeLockKey(patientID uuid.UUID) string { return "bill-compose:" + patientID.String() }

// buildItems validates the requested lines and returns them with the raw total.
func buildItems(reqs []ItemRequest) ([]*BillItem, money.Amount, error) {
	if len(reqs) == 0 {
		return nil, 0, ErrEmptyItemList
	}
	items := make([]*BillItem, 0, len(reqs))
	amounts := make([]money.Amount, 0, len(reqs))
	for i, r := range reqs {
		if !validItemTypes[r.ItemType] {
			return nil, 0, fmt.Errorf("item %d: invalid item_type %q: %w", i, r.ItemType, ErrInvalidInput)
		}
		if r.Price.IsNegative() {
			return nil, 0, fmt.Errorf("item %d: price must not be negative: %w", i, ErrInvalidAmount)
		}
		qty := r.Quantity
		if qty == 0 {
			qty = 1
		}
		if qty < 1 {
			return nil, 0, fmt.Errorf("item %d: quantity must be at least 1: %w", i, ErrInvalidInput)
		}
		amount, err := r.Price.Mul(qty)
		if err != nil {
			return nil, 0, fmt.Errorf("item %d: %v: %w", i, err, ErrInvalidAmount)
		}
		item := &BillItem{
			ItemType:        r.ItemType,
			ItemDescription: strings.TrimSpace(r.ItemDescription),
			Price:           r.Price,
			Quantity:        qty,
			Amount:          amount,
			ConsultID:       r.ConsultID,
			ReportID:        r.ReportID,
			PrescriptionID:  r.PrescriptionID,
			RoomID:          r.RoomID,
		}
		if item.refCount() > 1 {
			return nil, 0, fmt.Errorf("item %d: at most one clinical reference allowed: %w", i, ErrInvalidInput)
		}
		items = append(items, item)
		amounts = append(amounts, amount)
	}
	raw, err := money.Sum(amounts...)
	if err != nil {
		return nil, 0, fmt.Errorf("bill total: %v: %w", err, ErrInvalidTotal)
	}
	return items, raw, nil
}

// checkRefs rejects items pointing at events that are already billed, named
// twice in the request, or not billable for this patient.
func (s *Service) checkRefs(ctx context.Context, patientID uuid.UUID, items []*BillItem, billed map[EventRef]uuid.UUID) error {
	var billable map[EventRef]bool
	seen := make(map[EventRef]bool)
	for i, item := range items {
		ref, ok := item.EventRef()
		if !ok {
			continue
		}
		if billID, dup := billed[ref]; dup {
			return fmt.Errorf("item %d: %s on bill %s: %w", i, ref, billID, ErrDoubleBilling)
		}
		if seen[ref] {
			return fmt.Errorf("item %d: %s listed twice: %w", i, ref, ErrDoubleBilling)
		}
		seen[ref] = true

		if billable == nil {
			events, err := s.collectBillable(ctx, patientID, billed)
			if err != nil {
				return err
			}
			billable = events.Refs()
		}
		if !billable[ref] {
			return fmt.Errorf("item %d: %s is not billable for this patient: %w", i, ref, ErrInvalidInput)
		}
	}
	return nil
}

// ComposeBill turns the requested lines into a persisted bill, applying the
// named provider's coverage. Everything from the double-billing check to the
// insurance payment is written in one transaction under a per-patient lock.
func (s *Service) ComposeBill(ctx context.Context, req ComposeRequest) (*Bill, error) {
	if req.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient_id is required: %w", ErrInvalidInput)
	}
	items, raw, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}

	genDate := s.now()
	if req.GenerationDate != nil {
		genDate = req.GenerationDate.UTC()
	}
	var provider string
	if req.InsuranceProvider != nil {
		provider = *req.InsuranceProvider
	}

	var bill *Bill
	err = s.withLock(ctx, composeLockKey(req.PatientID), func() error {
		return s.inTx(ctx, func(ctx context.Context) error {
			b, err := s.composeInTx(ctx, req.PatientID, items, raw, provider, genDate)
			if err != nil {
				return err
			}
			bill = b
			return nil
		})
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", req.PatientID.String()).Msg("bill composition rejected")
		return nil, err
	}

	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("patient_id", bill.PatientID.String()).
		Int64("gross", int64(bill.GrossAmount)).
		Int64("covered", int64(bill.InsuranceCovered)).
		Int64("total", int64(bill.TotalAmount)).
		Str("status", string(bill.PaymentStatus)).
		Msg("bill composed")
	return bill, nil
}

func (s *Service) composeInTx(ctx context.Context, patientID uuid.UUID, items []*BillItem, raw money.Amount, provider string, genDate time.Time) (*Bill, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	billed, err := s.bills.BilledEventRefs(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRefs(ctx, patientID, items, billed); err != nil {
		return nil, err
	}

	adjusted, consumed := raw, money.Zero
	if provider != "" {
		res, err := s.ApplyCoverage(ctx, patientID, provider, raw, genDate)
		if errors.Is(err, ErrPolicyNotFound) {
			return nil, fmt.Errorf("%s: %w", provider, ErrInsuranceNotFound)
		}
		if err != nil {
			return nil, err
		}
		adjusted, consumed = res.AdjustedTotal, res.CoverageConsumed
	}
	if adjusted.IsNegative() {
		return nil, fmt.Errorf("adjusted total %d: %w", adjusted, ErrInvalidTotal)
	}

	b := &Bill{
		ID:               uuid.New(),
		PatientID:        patientID,
		GenerationDate:   genDate,
		GrossAmount:      raw,
		InsuranceCovered: consumed,
		TotalAmount:      adjusted,
		PaymentStatus:    DeriveStatus(raw, consumed),
		Items:            make([]*BillItem, 0, len(items)),
	}
	if provider != "" {
		p := provider
		b.InsuranceProvider = &p
	}
	for _, it := range items {
		cp := *it
		cp.ID = uuid.New()
		cp.BillID = b.ID
		b.Items = append(b.Items, &cp)
	}
	if err := s.bills.Create(ctx, b); err != nil {
		return nil, err
	}

	if consumed.IsPositive() {
		txnID, err := s.newTxnID(insurancePrefix)
		if err != nil {
			return nil, err
		}
		p := provider
		pay := &Payment{
			ID:                uuid.New(),
			BillID:            b.ID,
			Amount:            consumed,
			PaymentMethod:     MethodInsurance,
			PaymentDate:       genDate,
			Status:            PaymentSuccess,
			TransactionID:     txnID,
			InsuranceProvider: &p,
		}
		if err := s.payments.Create(ctx, pay); err != nil {
			return nil, err
		}
	}
	return b, nil
}
