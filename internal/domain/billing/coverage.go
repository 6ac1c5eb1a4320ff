package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing/pkg/money"
)

// maxCoverageAttempts bounds the compare-and-swap retries on an enrollment.
const maxCoverageAttempts = 3

// LimitPolicy resolves the lifetime cap of an enrollment.
type LimitPolicy struct {
	TierUnit money.Amount
}

// Limit returns CoverageLimit when set. Otherwise the policy number is read
// as a tier multiplier of TierUnit; a non-numeric policy number has no cap
// capacity at all.
func (p LimitPolicy) Limit(e *Enrollment) money.Amount {
	if e.CoverageLimit > 0 {
		return e.CoverageLimit
	}
	tiers, err := strconv.ParseInt(strings.TrimSpace(e.PolicyNumber), 10, 64)
	if err != nil || tiers <= 0 {
		return 0
	}
	limit, err := p.TierUnit.Mul(tiers)
	if err != nil {
		return money.Amount(math.MaxInt64)
	}
	return limit
}

type CoverageResult struct {
	AdjustedTotal    money.Amount `json:"adjusted_total"`
	CoverageConsumed money.Amount `json:"coverage_consumed"`
	Expired          bool         `json:"expired"`
	Limit            money.Amount `json:"limit"`
	Remaining        money.Amount `json:"remaining"`
}

// IsExpired reports whether billDate falls on a calendar day (UTC) after the
// policy end date. A zero end date never expires.
func IsExpired(policyEnd, billDate time.Time) bool {
	if policyEnd.IsZero() {
		return false
	}
	ey, em, ed := policyEnd.UTC().Date()
	by, bm, bd := billDate.UTC().Date()
	end := time.Date(ey, em, ed, 0, 0, 0, 0, time.UTC)
	bill := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return bill.After(end)
}

// ComputeCoverage splits pending between the enrollment and the patient.
// A nil enrollment means no insurance. It has no side effects.
func ComputeCoverage(pending money.Amount, e *Enrollment, billDate time.Time, lp LimitPolicy) (CoverageResult, error) {
	if pending.IsNegative() {
		return CoverageResult{}, fmt.Errorf("pending total %d: %w", pending, ErrInvalidAmount)
	}
	if e == nil {
		return CoverageResult{AdjustedTotal: pending}, nil
	}

	limit := lp.Limit(e)
	res := CoverageResult{
		AdjustedTotal: pending,
		Limit:         limit,
		Remaining:     limit.Sub(e.AmountPaid).NonNegative(),
	}
	if IsExpired(e.PolicyEndDate, billDate) {
		res.Expired = true
		return res, nil
	}

	res.CoverageConsumed = money.Min(res.Remaining, pending)
	res.AdjustedTotal = pending.Sub(res.CoverageConsumed)
	return res, nil
}

// ApplyCoverage computes coverage for the patient's enrollment with provider
// and persists the consumed amount. A lost compare-and-swap is recomputed
// from a fresh read.
func (s *Service) ApplyCoverage(ctx context.Context, patientID uuid.UUID, provider string, pending money.Amount, billDate time.Time) (CoverageResult, error) {
	if pending.IsNegative() {
		return CoverageResult{}, fmt.Errorf("pending total %d: %w", pending, ErrInvalidAmount)
	}

	for attempt := 1; attempt <= maxCoverageAttempts; attempt++ {
		e, err := s.policies.FindEnrollment(ctx, provider, patientID)
		if err != nil {
			return CoverageResult{}, err
		}

		res, err := ComputeCoverage(pending, e, billDate, s.limits)
		if err != nil {
			return CoverageResult{}, err
		}
		if res.Expired {
			s.logger.Info().
				Str("patient_id", patientID.String()).
				Str("provider", provider).
				Time("policy_end_date", e.PolicyEndDate).
				Time("bill_date", billDate).
				Msg("policy expired, coverage skipped")
			return res, nil
		}
		if res.CoverageConsumed.IsZero() {
			return res, nil
		}

		err = s.policies.ConsumeCoverage(ctx, provider, patientID, e.Version, e.AmountPaid.Add(res.CoverageConsumed))
		if errors.Is(err, ErrConcurrentUpdate) {
			s.logger.Debug().
				Str("patient_id", patientID.String()).
				Str("provider", provider).
				Int("attempt", attempt).
				Msg("enrollment changed concurrently, recomputing coverage")
			continue
		}
		if err != nil {
			return CoverageResult{}, err
		}

		s.logger.Info().
			Str("patient_id", patientID.String()).
			Str("provider", provider).
			Int64("consumed", int64(res.CoverageConsumed)).
			Int64("remaining", int64(res.Remaining-res.CoverageConsumed)).
			Msg("coverage applied")
		return res, nil
	}
	return CoverageResult{}, fmt.Errorf("apply coverage for %s: %w", provider, ErrConcurrentUpdate)
}

// ListEnrollments returns the patient's enrollments as of now.
func (s *Service) ListEnrollments(ctx context.Context, patientID uuid.UUID) ([]*EnrollmentView, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	enrollments, err := s.policies.ListEnrollmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]*EnrollmentView, 0, len(enrollments))
	for _, e := range enrollments {
		limit := s.limits.Limit(e)
		views = append(views, &EnrollmentView{
			InsuranceProvider: e.InsuranceProvider,
			PolicyNumber:      e.PolicyNumber,
			CoverageLimit:     limit,
			AmountPaid:        e.AmountPaid,
			Remaining:         limit.Sub(e.AmountPaid).NonNegative(),
			PolicyEndDate:     e.PolicyEndDate,
			Expired:           IsExpired(e.PolicyEndDate, now),
		})
	}
	return views, nil
}
