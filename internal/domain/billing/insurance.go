package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

func (s *Service) CreatePolicy(ctx context.Context, p *InsurancePolicy) error {
	if strings.TrimSpace(p.InsuranceProvider) == "" {
		return fmt.Errorf("insurance_provider is required: %w", ErrInvalidInput)
	}
	if len(p.Patients) > 0 {
		return fmt.Errorf("enrollments are added through the enrollment endpoint: %w", ErrInvalidInput)
	}
	if err := s.policies.Create(ctx, p); err != nil {
		return err
	}
	p.Patients = []Enrollment{}
	s.logger.Info().Str("provider", p.InsuranceProvider).Msg("insurance policy created")
	return nil
}

// Enroll verifies a patient for a provider. AmountPaid may carry a payout
// already made under the policy before it was recorded here.
func (s *Service) Enroll(ctx context.Context, provider string, e *Enrollment) error {
	if e.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required: %w", ErrInvalidInput)
	}
	if strings.TrimSpace(e.PolicyNumber) == "" {
		return fmt.Errorf("policy_number is required: %w", ErrInvalidInput)
	}
	if e.CoverageLimit.IsNegative() {
		return fmt.Errorf("coverage_limit must not be negative: %w", ErrInvalidAmount)
	}
	if e.AmountPaid.IsNegative() {
		return fmt.Errorf("amount_paid must not be negative: %w", ErrInvalidAmount)
	}
	if e.PolicyEndDate.IsZero() {
		return fmt.Errorf("policy_end_date is required: %w", ErrInvalidInput)
	}
	if limit := s.limits.Limit(e); e.AmountPaid > limit {
		return fmt.Errorf("amount_paid %d exceeds coverage limit %d: %w", e.AmountPaid, limit, ErrInvalidAmount)
	}

	return s.inTx(ctx, func(ctx context.Context) error {
		if _, err := s.patients.GetByID(ctx, e.PatientID); err != nil {
			return err
		}
		if _, err := s.policies.GetByProvider(ctx, provider); err != nil {
			return err
		}
		e.InsuranceProvider = provider
		e.Version = 1
		if err := s.policies.AddEnrollment(ctx, provider, e); err != nil {
			return err
		}
		s.logger.Info().
			Str("provider", provider).
			Str("patient_id", e.PatientID.String()).
			Msg("patient enrolled")
		return nil
	})
}
