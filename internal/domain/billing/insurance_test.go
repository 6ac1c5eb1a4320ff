package billing

import (
	"context"
	"errors"
	"testing"
)

func TestCreatePolicy(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	p := &InsurancePolicy{InsuranceProvider: "Acme"}
	if err := svc.CreatePolicy(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Patients == nil {
		t.Error("expected empty enrollment list")
	}
	if err := svc.CreatePolicy(ctx, &InsurancePolicy{InsuranceProvider: "Acme"}); !errors.Is(err, ErrDuplicatePolicy) {
		t.Errorf("expected ErrDuplicatePolicy, got %v", err)
	}
	if err := svc.CreatePolicy(ctx, &InsurancePolicy{InsuranceProvider: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	withPatients := &InsurancePolicy{InsuranceProvider: "Beta", Patients: []Enrollment{{PolicyNumber: "1"}}}
	if err := svc.CreatePolicy(ctx, withPatients); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for inline enrollments, got %v", err)
	}
}

func TestEnroll(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	p := mustPatient(t, m, "Asha")
	if err := svc.CreatePolicy(ctx, &InsurancePolicy{InsuranceProvider: "Acme"}); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	e := &Enrollment{PatientID: p.ID, PolicyNumber: "1", PolicyEndDate: testNow.AddDate(1, 0, 0)}
	if err := svc.Enroll(ctx, "Acme", e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Version != 1 || e.InsuranceProvider != "Acme" {
		t.Errorf("unexpected enrollment: %+v", e)
	}
	patient, _ := m.Store().Patients.GetByID(ctx, p.ID)
	if len(patient.InsuranceDetails) != 1 {
		t.Errorf("expected the policy on the patient, got %v", patient.InsuranceDetails)
	}

	dup := &Enrollment{PatientID: p.ID, PolicyNumber: "2", PolicyEndDate: testNow.AddDate(1, 0, 0)}
	if err := svc.Enroll(ctx, "Acme", dup); !errors.Is(err, ErrDuplicateEnrollment) {
		t.Errorf("expected ErrDuplicateEnrollment, got %v", err)
	}
}

func TestEnroll_Validation(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	p := mustPatient(t, m, "Asha")
	_ = svc.CreatePolicy(ctx, &InsurancePolicy{InsuranceProvider: "Acme"})
	end := testNow.AddDate(1, 0, 0)

	tests := []struct {
		name     string
		provider string
		e        Enrollment
		want     error
	}{
		{"missing patient", "Acme", Enrollment{PolicyNumber: "1", PolicyEndDate: end}, ErrInvalidInput},
		{"missing policy number", "Acme", Enrollment{PatientID: p.ID, PolicyEndDate: end}, ErrInvalidInput},
		{"negative limit", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "1", CoverageLimit: -1, PolicyEndDate: end}, ErrInvalidAmount},
		{"negative amount paid", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "1", AmountPaid: -1, PolicyEndDate: end}, ErrInvalidAmount},
		{"missing end date", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "1"}, ErrInvalidInput},
		{"amount paid above tier limit", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "1", AmountPaid: 250000, PolicyEndDate: end}, ErrInvalidAmount},
		{"amount paid above explicit limit", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "9", CoverageLimit: 5000, AmountPaid: 5001, PolicyEndDate: end}, ErrInvalidAmount},
		{"amount paid without capacity", "Acme", Enrollment{PatientID: p.ID, PolicyNumber: "GOLD", AmountPaid: 1, PolicyEndDate: end}, ErrInvalidAmount},
		{"unknown provider", "Nobody", Enrollment{PatientID: p.ID, PolicyNumber: "1", PolicyEndDate: end}, ErrPolicyNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := tt.e
			if err := svc.Enroll(ctx, tt.provider, &e); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	views, err := svc.ListEnrollments(ctx, p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("expected no enrollment persisted, got %+v", views)
	}
}

func TestEnroll_AmountPaidAtLimit(t *testing.T) {
	svc, m := newTestService()
	ctx := context.Background()
	p := mustPatient(t, m, "Asha")
	_ = svc.CreatePolicy(ctx, &InsurancePolicy{InsuranceProvider: "Acme"})

	e := &Enrollment{PatientID: p.ID, PolicyNumber: "1", AmountPaid: 100000, PolicyEndDate: testNow.AddDate(1, 0, 0)}
	if err := svc.Enroll(ctx, "Acme", e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	views, err := svc.ListEnrollments(ctx, p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 1 || views[0].AmountPaid > views[0].CoverageLimit || !views[0].Remaining.IsZero() {
		t.Errorf("expected an exhausted enrollment within its limit, got %+v", views)
	}
}
