package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/billing/pkg/money"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	// GetByID returns ErrPatientNotFound when the patient does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
}

type PolicyRepository interface {
	// Create returns ErrDuplicatePolicy when the provider is taken.
	Create(ctx context.Context, p *InsurancePolicy) error
	GetByProvider(ctx context.Context, provider string) (*InsurancePolicy, error)
	// AddEnrollment returns ErrDuplicateEnrollment when the patient is
	// already enrolled with the provider.
	AddEnrollment(ctx context.Context, provider string, e *Enrollment) error
	// FindEnrollment returns ErrPolicyNotFound when the provider/patient
	// pair does not exist.
	FindEnrollment(ctx context.Context, provider string, patientID uuid.UUID) (*Enrollment, error)
	ListEnrollmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Enrollment, error)
	// ConsumeCoverage sets amount_paid and bumps the version only if the
	// stored version still equals expectedVersion; otherwise it returns
	// ErrConcurrentUpdate.
	ConsumeCoverage(ctx context.Context, provider string, patientID uuid.UUID, expectedVersion int, amountPaid money.Amount) error
}

type BillRepository interface {
	// Create persists the bill with its items. A back-reference already
	// present on another item yields ErrDoubleBilling.
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status BillStatus) error
	// BilledEventRefs maps every event referenced by the patient's bill
	// items to the bill that references it.
	BilledEventRefs(ctx context.Context, patientID uuid.UUID) (map[EventRef]uuid.UUID, error)
}

type PaymentRepository interface {
	// Create returns ErrDuplicateTransaction when the transaction id is taken.
	Create(ctx context.Context, p *Payment) error
	ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error)
}

type ClinicalEventRepository interface {
	ListConsultations(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error)
	ListReports(ctx context.Context, patientID uuid.UUID) ([]*Report, error)
	ListPrescriptions(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error)
	ListRoomStays(ctx context.Context, patientID uuid.UUID) ([]*RoomStay, error)

	CreateConsultation(ctx context.Context, c *Consultation) error
	CreateReport(ctx context.Context, r *Report) error
	CreatePrescription(ctx context.Context, p *Prescription) error
	CreateRoomStay(ctx context.Context, r *RoomStay) error
}

// TxRunner runs fn inside a storage transaction. Repositories called with the
// ctx passed to fn join that transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories of one ledger backend.
type Store struct {
	Patients PatientRepository
	Policies PolicyRepository
	Bills    BillRepository
	Payments PaymentRepository
	Events   ClinicalEventRepository
	Tx       TxRunner
}
