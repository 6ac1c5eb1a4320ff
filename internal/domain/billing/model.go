package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/billing/pkg/money"
)

// ItemType classifies a bill line.
type ItemType string

const (
	ItemConsultation ItemType = "consultation"
	ItemMedication   ItemType = "medication"
	ItemSurgery      ItemType = "surgery"
	ItemDiagnostic   ItemType = "diagnostic"
	ItemProcedure    ItemType = "procedure"
	ItemRoomCharge   ItemType = "room_charge"
	ItemTest         ItemType = "test"
	ItemOther        ItemType = "other"
)

var validItemTypes = map[ItemType]bool{
	ItemConsultation: true, ItemMedication: true, ItemSurgery: true, ItemDiagnostic: true,
	ItemProcedure: true, ItemRoomCharge: true, ItemTest: true, ItemOther: true,
}

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodInsurance    PaymentMethod = "insurance"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodCard: true, MethodBankTransfer: true, MethodInsurance: true,
}

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
)

type BillStatus string

const (
	StatusPending       BillStatus = "pending"
	StatusPartiallyPaid BillStatus = "partially_paid"
	StatusPaid          BillStatus = "paid"
)

// EventType names the clinical source a bill item may point back to.
type EventType string

const (
	EventConsultation EventType = "consultation"
	EventReport       EventType = "report"
	EventPrescription EventType = "prescription"
	EventRoomStay     EventType = "room"
)

// EventRef identifies one clinical event. Each ref may be billed at most once.
type EventRef struct {
	Type EventType `json:"type"`
	ID   uuid.UUID `json:"id"`
}

func (r EventRef) String() string { return string(r.Type) + ":" + r.ID.String() }

// Patient is read-only for billing.
type Patient struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	Name             string      `db:"name" json:"name"`
	InsuranceDetails []uuid.UUID `db:"insurance_details" json:"insurance_details"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
}

// InsurancePolicy is keyed by its provider name, which is unique and case-sensitive.
type InsurancePolicy struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	InsuranceProvider string       `db:"insurance_provider" json:"insurance_provider"`
	Patients          []Enrollment `json:"patients"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

// Enrollment is a patient's membership in a policy. AmountPaid only grows,
// and only through coverage consumption.
type Enrollment struct {
	PolicyID          uuid.UUID    `db:"policy_id" json:"policy_id"`
	InsuranceProvider string       `db:"insurance_provider" json:"insurance_provider"`
	PatientID         uuid.UUID    `db:"patient_id" json:"patient_id"`
	PolicyNumber      string       `db:"policy_number" json:"policy_number"`
	CoverageLimit     money.Amount `db:"coverage_limit" json:"coverage_limit"`
	AmountPaid        money.Amount `db:"amount_paid" json:"amount_paid"`
	PolicyEndDate     time.Time    `db:"policy_end_date" json:"policy_end_date"`
	Version           int          `db:"version" json:"version"`
}

// Bill is the patient-facing invoice. TotalAmount is what the patient owed
// after insurance at creation; GrossAmount = TotalAmount + InsuranceCovered.
type Bill struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	PatientID         uuid.UUID    `db:"patient_id" json:"patient_id"`
	GenerationDate    time.Time    `db:"generation_date" json:"generation_date"`
	GrossAmount       money.Amount `db:"gross_amount" json:"gross_amount"`
	InsuranceCovered  money.Amount `db:"insurance_covered" json:"insurance_covered"`
	TotalAmount       money.Amount `db:"total_amount" json:"total_amount"`
	PaymentStatus     BillStatus   `db:"payment_status" json:"payment_status"`
	InsuranceProvider *string      `db:"insurance_provider" json:"insurance_provider,omitempty"`
	Items             []*BillItem  `json:"items"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
}

type BillItem struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	BillID          uuid.UUID    `db:"bill_id" json:"bill_id"`
	ItemType        ItemType     `db:"item_type" json:"item_type"`
	ItemDescription string       `db:"item_description" json:"item_description"`
	Price           money.Amount `db:"price" json:"price"`
	Quantity        int64        `db:"quantity" json:"quantity"`
	Amount          money.Amount `db:"amount" json:"amount"`
	ConsultID       *uuid.UUID   `db:"consult_id" json:"consult_id,omitempty"`
	ReportID        *uuid.UUID   `db:"report_id" json:"report_id,omitempty"`
	PrescriptionID  *uuid.UUID   `db:"prescription_id" json:"prescription_id,omitempty"`
	RoomID          *uuid.UUID   `db:"room_id" json:"room_id,omitempty"`
}

// EventRef returns the item's back-reference, if any.
func (i *BillItem) EventRef() (EventRef, bool) {
	switch {
	case i.ConsultID != nil:
		return EventRef{Type: EventConsultation, ID: *i.ConsultID}, true
	case i.ReportID != nil:
		return EventRef{Type: EventReport, ID: *i.ReportID}, true
	case i.PrescriptionID != nil:
		return EventRef{Type: EventPrescription, ID: *i.PrescriptionID}, true
	case i.RoomID != nil:
		return EventRef{Type: EventRoomStay, ID: *i.RoomID}, true
	}
	return EventRef{}, false
}

func (i *BillItem) refCount() int {
	n := 0
	for _, p := range []*uuid.UUID{i.ConsultID, i.ReportID, i.PrescriptionID, i.RoomID} {
		if p != nil {
			n++
		}
	}
	return n
}

// Payment is immutable once its status is success.
type Payment struct {
	ID                uuid.UUID     `db:"id" json:"id"`
	BillID            uuid.UUID     `db:"bill_id" json:"bill_id"`
	Amount            money.Amount  `db:"amount" json:"amount"`
	PaymentMethod     PaymentMethod `db:"payment_method" json:"payment_method"`
	PaymentDate       time.Time     `db:"payment_date" json:"payment_date"`
	Status            PaymentStatus `db:"status" json:"status"`
	TransactionID     string        `db:"transaction_id" json:"transaction_id"`
	InsuranceProvider *string       `db:"insurance_provider" json:"insurance_provider,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
}

// BillBalance is derived from the payment history on every read.
type BillBalance struct {
	Billed  money.Amount `json:"billed"`
	Paid    money.Amount `json:"paid"`
	Balance money.Amount `json:"balance"`
	Status  BillStatus   `json:"status"`
}

// DeriveStatus maps a billed/paid pair to a payment status.
func DeriveStatus(billed, paid money.Amount) BillStatus {
	switch {
	case billed-paid <= 0:
		return StatusPaid
	case paid > 0:
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// -- Clinical read models --

type Consultation struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	PatientID uuid.UUID    `db:"patient_id" json:"patient_id"`
	Status    string       `db:"status" json:"status"`
	Doctor    string       `db:"doctor" json:"doctor"`
	Fee       money.Amount `db:"fee" json:"fee"`
	Date      time.Time    `db:"date" json:"date"`
}

type Report struct {
	ID        uuid.UUID    `db:"id" json:"id"`
	PatientID uuid.UUID    `db:"patient_id" json:"patient_id"`
	ConsultID uuid.UUID    `db:"consult_id" json:"consult_id"`
	Status    string       `db:"status" json:"status"`
	Title     string       `db:"title" json:"title"`
	Fee       money.Amount `db:"fee" json:"fee"`
}

type Prescription struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	PatientID  uuid.UUID    `db:"patient_id" json:"patient_id"`
	ConsultID  *uuid.UUID   `db:"consult_id" json:"consult_id,omitempty"`
	Status     string       `db:"status" json:"status"`
	Medication string       `db:"medication" json:"medication"`
	Price      money.Amount `db:"price" json:"price"`
}

type RoomStay struct {
	ID           uuid.UUID    `db:"id" json:"id"`
	PatientID    uuid.UUID    `db:"patient_id" json:"patient_id"`
	RoomNumber   string       `db:"room_number" json:"room_number"`
	Status       string       `db:"status" json:"status"`
	DailyRate    money.Amount `db:"daily_rate" json:"daily_rate"`
	AdmittedAt   time.Time    `db:"admitted_at" json:"admitted_at"`
	DischargedAt *time.Time   `db:"discharged_at" json:"discharged_at,omitempty"`
}

// Days returns the number of billable days, counting a partial day as a full
// one and never less than one.
func (r *RoomStay) Days(asOf time.Time) int64 {
	end := asOf
	if r.DischargedAt != nil {
		end = *r.DischargedAt
	}
	d := end.Sub(r.AdmittedAt)
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return days
}

const (
	ConsultCompleted = "completed"
	ReportCompleted  = "completed"
	ReportCancelled  = "cancelled"
	RxCancelled      = "cancelled"
	RoomReserved     = "reserved"
	RoomActive       = "active"
	RoomDischarged   = "discharged"
	RoomCancelled    = "cancelled"
)

// BillableEvents is the locator's result. Slices are never nil.
type BillableEvents struct {
	Consultations []*Consultation `json:"consultations"`
	Reports       []*Report       `json:"reports"`
	Prescriptions []*Prescription `json:"prescriptions"`
	RoomStays     []*RoomStay     `json:"room_stays"`
}

// Refs returns every event in the set.
func (b *BillableEvents) Refs() map[EventRef]bool {
	refs := make(map[EventRef]bool)
	for _, c := range b.Consultations {
		refs[EventRef{Type: EventConsultation, ID: c.ID}] = true
	}
	for _, r := range b.Reports {
		refs[EventRef{Type: EventReport, ID: r.ID}] = true
	}
	for _, p := range b.Prescriptions {
		refs[EventRef{Type: EventPrescription, ID: p.ID}] = true
	}
	for _, s := range b.RoomStays {
		refs[EventRef{Type: EventRoomStay, ID: s.ID}] = true
	}
	return refs
}

// IsEmpty reports whether nothing is left to bill.
func (b *BillableEvents) IsEmpty() bool {
	return len(b.Consultations)+len(b.Reports)+len(b.Prescriptions)+len(b.RoomStays) == 0
}

// -- Requests --

type ComposeRequest struct {
	PatientID         uuid.UUID     `json:"patient_id"`
	Items             []ItemRequest `json:"items"`
	InsuranceProvider *string       `json:"insurance_provider,omitempty"`
	GenerationDate    *time.Time    `json:"generation_date,omitempty"`
}

type ItemRequest struct {
	ItemType        ItemType     `json:"item_type"`
	ItemDescription string       `json:"item_description"`
	Price           money.Amount `json:"price"`
	Quantity        int64        `json:"quantity,omitempty"`
	ConsultID       *uuid.UUID   `json:"consult_id,omitempty"`
	ReportID        *uuid.UUID   `json:"report_id,omitempty"`
	PrescriptionID  *uuid.UUID   `json:"prescription_id,omitempty"`
	RoomID          *uuid.UUID   `json:"room_id,omitempty"`
}

type PaymentRequest struct {
	Amount        money.Amount  `json:"amount"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentDate   *time.Time    `json:"payment_date,omitempty"`
	TransactionID string        `json:"transaction_id,omitempty"`
}

// EnrollmentView is an enrollment as shown in the provider picker.
type EnrollmentView struct {
	InsuranceProvider string       `json:"insurance_provider"`
	PolicyNumber      string       `json:"policy_number"`
	CoverageLimit     money.Amount `json:"coverage_limit"`
	AmountPaid        money.Amount `json:"amount_paid"`
	Remaining         money.Amount `json:"remaining"`
	PolicyEndDate     time.Time    `json:"policy_end_date"`
	Expired           bool         `json:"expired"`
}

// BillDetail is a bill with its payments and derived balance.
type BillDetail struct {
	*Bill
	Payments []*Payment `json:"payments"`
	BillBalance
}
