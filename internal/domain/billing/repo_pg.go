package billing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/pkg/money"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// pgBase picks the transaction, then the tenant connection, then the pool.
type pgBase struct{ pool *pgxpool.Pool }

func (r pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// NewPGStore wires every repository to the PostgreSQL pool.
func NewPGStore(pool *pgxpool.Pool) Store {
	b := pgBase{pool: pool}
	return Store{
		Patients: &patientRepoPG{b},
		Policies: &policyRepoPG{b},
		Bills:    &billRepoPG{b},
		Payments: &paymentRepoPG{b},
		Events:   &eventRepoPG{b},
		Tx:       &pgTxRunner{pool: pool},
	}
}

// uniqueViolations maps constraint names to domain conflicts.
var uniqueViolations = map[string]error{
	"uq_insurance_policy_provider": ErrDuplicatePolicy,
	"pk_insurance_enrollment":      ErrDuplicateEnrollment,
	"uq_bill_item_consult":         ErrDoubleBilling,
	"uq_bill_item_report":          ErrDoubleBilling,
	"uq_bill_item_prescription":    ErrDoubleBilling,
	"uq_bill_item_room":            ErrDoubleBilling,
	"uq_payment_transaction":       ErrDuplicateTransaction,
}

// pgError translates driver errors into the billing taxonomy. Errors that
// already belong to it pass through untouched.
func pgError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			if mapped, ok := uniqueViolations[pgErr.ConstraintName]; ok {
				return fmt.Errorf("%s: %w", op, mapped)
			}
		case pgErr.Code == "23514":
			return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, ErrInvalidInput)
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01", strings.HasPrefix(pgErr.Code, "08"):
			return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func collect[T any](op string, rows pgx.Rows, fn pgx.RowToFunc[*T]) ([]*T, error) {
	items, err := pgx.CollectRows(rows, fn)
	return items, pgError(op, err)
}

type pgTxRunner struct{ pool *pgxpool.Pool }

func (t *pgTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return pgError("transaction", db.WithTx(ctx, t.pool, fn))
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pgBase }

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO patient (id, name) VALUES ($1, $2) RETURNING created_at`,
		p.ID, p.Name).Scan(&p.CreatedAt)
	return pgError("create patient", err)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, created_at FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, pgError("get patient", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT policy_id FROM insurance_enrollment WHERE patient_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, pgError("get patient policies", err)
	}
	defer rows.Close()
	p.InsuranceDetails = []uuid.UUID{}
	for rows.Next() {
		var pid uuid.UUID
		if err := rows.Scan(&pid); err != nil {
			return nil, pgError("scan patient policy", err)
		}
		p.InsuranceDetails = append(p.InsuranceDetails, pid)
	}
	return &p, pgError("iterate patient policies", rows.Err())
}

// =========== Policy Repository ===========

type policyRepoPG struct{ pgBase }

const enrollmentCols = `e.policy_id, p.insurance_provider, e.patient_id, e.policy_number,
	e.coverage_limit, e.amount_paid, e.policy_end_date, e.version`

func scanEnrollment(row pgx.Row) (*Enrollment, error) {
	var e Enrollment
	err := row.Scan(&e.PolicyID, &e.InsuranceProvider, &e.PatientID, &e.PolicyNumber,
		&e.CoverageLimit, &e.AmountPaid, &e.PolicyEndDate, &e.Version)
	return &e, err
}

func (r *policyRepoPG) Create(ctx context.Context, p *InsurancePolicy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx,
		`INSERT INTO insurance_policy (id, insurance_provider) VALUES ($1, $2) RETURNING created_at, updated_at`,
		p.ID, p.InsuranceProvider).Scan(&p.CreatedAt, &p.UpdatedAt)
	return pgError("create policy", err)
}

func (r *policyRepoPG) GetByProvider(ctx context.Context, provider string) (*InsurancePolicy, error) {
	var p InsurancePolicy
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, insurance_provider, created_at, updated_at FROM insurance_policy WHERE insurance_provider = $1`,
		provider).Scan(&p.ID, &p.InsuranceProvider, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", provider, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, pgError("get policy", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+enrollmentCols+`
		FROM insurance_enrollment e JOIN insurance_policy p ON p.id = e.policy_id
		WHERE e.policy_id = $1 ORDER BY e.created_at`, p.ID)
	if err != nil {
		return nil, pgError("list enrollments", err)
	}
	defer rows.Close()
	p.Patients = []Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, pgError("scan enrollment", err)
		}
		p.Patients = append(p.Patients, *e)
	}
	return &p, pgError("iterate enrollments", rows.Err())
}

func (r *policyRepoPG) AddEnrollment(ctx context.Context, provider string, e *Enrollment) error {
	var policyID uuid.UUID
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id FROM insurance_policy WHERE insurance_provider = $1`, provider).Scan(&policyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", provider, ErrPolicyNotFound)
	}
	if err != nil {
		return pgError("get policy", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO insurance_enrollment (policy_id, patient_id, policy_number, coverage_limit,
			amount_paid, policy_end_date, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		policyID, e.PatientID, e.PolicyNumber, e.CoverageLimit, e.AmountPaid, e.PolicyEndDate, e.Version)
	if err != nil {
		return pgError("add enrollment", err)
	}
	e.PolicyID = policyID
	return nil
}

func (r *policyRepoPG) FindEnrollment(ctx context.Context, provider string, patientID uuid.UUID) (*Enrollment, error) {
	e, err := scanEnrollment(r.conn(ctx).QueryRow(ctx, `SELECT `+enrollmentCols+`
		FROM insurance_enrollment e JOIN insurance_policy p ON p.id = e.policy_id
		WHERE p.insurance_provider = $1 AND e.patient_id = $2`, provider, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s for patient %s: %w", provider, patientID, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, pgError("find enrollment", err)
	}
	return e, nil
}

func (r *policyRepoPG) ListEnrollmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Enrollment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+enrollmentCols+`
		FROM insurance_enrollment e JOIN insurance_policy p ON p.id = e.policy_id
		WHERE e.patient_id = $1 ORDER BY p.insurance_provider`, patientID)
	if err != nil {
		return nil, pgError("list patient enrollments", err)
	}
	defer rows.Close()
	var items []*Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, pgError("scan enrollment", err)
		}
		items = append(items, e)
	}
	return items, pgError("iterate enrollments", rows.Err())
}

func (r *policyRepoPG) ConsumeCoverage(ctx context.Context, provider string, patientID uuid.UUID, expectedVersion int, amountPaid money.Amount) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE insurance_enrollment e SET amount_paid = $4, version = e.version + 1, updated_at = NOW()
		FROM insurance_policy p
		WHERE p.id = e.policy_id AND p.insurance_provider = $1 AND e.patient_id = $2
			AND e.version = $3 AND e.amount_paid <= $4`,
		provider, patientID, expectedVersion, amountPaid)
	if err != nil {
		return pgError("consume coverage", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

// =========== Bill Repository ===========

type billRepoPG struct{ pgBase }

const billCols = `id, patient_id, generation_date, gross_amount, insurance_covered, total_amount,
	payment_status, insurance_provider, created_at, updated_at`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.PatientID, &b.GenerationDate, &b.GrossAmount, &b.InsuranceCovered,
		&b.TotalAmount, &b.PaymentStatus, &b.InsuranceProvider, &b.CreatedAt, &b.UpdatedAt)
	return &b, err
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill (id, patient_id, generation_date, gross_amount, insurance_covered,
			total_amount, payment_status, insurance_provider)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at, updated_at`,
		b.ID, b.PatientID, b.GenerationDate, b.GrossAmount, b.InsuranceCovered,
		b.TotalAmount, b.PaymentStatus, b.InsuranceProvider).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return pgError("create bill", err)
	}

	batch := &pgx.Batch{}
	for i, it := range b.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.BillID = b.ID
		batch.Queue(`
			INSERT INTO bill_item (id, bill_id, position, item_type, item_description, price, quantity,
				amount, consult_id, report_id, prescription_id, room_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			it.ID, it.BillID, i, it.ItemType, it.ItemDescription, it.Price, it.Quantity,
			it.Amount, it.ConsultID, it.ReportID, it.PrescriptionID, it.RoomID)
	}
	if batch.Len() == 0 {
		return nil
	}
	br := r.conn(ctx).SendBatch(ctx, batch)
	for range b.Items {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return pgError("create bill item", err)
		}
	}
	return pgError("create bill items", br.Close())
}

const itemCols = `id, bill_id, item_type, item_description, price, quantity, amount,
	consult_id, report_id, prescription_id, room_id`

func scanItem(row pgx.Row) (*BillItem, error) {
	var it BillItem
	err := row.Scan(&it.ID, &it.BillID, &it.ItemType, &it.ItemDescription, &it.Price, &it.Quantity,
		&it.Amount, &it.ConsultID, &it.ReportID, &it.PrescriptionID, &it.RoomID)
	return &it, err
}

func (r *billRepoPG) loadItems(ctx context.Context, b *Bill) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+` FROM bill_item WHERE bill_id = $1 ORDER BY position`, b.ID)
	if err != nil {
		return pgError("list bill items", err)
	}
	defer rows.Close()
	b.Items = []*BillItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return pgError("scan bill item", err)
		}
		b.Items = append(b.Items, it)
	}
	return pgError("iterate bill items", rows.Err())
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM bill WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrBillNotFound)
	}
	if err != nil {
		return nil, pgError("get bill", err)
	}
	if err := r.loadItems(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *billRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bill WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, pgError("count bills", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+billCols+` FROM bill WHERE patient_id = $1
		ORDER BY generation_date DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, pgError("list bills", err)
	}
	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			rows.Close()
			return nil, 0, pgError("scan bill", err)
		}
		items = append(items, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, pgError("iterate bills", err)
	}
	for _, b := range items {
		if err := r.loadItems(ctx, b); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}

func (r *billRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status BillStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE bill SET payment_status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return pgError("update bill status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, ErrBillNotFound)
	}
	return nil
}

func (r *billRepoPG) BilledEventRefs(ctx context.Context, patientID uuid.UUID) (map[EventRef]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT i.bill_id, i.consult_id, i.report_id, i.prescription_id, i.room_id
		FROM bill_item i JOIN bill b ON b.id = i.bill_id
		WHERE b.patient_id = $1 AND num_nonnulls(i.consult_id, i.report_id, i.prescription_id, i.room_id) = 1`,
		patientID)
	if err != nil {
		return nil, pgError("list billed events", err)
	}
	defer rows.Close()
	refs := make(map[EventRef]uuid.UUID)
	for rows.Next() {
		var it BillItem
		if err := rows.Scan(&it.BillID, &it.ConsultID, &it.ReportID, &it.PrescriptionID, &it.RoomID); err != nil {
			return nil, pgError("scan billed event", err)
		}
		if ref, ok := it.EventRef(); ok {
			refs[ref] = it.BillID
		}
	}
	return refs, pgError("iterate billed events", rows.Err())
}

// =========== Payment Repository ===========

type paymentRepoPG struct{ pgBase }

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment (id, bill_id, amount, payment_method, payment_date, status,
			transaction_id, insurance_provider)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		p.ID, p.BillID, p.Amount, p.PaymentMethod, p.PaymentDate, p.Status,
		p.TransactionID, p.InsuranceProvider).Scan(&p.CreatedAt)
	return pgError("create payment", err)
}

func (r *paymentRepoPG) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, bill_id, amount, payment_method, payment_date, status, transaction_id,
			insurance_provider, created_at
		FROM payment WHERE bill_id = $1 ORDER BY created_at, id`, billID)
	if err != nil {
		return nil, pgError("list payments", err)
	}
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BillID, &p.Amount, &p.PaymentMethod, &p.PaymentDate, &p.Status,
			&p.TransactionID, &p.InsuranceProvider, &p.CreatedAt); err != nil {
			return nil, pgError("scan payment", err)
		}
		items = append(items, &p)
	}
	return items, pgError("iterate payments", rows.Err())
}

// =========== Clinical Event Repository ===========

type eventRepoPG struct{ pgBase }

func (r *eventRepoPG) ListConsultations(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, patient_id, status, doctor, fee, date FROM consultation WHERE patient_id = $1 ORDER BY date`, patientID)
	if err != nil {
		return nil, pgError("list consultations", err)
	}
	return collect("scan consultations", rows, func(row pgx.CollectableRow) (*Consultation, error) {
		var c Consultation
		err := row.Scan(&c.ID, &c.PatientID, &c.Status, &c.Doctor, &c.Fee, &c.Date)
		return &c, err
	})
}

func (r *eventRepoPG) ListReports(ctx context.Context, patientID uuid.UUID) ([]*Report, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, patient_id, consult_id, status, title, fee FROM report WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, pgError("list reports", err)
	}
	return collect("scan reports", rows, func(row pgx.CollectableRow) (*Report, error) {
		var rp Report
		err := row.Scan(&rp.ID, &rp.PatientID, &rp.ConsultID, &rp.Status, &rp.Title, &rp.Fee)
		return &rp, err
	})
}

func (r *eventRepoPG) ListPrescriptions(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, patient_id, consult_id, status, medication, price FROM prescription WHERE patient_id = $1 ORDER BY id`, patientID)
	if err != nil {
		return nil, pgError("list prescriptions", err)
	}
	return collect("scan prescriptions", rows, func(row pgx.CollectableRow) (*Prescription, error) {
		var p Prescription
		err := row.Scan(&p.ID, &p.PatientID, &p.ConsultID, &p.Status, &p.Medication, &p.Price)
		return &p, err
	})
}

func (r *eventRepoPG) ListRoomStays(ctx context.Context, patientID uuid.UUID) ([]*RoomStay, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, patient_id, room_number, status, daily_rate, admitted_at, discharged_at
		FROM room_stay WHERE patient_id = $1 ORDER BY admitted_at`, patientID)
	if err != nil {
		return nil, pgError("list room stays", err)
	}
	return collect("scan room stays", rows, func(row pgx.CollectableRow) (*RoomStay, error) {
		var s RoomStay
		err := row.Scan(&s.ID, &s.PatientID, &s.RoomNumber, &s.Status, &s.DailyRate, &s.AdmittedAt, &s.DischargedAt)
		return &s, err
	})
}

func (r *eventRepoPG) CreateConsultation(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO consultation (id, patient_id, status, doctor, fee, date) VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.PatientID, c.Status, c.Doctor, c.Fee, c.Date)
	return pgError("create consultation", err)
}

func (r *eventRepoPG) CreateReport(ctx context.Context, rp *Report) error {
	if rp.ID == uuid.Nil {
		rp.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO report (id, patient_id, consult_id, status, title, fee) VALUES ($1,$2,$3,$4,$5,$6)`,
		rp.ID, rp.PatientID, rp.ConsultID, rp.Status, rp.Title, rp.Fee)
	return pgError("create report", err)
}

func (r *eventRepoPG) CreatePrescription(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO prescription (id, patient_id, consult_id, status, medication, price) VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.PatientID, p.ConsultID, p.Status, p.Medication, p.Price)
	return pgError("create prescription", err)
}

func (r *eventRepoPG) CreateRoomStay(ctx context.Context, s *RoomStay) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO room_stay (id, patient_id, room_number, status, daily_rate, admitted_at, discharged_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.PatientID, s.RoomNumber, s.Status, s.DailyRate, s.AdmittedAt, s.DischargedAt)
	return pgError("create room stay", err)
}
