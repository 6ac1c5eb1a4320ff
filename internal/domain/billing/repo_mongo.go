package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/pkg/money"
)

// Collection names.
const (
	colPatients      = "patients"
	colPolicies      = "insurance_policies"
	colBills         = "bills"
	colPayments      = "payments"
	colConsultations = "consultations"
	colReports       = "reports"
	colPrescriptions = "prescriptions"
	colRoomStays     = "room_stays"
)

// Index names referenced when translating duplicate key errors.
const (
	idxPolicyProvider   = "uq_insurance_provider"
	idxItemConsult      = "uq_items_consult"
	idxItemReport       = "uq_items_report"
	idxItemPrescription = "uq_items_prescription"
	idxItemRoom         = "uq_items_room"
	idxTransaction      = "uq_transaction_id"
)

var mongoDuplicates = []struct {
	index string
	err   error
}{
	{idxPolicyProvider, ErrDuplicatePolicy},
	{idxItemConsult, ErrDoubleBilling},
	{idxItemReport, ErrDoubleBilling},
	{idxItemPrescription, ErrDoubleBilling},
	{idxItemRoom, ErrDoubleBilling},
	{idxTransaction, ErrDuplicateTransaction},
}

// MongoStore keeps the ledger in MongoDB, one database per tenant. Bill items
// are embedded in their bill and enrollments in their policy.
type MongoStore struct {
	client *mongo.Client
	dbName string
}

// NewMongoStore returns a store rooted at dbName. Tenants found in the
// request context get their own database named dbName_<tenant>.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{client: client, dbName: dbName}
}

// Store returns the repositories backed by this MongoStore.
func (s *MongoStore) Store() Store {
	return Store{
		Patients: &patientRepoMongo{s},
		Policies: &policyRepoMongo{s},
		Bills:    &billRepoMongo{s},
		Payments: &paymentRepoMongo{s},
		Events:   &eventRepoMongo{s},
		Tx:       &mongoTxRunner{s.client},
	}
}

func (s *MongoStore) database(ctx context.Context) *mongo.Database {
	name := s.dbName
	if tid := db.TenantFromContext(ctx); tid != "" {
		name = s.dbName + "_" + tid
	}
	return s.client.Database(name)
}

func (s *MongoStore) col(ctx context.Context, name string) *mongo.Collection {
	return s.database(ctx).Collection(name)
}

// Ping checks connectivity with the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Migrate creates the indexes of the tenant database found in ctx. Index
// creation is idempotent.
func (s *MongoStore) Migrate(ctx context.Context) error {
	d := s.database(ctx)
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := d.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("billing/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// IndexStatus lists the index names present on each ledger collection of
// the tenant database found in ctx.
func (s *MongoStore) IndexStatus(ctx context.Context) (map[string][]string, error) {
	d := s.database(ctx)
	out := make(map[string][]string)
	for col := range migrationIndexes() {
		specs, err := d.Collection(col).Indexes().ListSpecifications(ctx)
		if err != nil {
			return nil, fmt.Errorf("billing/mongo: list %s indexes: %w", col, err)
		}
		names := make([]string, 0, len(specs))
		for _, spec := range specs {
			names = append(names, spec.Name)
		}
		sort.Strings(names)
		out[col] = names
	}
	return out, nil
}

func migrationIndexes() map[string][]mongo.IndexModel {
	refIndex := func(field, name string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().
				SetName(name).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{field: bson.M{"$type": "string"}}),
		}
	}
	return map[string][]mongo.IndexModel{
		colPolicies: {
			{
				Keys:    bson.D{{Key: "insurance_provider", Value: 1}},
				Options: options.Index().SetName(idxPolicyProvider).SetUnique(true),
			},
			{Keys: bson.D{{Key: "patients.patient_id", Value: 1}}},
		},
		colBills: {
			{Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "generation_date", Value: -1}}},
			refIndex("items.consult_id", idxItemConsult),
			refIndex("items.report_id", idxItemReport),
			refIndex("items.prescription_id", idxItemPrescription),
			refIndex("items.room_id", idxItemRoom),
		},
		colPayments: {
			{
				Keys:    bson.D{{Key: "transaction_id", Value: 1}},
				Options: options.Index().SetName(idxTransaction).SetUnique(true),
			},
			{Keys: bson.D{{Key: "bill_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colConsultations: {{Keys: bson.D{{Key: "patient_id", Value: 1}}}},
		colReports:       {{Keys: bson.D{{Key: "patient_id", Value: 1}}}},
		colPrescriptions: {{Keys: bson.D{{Key: "patient_id", Value: 1}}}},
		colRoomStays:     {{Keys: bson.D{{Key: "patient_id", Value: 1}}}},
	}
}

// mongoError translates driver errors into domain errors. Domain errors pass
// through untouched.
func mongoError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		msg := err.Error()
		for _, d := range mongoDuplicates {
			if strings.Contains(msg, d.index) {
				return fmt.Errorf("%s: %w", op, d.err)
			}
		}
		return fmt.Errorf("%s: %w: %w", op, err, ErrConflict)
	}
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || hasTransientLabel(err) {
		return fmt.Errorf("%s: %w: %w", op, err, ErrStorageFailure)
	}
	return fmt.Errorf("billing/mongo: %s: %w", op, err)
}

func hasTransientLabel(err error) bool {
	var le mongo.LabeledError
	if errors.As(err, &le) {
		return le.HasErrorLabel("TransientTransactionError") || le.HasErrorLabel("RetryableWriteError")
	}
	return false
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// mongoTxRunner runs fn in a multi-document transaction. A ctx that already
// carries a session joins it.
type mongoTxRunner struct {
	client *mongo.Client
}

func (t *mongoTxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}
	sess, err := t.client.StartSession()
	if err != nil {
		return mongoError("start session", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return mongoError("transaction", err)
}

// ---------------------------------------------------------------------------
// documents
// ---------------------------------------------------------------------------

func idString(id uuid.UUID) string { return id.String() }

func parseDocID(s string) uuid.UUID {
	id, _ := uuid.Parse(s)
	return id
}

func optIDString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func optDocID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id := parseDocID(*s)
	return &id
}

type patientDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"created_at"`
}

type enrollmentDoc struct {
	PatientID     string    `bson:"patient_id"`
	PolicyNumber  string    `bson:"policy_number"`
	CoverageLimit int64     `bson:"coverage_limit"`
	AmountPaid    int64     `bson:"amount_paid"`
	PolicyEndDate time.Time `bson:"policy_end_date"`
	Version       int       `bson:"version"`
}

type policyDoc struct {
	ID                string          `bson:"_id"`
	InsuranceProvider string          `bson:"insurance_provider"`
	Patients          []enrollmentDoc `bson:"patients"`
	CreatedAt         time.Time       `bson:"created_at"`
	UpdatedAt         time.Time       `bson:"updated_at"`
}

func (d *policyDoc) enrollment(e *enrollmentDoc) *Enrollment {
	return &Enrollment{
		PolicyID:          parseDocID(d.ID),
		InsuranceProvider: d.InsuranceProvider,
		PatientID:         parseDocID(e.PatientID),
		PolicyNumber:      e.PolicyNumber,
		CoverageLimit:     money.Amount(e.CoverageLimit),
		AmountPaid:        money.Amount(e.AmountPaid),
		PolicyEndDate:     e.PolicyEndDate.UTC(),
		Version:           e.Version,
	}
}

type billItemDoc struct {
	ID              string  `bson:"id"`
	ItemType        string  `bson:"item_type"`
	ItemDescription string  `bson:"item_description"`
	Price           int64   `bson:"price"`
	Quantity        int64   `bson:"quantity"`
	Amount          int64   `bson:"amount"`
	ConsultID       *string `bson:"consult_id,omitempty"`
	ReportID        *string `bson:"report_id,omitempty"`
	PrescriptionID  *string `bson:"prescription_id,omitempty"`
	RoomID          *string `bson:"room_id,omitempty"`
}

type billDoc struct {
	ID                string        `bson:"_id"`
	PatientID         string        `bson:"patient_id"`
	GenerationDate    time.Time     `bson:"generation_date"`
	GrossAmount       int64         `bson:"gross_amount"`
	InsuranceCovered  int64         `bson:"insurance_covered"`
	TotalAmount       int64         `bson:"total_amount"`
	PaymentStatus     string        `bson:"payment_status"`
	InsuranceProvider *string       `bson:"insurance_provider,omitempty"`
	Items             []billItemDoc `bson:"items"`
	CreatedAt         time.Time     `bson:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at"`
}

func toBillDoc(b *Bill) *billDoc {
	d := &billDoc{
		ID:                idString(b.ID),
		PatientID:         idString(b.PatientID),
		GenerationDate:    b.GenerationDate,
		GrossAmount:       int64(b.GrossAmount),
		InsuranceCovered:  int64(b.InsuranceCovered),
		TotalAmount:       int64(b.TotalAmount),
		PaymentStatus:     string(b.PaymentStatus),
		InsuranceProvider: b.InsuranceProvider,
		Items:             make([]billItemDoc, 0, len(b.Items)),
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
	for _, it := range b.Items {
		d.Items = append(d.Items, billItemDoc{
			ID:              idString(it.ID),
			ItemType:        string(it.ItemType),
			ItemDescription: it.ItemDescription,
			Price:           int64(it.Price),
			Quantity:        it.Quantity,
			Amount:          int64(it.Amount),
			ConsultID:       optIDString(it.ConsultID),
			ReportID:        optIDString(it.ReportID),
			PrescriptionID:  optIDString(it.PrescriptionID),
			RoomID:          optIDString(it.RoomID),
		})
	}
	return d
}

func (d *billDoc) bill() *Bill {
	b := &Bill{
		ID:                parseDocID(d.ID),
		PatientID:         parseDocID(d.PatientID),
		GenerationDate:    d.GenerationDate.UTC(),
		GrossAmount:       money.Amount(d.GrossAmount),
		InsuranceCovered:  money.Amount(d.InsuranceCovered),
		TotalAmount:       money.Amount(d.TotalAmount),
		PaymentStatus:     BillStatus(d.PaymentStatus),
		InsuranceProvider: d.InsuranceProvider,
		Items:             make([]*BillItem, 0, len(d.Items)),
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
	for _, it := range d.Items {
		b.Items = append(b.Items, &BillItem{
			ID:              parseDocID(it.ID),
			BillID:          b.ID,
			ItemType:        ItemType(it.ItemType),
			ItemDescription: it.ItemDescription,
			Price:           money.Amount(it.Price),
			Quantity:        it.Quantity,
			Amount:          money.Amount(it.Amount),
			ConsultID:       optDocID(it.ConsultID),
			ReportID:        optDocID(it.ReportID),
			PrescriptionID:  optDocID(it.PrescriptionID),
			RoomID:          optDocID(it.RoomID),
		})
	}
	return b
}

type paymentDoc struct {
	ID                string    `bson:"_id"`
	BillID            string    `bson:"bill_id"`
	Amount            int64     `bson:"amount"`
	PaymentMethod     string    `bson:"payment_method"`
	PaymentDate       time.Time `bson:"payment_date"`
	Status            string    `bson:"status"`
	TransactionID     string    `bson:"transaction_id"`
	InsuranceProvider *string   `bson:"insurance_provider,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
}

func (d *paymentDoc) payment() *Payment {
	return &Payment{
		ID:                parseDocID(d.ID),
		BillID:            parseDocID(d.BillID),
		Amount:            money.Amount(d.Amount),
		PaymentMethod:     PaymentMethod(d.PaymentMethod),
		PaymentDate:       d.PaymentDate.UTC(),
		Status:            PaymentStatus(d.Status),
		TransactionID:     d.TransactionID,
		InsuranceProvider: d.InsuranceProvider,
		CreatedAt:         d.CreatedAt.UTC(),
	}
}

type consultationDoc struct {
	ID        string    `bson:"_id"`
	PatientID string    `bson:"patient_id"`
	Status    string    `bson:"status"`
	Doctor    string    `bson:"doctor"`
	Fee       int64     `bson:"fee"`
	Date      time.Time `bson:"date"`
}

type reportDoc struct {
	ID        string `bson:"_id"`
	PatientID string `bson:"patient_id"`
	ConsultID string `bson:"consult_id"`
	Status    string `bson:"status"`
	Title     string `bson:"title"`
	Fee       int64  `bson:"fee"`
}

type prescriptionDoc struct {
	ID         string  `bson:"_id"`
	PatientID  string  `bson:"patient_id"`
	ConsultID  *string `bson:"consult_id,omitempty"`
	Status     string  `bson:"status"`
	Medication string  `bson:"medication"`
	Price      int64   `bson:"price"`
}

type roomStayDoc struct {
	ID           string     `bson:"_id"`
	PatientID    string     `bson:"patient_id"`
	RoomNumber   string     `bson:"room_number"`
	Status       string     `bson:"status"`
	DailyRate    int64      `bson:"daily_rate"`
	AdmittedAt   time.Time  `bson:"admitted_at"`
	DischargedAt *time.Time `bson:"discharged_at,omitempty"`
}

// findAll decodes every document matching filter and converts it with conv.
func findAll[D any, T any](ctx context.Context, c *mongo.Collection, op string, filter any, opts *options.FindOptionsBuilder, conv func(*D) *T) ([]*T, error) {
	cur, err := c.Find(ctx, filter, opts)
	if err != nil {
		return nil, mongoError(op, err)
	}
	var docs []D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, mongoError(op, err)
	}
	out := make([]*T, 0, len(docs))
	for i := range docs {
		out = append(out, conv(&docs[i]))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// patients
// ---------------------------------------------------------------------------

type patientRepoMongo struct{ s *MongoStore }

func (r *patientRepoMongo) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := r.s.col(ctx, colPatients).InsertOne(ctx, patientDoc{
		ID: idString(p.ID), Name: p.Name, CreatedAt: p.CreatedAt,
	})
	return mongoError("create patient", err)
}

func (r *patientRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var d patientDoc
	err := r.s.col(ctx, colPatients).FindOne(ctx, bson.M{"_id": idString(id)}).Decode(&d)
	if isNoDocuments(err) {
		return nil, fmt.Errorf("%s: %w", id, ErrPatientNotFound)
	}
	if err != nil {
		return nil, mongoError("get patient", err)
	}

	policies, err := findAll(ctx, r.s.col(ctx, colPolicies), "list patient policies",
		bson.M{"patients.patient_id": idString(id)},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "created_at", Value: 1}}),
		func(d *policyDoc) *uuid.UUID { id := parseDocID(d.ID); return &id })
	if err != nil {
		return nil, err
	}
	p := &Patient{
		ID:               parseDocID(d.ID),
		Name:             d.Name,
		InsuranceDetails: make([]uuid.UUID, 0, len(policies)),
		CreatedAt:        d.CreatedAt.UTC(),
	}
	for _, pid := range policies {
		p.InsuranceDetails = append(p.InsuranceDetails, *pid)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// insurance policies
// ---------------------------------------------------------------------------

type policyRepoMongo struct{ s *MongoStore }

func (r *policyRepoMongo) Create(ctx context.Context, p *InsurancePolicy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := r.s.col(ctx, colPolicies).InsertOne(ctx, policyDoc{
		ID:                idString(p.ID),
		InsuranceProvider: p.InsuranceProvider,
		Patients:          []enrollmentDoc{},
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	return mongoError("create policy", err)
}

func (r *policyRepoMongo) getDoc(ctx context.Context, provider string) (*policyDoc, error) {
	var d policyDoc
	err := r.s.col(ctx, colPolicies).FindOne(ctx, bson.M{"insurance_provider": provider}).Decode(&d)
	if isNoDocuments(err) {
		return nil, fmt.Errorf("%s: %w", provider, ErrPolicyNotFound)
	}
	if err != nil {
		return nil, mongoError("get policy", err)
	}
	return &d, nil
}

func (r *policyRepoMongo) GetByProvider(ctx context.Context, provider string) (*InsurancePolicy, error) {
	d, err := r.getDoc(ctx, provider)
	if err != nil {
		return nil, err
	}
	p := &InsurancePolicy{
		ID:                parseDocID(d.ID),
		InsuranceProvider: d.InsuranceProvider,
		Patients:          make([]Enrollment, 0, len(d.Patients)),
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
	for i := range d.Patients {
		p.Patients = append(p.Patients, *d.enrollment(&d.Patients[i]))
	}
	return p, nil
}

func (r *policyRepoMongo) AddEnrollment(ctx context.Context, provider string, e *Enrollment) error {
	pid := idString(e.PatientID)
	res, err := r.s.col(ctx, colPolicies).UpdateOne(ctx,
		bson.M{"insurance_provider": provider, "patients.patient_id": bson.M{"$ne": pid}},
		bson.M{
			"$push": bson.M{"patients": enrollmentDoc{
				PatientID:     pid,
				PolicyNumber:  e.PolicyNumber,
				CoverageLimit: int64(e.CoverageLimit),
				AmountPaid:    int64(e.AmountPaid),
				PolicyEndDate: e.PolicyEndDate,
				Version:       e.Version,
			}},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		})
	if err != nil {
		return mongoError("add enrollment", err)
	}
	if res.MatchedCount == 1 {
		d, err := r.getDoc(ctx, provider)
		if err != nil {
			return err
		}
		e.PolicyID = parseDocID(d.ID)
		return nil
	}
	// Nothing matched: either the policy is missing or the patient is enrolled.
	if _, err := r.getDoc(ctx, provider); err != nil {
		return err
	}
	return fmt.Errorf("%s/%s: %w", provider, e.PatientID, ErrDuplicateEnrollment)
}

func (r *policyRepoMongo) FindEnrollment(ctx context.Context, provider string, patientID uuid.UUID) (*Enrollment, error) {
	d, err := r.getDoc(ctx, provider)
	if err != nil {
		return nil, err
	}
	pid := idString(patientID)
	for i := range d.Patients {
		if d.Patients[i].PatientID == pid {
			return d.enrollment(&d.Patients[i]), nil
		}
	}
	return nil, fmt.Errorf("%s/%s: %w", provider, patientID, ErrPolicyNotFound)
}

func (r *policyRepoMongo) ListEnrollmentsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Enrollment, error) {
	pid := idString(patientID)
	docs, err := findAll(ctx, r.s.col(ctx, colPolicies), "list enrollments",
		bson.M{"patients.patient_id": pid},
		options.Find().SetSort(bson.D{{Key: "insurance_provider", Value: 1}}),
		func(d *policyDoc) *policyDoc { return d })
	if err != nil {
		return nil, err
	}
	out := make([]*Enrollment, 0, len(docs))
	for _, d := range docs {
		for i := range d.Patients {
			if d.Patients[i].PatientID == pid {
				out = append(out, d.enrollment(&d.Patients[i]))
			}
		}
	}
	return out, nil
}

func (r *policyRepoMongo) ConsumeCoverage(ctx context.Context, provider string, patientID uuid.UUID, expectedVersion int, amountPaid money.Amount) error {
	res, err := r.s.col(ctx, colPolicies).UpdateOne(ctx,
		bson.M{
			"insurance_provider": provider,
			"patients": bson.M{"$elemMatch": bson.M{
				"patient_id":  idString(patientID),
				"version":     expectedVersion,
				"amount_paid": bson.M{"$lte": int64(amountPaid)},
			}},
		},
		bson.M{
			"$set": bson.M{"patients.$.amount_paid": int64(amountPaid), "updated_at": time.Now().UTC()},
			"$inc": bson.M{"patients.$.version": 1},
		})
	if err != nil {
		return mongoError("consume coverage", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s version %d: %w", provider, patientID, expectedVersion, ErrConcurrentUpdate)
	}
	return nil
}

// ---------------------------------------------------------------------------
// bills
// ---------------------------------------------------------------------------

type billRepoMongo struct{ s *MongoStore }

func (r *billRepoMongo) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	for _, it := range b.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.BillID = b.ID
	}
	_, err := r.s.col(ctx, colBills).InsertOne(ctx, toBillDoc(b))
	return mongoError("create bill", err)
}

func (r *billRepoMongo) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	var d billDoc
	err := r.s.col(ctx, colBills).FindOne(ctx, bson.M{"_id": idString(id)}).Decode(&d)
	if isNoDocuments(err) {
		return nil, fmt.Errorf("%s: %w", id, ErrBillNotFound)
	}
	if err != nil {
		return nil, mongoError("get bill", err)
	}
	return d.bill(), nil
}

func (r *billRepoMongo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Bill, int, error) {
	c := r.s.col(ctx, colBills)
	filter := bson.M{"patient_id": idString(patientID)}
	total, err := c.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, mongoError("count bills", err)
	}
	bills, err := findAll(ctx, c, "list bills", filter,
		options.Find().
			SetSort(bson.D{{Key: "generation_date", Value: -1}, {Key: "_id", Value: 1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(limit)),
		(*billDoc).bill)
	if err != nil {
		return nil, 0, err
	}
	return bills, int(total), nil
}

func (r *billRepoMongo) UpdateStatus(ctx context.Context, id uuid.UUID, status BillStatus) error {
	res, err := r.s.col(ctx, colBills).UpdateOne(ctx,
		bson.M{"_id": idString(id)},
		bson.M{"$set": bson.M{"payment_status": string(status), "updated_at": time.Now().UTC()}})
	if err != nil {
		return mongoError("update bill status", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", id, ErrBillNotFound)
	}
	return nil
}

func (r *billRepoMongo) BilledEventRefs(ctx context.Context, patientID uuid.UUID) (map[EventRef]uuid.UUID, error) {
	bills, err := findAll(ctx, r.s.col(ctx, colBills), "billed event refs",
		bson.M{"patient_id": idString(patientID)},
		options.Find().SetProjection(bson.M{"items": 1, "patient_id": 1}),
		(*billDoc).bill)
	if err != nil {
		return nil, err
	}
	out := make(map[EventRef]uuid.UUID)
	for _, b := range bills {
		for _, it := range b.Items {
			if ref, ok := it.EventRef(); ok {
				out[ref] = b.ID
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// payments
// ---------------------------------------------------------------------------

type paymentRepoMongo struct{ s *MongoStore }

func (r *paymentRepoMongo) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := r.s.col(ctx, colPayments).InsertOne(ctx, paymentDoc{
		ID:                idString(p.ID),
		BillID:            idString(p.BillID),
		Amount:            int64(p.Amount),
		PaymentMethod:     string(p.PaymentMethod),
		PaymentDate:       p.PaymentDate,
		Status:            string(p.Status),
		TransactionID:     p.TransactionID,
		InsuranceProvider: p.InsuranceProvider,
		CreatedAt:         p.CreatedAt,
	})
	return mongoError("create payment", err)
}

func (r *paymentRepoMongo) ListByBill(ctx context.Context, billID uuid.UUID) ([]*Payment, error) {
	return findAll(ctx, r.s.col(ctx, colPayments), "list payments",
		bson.M{"bill_id": idString(billID)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
		(*paymentDoc).payment)
}

// ---------------------------------------------------------------------------
// clinical events
// ---------------------------------------------------------------------------

type eventRepoMongo struct{ s *MongoStore }

func byPatient(patientID uuid.UUID) bson.M { return bson.M{"patient_id": idString(patientID)} }

func (r *eventRepoMongo) ListConsultations(ctx context.Context, patientID uuid.UUID) ([]*Consultation, error) {
	return findAll(ctx, r.s.col(ctx, colConsultations), "list consultations", byPatient(patientID),
		options.Find().SetSort(bson.D{{Key: "date", Value: 1}, {Key: "_id", Value: 1}}),
		func(d *consultationDoc) *Consultation {
			return &Consultation{
				ID: parseDocID(d.ID), PatientID: parseDocID(d.PatientID), Status: d.Status,
				Doctor: d.Doctor, Fee: money.Amount(d.Fee), Date: d.Date.UTC(),
			}
		})
}

func (r *eventRepoMongo) ListReports(ctx context.Context, patientID uuid.UUID) ([]*Report, error) {
	return findAll(ctx, r.s.col(ctx, colReports), "list reports", byPatient(patientID),
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
		func(d *reportDoc) *Report {
			return &Report{
				ID: parseDocID(d.ID), PatientID: parseDocID(d.PatientID), ConsultID: parseDocID(d.ConsultID),
				Status: d.Status, Title: d.Title, Fee: money.Amount(d.Fee),
			}
		})
}

func (r *eventRepoMongo) ListPrescriptions(ctx context.Context, patientID uuid.UUID) ([]*Prescription, error) {
	return findAll(ctx, r.s.col(ctx, colPrescriptions), "list prescriptions", byPatient(patientID),
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
		func(d *prescriptionDoc) *Prescription {
			return &Prescription{
				ID: parseDocID(d.ID), PatientID: parseDocID(d.PatientID), ConsultID: optDocID(d.ConsultID),
				Status: d.Status, Medication: d.Medication, Price: money.Amount(d.Price),
			}
		})
}

func (r *eventRepoMongo) ListRoomStays(ctx context.Context, patientID uuid.UUID) ([]*RoomStay, error) {
	return findAll(ctx, r.s.col(ctx, colRoomStays), "list room stays", byPatient(patientID),
		options.Find().SetSort(bson.D{{Key: "admitted_at", Value: 1}, {Key: "_id", Value: 1}}),
		func(d *roomStayDoc) *RoomStay {
			rs := &RoomStay{
				ID: parseDocID(d.ID), PatientID: parseDocID(d.PatientID), RoomNumber: d.RoomNumber,
				Status: d.Status, DailyRate: money.Amount(d.DailyRate), AdmittedAt: d.AdmittedAt.UTC(),
			}
			if d.DischargedAt != nil {
				t := d.DischargedAt.UTC()
				rs.DischargedAt = &t
			}
			return rs
		})
}

func (r *eventRepoMongo) CreateConsultation(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.s.col(ctx, colConsultations).InsertOne(ctx, consultationDoc{
		ID: idString(c.ID), PatientID: idString(c.PatientID), Status: c.Status,
		Doctor: c.Doctor, Fee: int64(c.Fee), Date: c.Date,
	})
	return mongoError("create consultation", err)
}

func (r *eventRepoMongo) CreateReport(ctx context.Context, rp *Report) error {
	if rp.ID == uuid.Nil {
		rp.ID = uuid.New()
	}
	_, err := r.s.col(ctx, colReports).InsertOne(ctx, reportDoc{
		ID: idString(rp.ID), PatientID: idString(rp.PatientID), ConsultID: idString(rp.ConsultID),
		Status: rp.Status, Title: rp.Title, Fee: int64(rp.Fee),
	})
	return mongoError("create report", err)
}

func (r *eventRepoMongo) CreatePrescription(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.s.col(ctx, colPrescriptions).InsertOne(ctx, prescriptionDoc{
		ID: idString(p.ID), PatientID: idString(p.PatientID), ConsultID: optIDString(p.ConsultID),
		Status: p.Status, Medication: p.Medication, Price: int64(p.Price),
	})
	return mongoError("create prescription", err)
}

func (r *eventRepoMongo) CreateRoomStay(ctx context.Context, rs *RoomStay) error {
	if rs.ID == uuid.Nil {
		rs.ID = uuid.New()
	}
	_, err := r.s.col(ctx, colRoomStays).InsertOne(ctx, roomStayDoc{
		ID: idString(rs.ID), PatientID: idString(rs.PatientID), RoomNumber: rs.RoomNumber,
		Status: rs.Status, DailyRate: int64(rs.DailyRate), AdmittedAt: rs.AdmittedAt, DischargedAt: rs.DischargedAt,
	})
	return mongoError("create room stay", err)
}
