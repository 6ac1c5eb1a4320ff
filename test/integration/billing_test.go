//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/migrations"
)

func TestMigrations_Idempotent(t *testing.T) {
	tenantID := newTenant(t, "mig")
	ctx := context.Background()

	n, err := db.NewMigrator(globalPool, migrations.FS).Up(ctx, db.SchemaFor(tenantID))
	if err != nil {
		t.Fatalf("second up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected no pending migrations, got %d", n)
	}
	statuses, err := db.NewMigrator(globalPool, migrations.FS).Status(ctx, db.SchemaFor(tenantID))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("expected %s applied", s.Name)
		}
	}
}

func TestComposeAndSettle(t *testing.T) {
	tenantID := newTenant(t, "flow")
	ctx := tenantCtx(t, tenantID)
	svc := newService()

	patient := createPatient(t, ctx, "Meera Iyer")
	consult := createConsult(t, ctx, patient.ID, 100000)
	enroll(t, ctx, svc, "Star Health", patient.ID, 60000)

	t.Run("Locate", func(t *testing.T) {
		ev, err := svc.FindBillableEvents(ctx, patient.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(ev.Consultations) != 1 || ev.Consultations[0].ID != consult.ID {
			t.Fatalf("expected the consultation to be billable, got %+v", ev.Consultations)
		}
	})

	bill, err := svc.ComposeBill(ctx, billing.ComposeRequest{
		PatientID: patient.ID,
		Items: []billing.ItemRequest{{
			ItemType:        billing.ItemConsultation,
			ItemDescription: "Consultation",
			Price:           100000,
			ConsultID:       &consult.ID,
		}},
		InsuranceProvider: ptrStr("Star Health"),
	})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if bill.InsuranceCovered != 60000 || bill.TotalAmount != 40000 {
		t.Fatalf("expected 60000 covered and 40000 owed, got %d/%d", bill.InsuranceCovered, bill.TotalAmount)
	}

	t.Run("EventNoLongerBillable", func(t *testing.T) {
		ev, err := svc.FindBillableEvents(ctx, patient.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !ev.IsEmpty() {
			t.Errorf("expected nothing billable, got %+v", ev)
		}
	})

	t.Run("DoubleBillingRejected", func(t *testing.T) {
		_, err := svc.ComposeBill(ctx, billing.ComposeRequest{
			PatientID: patient.ID,
			Items: []billing.ItemRequest{{
				ItemType: billing.ItemConsultation, Price: 100000, ConsultID: &consult.ID,
			}},
		})
		if !errors.Is(err, billing.ErrDoubleBilling) {
			t.Fatalf("expected double billing, got %v", err)
		}
	})

	t.Run("CoverageConsumed", func(t *testing.T) {
		views, err := svc.ListEnrollments(ctx, patient.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(views) != 1 || views[0].AmountPaid != 60000 || !views[0].Remaining.IsZero() {
			t.Errorf("expected exhausted coverage, got %+v", views)
		}
	})

	t.Run("PayRemainder", func(t *testing.T) {
		if _, err := svc.RecordPayment(ctx, bill.ID, billing.PaymentRequest{
			Amount: 40000, PaymentMethod: billing.MethodCard, TransactionID: "txn_it_1",
		}); err != nil {
			t.Fatalf("payment: %v", err)
		}
		bal, err := svc.GetBillStatus(ctx, bill.ID)
		if err != nil {
			t.Fatal(err)
		}
		if bal.Status != billing.StatusPaid || !bal.Balance.IsZero() {
			t.Errorf("expected settled bill, got %+v", bal)
		}
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		_, err := svc.RecordPayment(ctx, bill.ID, billing.PaymentRequest{
			Amount: 100, PaymentMethod: billing.MethodCash, TransactionID: "txn_it_1",
		})
		if !errors.Is(err, billing.ErrDuplicateTransaction) {
			t.Fatalf("expected duplicate transaction, got %v", err)
		}
	})

	t.Run("Detail", func(t *testing.T) {
		d, err := svc.GetBill(ctx, bill.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(d.Items) != 1 || len(d.Payments) != 2 {
			t.Errorf("expected 1 item and 2 payments, got %d/%d", len(d.Items), len(d.Payments))
		}
	})
}

// Two service instances do not share an in-process lock, so the unique
// back-reference index is what rejects the loser.
func TestConcurrentComposition_UniqueIndex(t *testing.T) {
	tenantID := newTenant(t, "race")
	setup := tenantCtx(t, tenantID)
	patient := createPatient(t, setup, "Kabir Khan")
	consult := createConsult(t, setup, patient.ID, 50000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, release, err := db.TenantConn(context.Background(), globalPool, tenantID)
			if err != nil {
				errs[i] = err
				return
			}
			defer release()
			_, errs[i] = newService().ComposeBill(ctx, billing.ComposeRequest{
				PatientID: patient.ID,
				Items: []billing.ItemRequest{{
					ItemType: billing.ItemConsultation, Price: 50000, ConsultID: &consult.ID,
				}},
			})
		}(i)
	}
	wg.Wait()

	ok, doubled := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, billing.ErrDoubleBilling):
			doubled++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || doubled != 1 {
		t.Errorf("expected one bill and one rejection, got %d/%d", ok, doubled)
	}

	bills, total, err := newService().ListBillsByPatient(setup, patient.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(bills) != 1 {
		t.Errorf("expected exactly one bill, got %d", total)
	}
}

func TestTenantIsolation(t *testing.T) {
	a := newTenant(t, "iso_a")
	b := newTenant(t, "iso_b")
	svc := newService()

	patient := createPatient(t, tenantCtx(t, a), "Sara Bose")

	if _, err := svc.FindBillableEvents(tenantCtx(t, b), patient.ID); !errors.Is(err, billing.ErrPatientNotFound) {
		t.Errorf("expected patient to be invisible to another tenant, got %v", err)
	}
}
