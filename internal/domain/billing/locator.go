package billing

import (
	"context"

	"github.com/google/uuid"
)

// FindBillableEvents returns the patient's clinical events that are
// chargeable and not yet referenced by any bill item.
func (s *Service) FindBillableEvents(ctx context.Context, patientID uuid.UUID) (*BillableEvents, error) {
	if _, err := s.patients.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	billed, err := s.bills.BilledEventRefs(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.collectBillable(ctx, patientID, billed)
}

func (s *Service) collectBillable(ctx context.Context, patientID uuid.UUID, billed map[EventRef]uuid.UUID) (*BillableEvents, error) {
	out := &BillableEvents{
		Consultations: []*Consultation{},
		Reports:       []*Report{},
		Prescriptions: []*Prescription{},
		RoomStays:     []*RoomStay{},
	}
	isBilled := func(t EventType, id uuid.UUID) bool {
		_, ok := billed[EventRef{Type: t, ID: id}]
		return ok
	}

	consults, err := s.events.ListConsultations(ctx, patientID)
	if err != nil {
		return nil, err
	}
	// Reports follow completed consultations even when the consultation
	// itself was billed earlier.
	completed := make(map[uuid.UUID]bool, len(consults))
	for _, c := range consults {
		if c.Status != ConsultCompleted {
			continue
		}
		completed[c.ID] = true
		if !isBilled(EventConsultation, c.ID) {
			out.Consultations = append(out.Consultations, c)
		}
	}

	reports, err := s.events.ListReports(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, r := range reports {
		if r.Status != ReportCompleted || !completed[r.ConsultID] || isBilled(EventReport, r.ID) {
			continue
		}
		out.Reports = append(out.Reports, r)
	}

	rxs, err := s.events.ListPrescriptions(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, p := range rxs {
		if p.Status == RxCancelled || isBilled(EventPrescription, p.ID) {
			continue
		}
		out.Prescriptions = append(out.Prescriptions, p)
	}

	stays, err := s.events.ListRoomStays(ctx, patientID)
	if err != nil {
		return nil, err
	}
	for _, r := range stays {
		if r.Status != RoomActive && r.Status != RoomDischarged {
			continue
		}
		if isBilled(EventRoomStay, r.ID) {
			continue
		}
		out.RoomStays = append(out.RoomStays, r)
	}

	return out, nil
}
