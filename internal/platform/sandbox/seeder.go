// Package sandbox generates reproducible billing data for demo and
// development tenants: patients, insurance policies with enrollments, and
// the clinical events that the billing engine turns into bills.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/domain/billing"
	"github.com/ehr/billing/pkg/money"
)

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	PatientCount       int       `json:"patient_count"`
	ConsultsPerPatient int       `json:"consults_per_patient"`
	ReportsPerConsult  int       `json:"reports_per_consult"`
	RxPerConsult       int       `json:"prescriptions_per_consult"`
	RoomStayRatio      float64   `json:"room_stay_ratio"`
	InsuredRatio       float64   `json:"insured_ratio"`
	Seed               int64     `json:"seed"`
	ReferenceTime      time.Time `json:"reference_time,omitempty"`
}

// DefaultSeedConfig returns a small demo data set.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		PatientCount:       10,
		ConsultsPerPatient: 2,
		ReportsPerConsult:  1,
		RxPerConsult:       1,
		RoomStayRatio:      0.3,
		InsuredRatio:       0.6,
	}
}

// SeedResult summarizes one seed run.
type SeedResult struct {
	Seed          int64         `json:"seed"`
	Patients      int           `json:"patients"`
	Policies      int           `json:"policies"`
	Enrollments   int           `json:"enrollments"`
	Consultations int           `json:"consultations"`
	Reports       int           `json:"reports"`
	Prescriptions int           `json:"prescriptions"`
	RoomStays     int           `json:"room_stays"`
	Duration      time.Duration `json:"duration"`
}

var (
	firstNames = []string{"Aarav", "Meera", "Rohan", "Priya", "Kabir", "Ananya", "Vikram", "Isha", "Arjun", "Sara"}
	lastNames  = []string{"Sharma", "Iyer", "Patel", "Reddy", "Khan", "Menon", "Gupta", "Das", "Nair", "Bose"}
	doctors    = []string{"Dr. Rao", "Dr. Fernandes", "Dr. Mehta", "Dr. Kapoor", "Dr. Sen"}
	reports    = []string{"Complete Blood Count", "Lipid Panel", "Chest X-Ray", "ECG", "MRI Brain", "Thyroid Profile"}
	medicines  = []string{"Amoxicillin 500mg", "Paracetamol 650mg", "Metformin 500mg", "Atorvastatin 10mg", "Pantoprazole 40mg"}
	providers  = []string{"Star Health", "Acme Assurance", "Niva Care"}
)

// Generator produces deterministic entities from a seed. Ids are drawn from
// the same source, so two generators with the same seed agree exactly.
type Generator struct {
	rng *rand.Rand
	now time.Time
}

func NewGenerator(seed int64, now time.Time) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed)), now: now.UTC()}
}

func (g *Generator) id() uuid.UUID {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		// math/rand never fails a read
		panic(err)
	}
	return id
}

func (g *Generator) pick(pool []string) string { return pool[g.rng.Intn(len(pool))] }

// amount returns a whole-rupee amount in [lo, hi] minor units.
func (g *Generator) amount(lo, hi int64) money.Amount {
	return money.Amount((lo + g.rng.Int63n(hi-lo+1)) / 100 * 100)
}

func (g *Generator) daysAgo(maxDays int) time.Time {
	return g.now.Add(-time.Duration(g.rng.Intn(maxDays*24)+1) * time.Hour)
}

func (g *Generator) Patient() *billing.Patient {
	return &billing.Patient{
		ID:        g.id(),
		Name:      g.pick(firstNames) + " " + g.pick(lastNames),
		CreatedAt: g.now,
	}
}

func (g *Generator) Consultation(patientID uuid.UUID) *billing.Consultation {
	status := billing.ConsultCompleted
	if g.rng.Intn(5) == 0 {
		status = "scheduled"
	}
	return &billing.Consultation{
		ID:        g.id(),
		PatientID: patientID,
		Status:    status,
		Doctor:    g.pick(doctors),
		Fee:       g.amount(50000, 200000),
		Date:      g.daysAgo(30),
	}
}

func (g *Generator) Report(c *billing.Consultation) *billing.Report {
	status := billing.ReportCompleted
	if g.rng.Intn(4) == 0 {
		status = "pending"
	}
	return &billing.Report{
		ID:        g.id(),
		PatientID: c.PatientID,
		ConsultID: c.ID,
		Status:    status,
		Title:     g.pick(reports),
		Fee:       g.amount(30000, 500000),
	}
}

func (g *Generator) Prescription(c *billing.Consultation) *billing.Prescription {
	consultID := c.ID
	return &billing.Prescription{
		ID:         g.id(),
		PatientID:  c.PatientID,
		ConsultID:  &consultID,
		Status:     "active",
		Medication: g.pick(medicines),
		Price:      g.amount(5000, 80000),
	}
}

func (g *Generator) RoomStay(patientID uuid.UUID) *billing.RoomStay {
	admitted := g.daysAgo(10)
	stay := &billing.RoomStay{
		ID:         g.id(),
		PatientID:  patientID,
		RoomNumber: strconv.Itoa(100 + g.rng.Intn(400)),
		Status:     billing.RoomActive,
		DailyRate:  g.amount(150000, 600000),
		AdmittedAt: admitted,
	}
	if g.rng.Intn(2) == 0 {
		discharged := admitted.Add(time.Duration(24+g.rng.Intn(96)) * time.Hour)
		if discharged.After(g.now) {
			discharged = g.now
		}
		stay.DischargedAt = &discharged
		stay.Status = billing.RoomDischarged
	}
	return stay
}

// Enrollment returns an enrollment valid for a year from the reference time.
// Every third one relies on the policy-number tier rule instead of an
// explicit limit.
func (g *Generator) Enrollment(patientID uuid.UUID, n int) *billing.Enrollment {
	e := &billing.Enrollment{
		PatientID:     patientID,
		PolicyNumber:  strconv.Itoa(1 + g.rng.Intn(5)),
		PolicyEndDate: g.now.AddDate(1, 0, 0),
	}
	if n%3 != 0 {
		e.CoverageLimit = g.amount(500000, 5000000)
	}
	return e
}

// Seeder writes generated data through the billing store. Policies and
// enrollments go through the service so they are validated like API input.
type Seeder struct {
	store  billing.Store
	svc    *billing.Service
	logger zerolog.Logger
}

func NewSeeder(store billing.Store, svc *billing.Service, logger zerolog.Logger) *Seeder {
	return &Seeder{store: store, svc: svc, logger: logger}
}

// Seed generates and persists one data set. A zero seed is replaced with a
// time-based one, which is reported back in the result.
func (s *Seeder) Seed(ctx context.Context, cfg SeedConfig) (*SeedResult, error) {
	if cfg.PatientCount < 0 || cfg.ConsultsPerPatient < 0 || cfg.ReportsPerConsult < 0 || cfg.RxPerConsult < 0 {
		return nil, fmt.Errorf("seed counts must not be negative: %w", billing.ErrInvalidInput)
	}
	start := time.Now()
	if cfg.Seed == 0 {
		cfg.Seed = start.UnixNano()
	}
	if cfg.ReferenceTime.IsZero() {
		cfg.ReferenceTime = start
	}
	g := NewGenerator(cfg.Seed, cfg.ReferenceTime)
	res := &SeedResult{Seed: cfg.Seed}

	policies, err := s.ensurePolicies(ctx, res)
	if err != nil {
		return nil, err
	}

	for i := 0; i < cfg.PatientCount; i++ {
		p := g.Patient()
		err := s.store.Tx.WithinTx(ctx, func(ctx context.Context) error {
			return s.seedPatient(ctx, g, cfg, p, res)
		})
		if err != nil {
			return nil, fmt.Errorf("seed patient %d: %w", i, err)
		}

		if g.rng.Float64() < cfg.InsuredRatio {
			e := g.Enrollment(p.ID, i)
			if err := s.svc.Enroll(ctx, policies[i%len(policies)], e); err != nil {
				return nil, fmt.Errorf("enroll patient %d: %w", i, err)
			}
			res.Enrollments++
		}
	}

	res.Duration = time.Since(start)
	s.logger.Info().
		Int64("seed", res.Seed).
		Int("patients", res.Patients).
		Int("enrollments", res.Enrollments).
		Int("consultations", res.Consultations).
		Dur("duration", res.Duration).
		Msg("sandbox data seeded")
	return res, nil
}

// ensurePolicies creates the demo providers, reusing any that already exist.
func (s *Seeder) ensurePolicies(ctx context.Context, res *SeedResult) ([]string, error) {
	for _, name := range providers {
		err := s.svc.CreatePolicy(ctx, &billing.InsurancePolicy{InsuranceProvider: name})
		switch {
		case err == nil:
			res.Policies++
		case errors.Is(err, billing.ErrDuplicatePolicy):
		default:
			return nil, fmt.Errorf("create policy %q: %w", name, err)
		}
	}
	return providers, nil
}

func (s *Seeder) seedPatient(ctx context.Context, g *Generator, cfg SeedConfig, p *billing.Patient, res *SeedResult) error {
	if err := s.store.Patients.Create(ctx, p); err != nil {
		return err
	}
	res.Patients++

	for j := 0; j < cfg.ConsultsPerPatient; j++ {
		c := g.Consultation(p.ID)
		if err := s.store.Events.CreateConsultation(ctx, c); err != nil {
			return err
		}
		res.Consultations++

		for k := 0; k < cfg.ReportsPerConsult; k++ {
			if err := s.store.Events.CreateReport(ctx, g.Report(c)); err != nil {
				return err
			}
			res.Reports++
		}
		for k := 0; k < cfg.RxPerConsult; k++ {
			if err := s.store.Events.CreatePrescription(ctx, g.Prescription(c)); err != nil {
				return err
			}
			res.Prescriptions++
		}
	}

	if g.rng.Float64() < cfg.RoomStayRatio {
		if err := s.store.Events.CreateRoomStay(ctx, g.RoomStay(p.ID)); err != nil {
			return err
		}
		res.RoomStays++
	}
	return nil
}

// SeedHandler exposes seeding over HTTP for development tenants.
type SeedHandler struct {
	seeder *Seeder
}

func NewSeedHandler(seeder *Seeder) *SeedHandler {
	return &SeedHandler{seeder: seeder}
}

func (h *SeedHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/sandbox/seed", h.handleSeed)
}

func (h *SeedHandler) handleSeed(c echo.Context) error {
	cfg := DefaultSeedConfig()
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&cfg); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid seed config")
		}
	}
	res, err := h.seeder.Seed(c.Request().Context(), cfg)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "seed failed").SetInternal(err)
	}
	return c.JSON(http.StatusCreated, res)
}
