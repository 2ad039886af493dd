package patients

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/matching"
)

// Store is the persistence surface the service needs. store.SQLStore
// implements it.
type Store interface {
	CreatePatient(ctx context.Context, p clinical.Patient) error
	GetPatient(ctx context.Context, id string) (clinical.Patient, error)
	ListPatients(ctx context.Context) ([]clinical.PatientSummary, error)
	UpdatePatient(ctx context.Context, p clinical.Patient) error
	ReplacePatientTrials(ctx context.Context, id string, trials []clinical.SavedTrial) error
	DeletePatient(ctx context.Context, id string) error
}

// Matcher runs a fresh match for a stored profile.
type Matcher interface {
	MatchPatientToTrials(ctx context.Context, profile clinical.PatientProfile, maxResults int) []clinical.TrialMatch
}

type Config struct {
	Clock  func() time.Time
	Logger zerolog.Logger
	NewID  func() string
}

type Service struct {
	store   Store
	matcher Matcher
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
}

func NewService(store Store, matcher Matcher, cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = NewPatientID
	}
	return &Service{store: store, matcher: matcher, now: cfg.Clock, newID: cfg.NewID, log: cfg.Logger}
}

// NewPatientID returns "P" followed by eight upper-case hex characters.
func NewPatientID() string {
	return "P" + strings.ToUpper(uuid.NewString()[:8])
}

// Chart is a patient profile with the matches shown for it.
type Chart struct {
	Patient clinical.Patient      `json:"patient"`
	Matches []clinical.TrialMatch `json:"matches"`
}

// ProfileUpdate carries the fields to change; nil fields are left alone.
type ProfileUpdate struct {
	Name              *string
	Age               *int
	Sex               *string
	Condition         *string
	Stage             *string
	ECOG              *clinical.PerformanceStatus
	LineOfTherapy     *string
	PriorTreatments   []string
	CurrentTreatments []string
	Biomarkers        map[string]string
}

// Save stores a new patient with at most SaveLimit selected trials and
// returns the generated id. Extra selections are dropped.
func (s *Service) Save(ctx context.Context, name string, profile clinical.PatientProfile, selected []clinical.TrialMatch) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", clinical.InvalidInput("patient name is required")
	}
	if err := clinical.Validate(profile); err != nil {
		return "", clinical.InvalidInput(fmt.Sprintf("invalid profile: %v", err))
	}
	if len(selected) > matching.SaveLimit {
		s.log.Warn().Int("selected", len(selected)).Int("kept", matching.SaveLimit).Msg("patient_selection_truncated")
	}
	now := s.now()
	p := clinical.Patient{
		ID:        s.newID(),
		Name:      name,
		Profile:   profile,
		Trials:    savedTrials(selected, now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePatient(ctx, p); err != nil {
		return "", err
	}
	s.log.Info().Str("patient_id", p.ID).Int("trials", len(p.Trials)).Msg("patient_saved")
	return p.ID, nil
}

// UpdateTrials replaces the patient's saved selections.
func (s *Service) UpdateTrials(ctx context.Context, id string, selected []clinical.TrialMatch) error {
	if err := s.store.ReplacePatientTrials(ctx, id, savedTrials(selected, s.now())); err != nil {
		return err
	}
	s.log.Info().Str("patient_id", id).Int("trials", min(len(selected), matching.SaveLimit)).Msg("patient_trials_replaced")
	return nil
}

// UpdateProfile applies the non-nil fields of u to the stored patient.
func (s *Service) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (clinical.Patient, error) {
	p, err := s.store.GetPatient(ctx, id)
	if err != nil {
		return clinical.Patient{}, err
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	u.apply(&p.Profile)
	if err := clinical.Validate(p.Profile); err != nil {
		return clinical.Patient{}, clinical.InvalidInput(fmt.Sprintf("invalid profile: %v", err))
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePatient(ctx, p); err != nil {
		return clinical.Patient{}, err
	}
	return p, nil
}

func (u ProfileUpdate) apply(p *clinical.PatientProfile) {
	if u.Age != nil {
		p.Age = u.Age
	}
	if u.Sex != nil {
		p.Sex = u.Sex
	}
	if u.Condition != nil {
		p.Condition = *u.Condition
	}
	if u.Stage != nil {
		p.Stage = u.Stage
	}
	if u.ECOG != nil {
		p.ECOG = u.ECOG
	}
	if u.LineOfTherapy != nil {
		p.LineOfTherapy = u.LineOfTherapy
	}
	if u.PriorTreatments != nil {
		p.PriorTreatments = u.PriorTreatments
	}
	if u.CurrentTreatments != nil {
		p.CurrentTreatments = u.CurrentTreatments
	}
	if u.Biomarkers != nil {
		p.Biomarkers = u.Biomarkers
	}
}

// Chart loads a patient. With skipMatching the saved selections are
// returned as-is; otherwise a fresh match run supplies the matches.
func (s *Service) Chart(ctx context.Context, id string, skipMatching bool) (Chart, error) {
	p, err := s.store.GetPatient(ctx, id)
	if err != nil {
		return Chart{}, err
	}
	c := Chart{Patient: p, Matches: []clinical.TrialMatch{}}
	if skipMatching || s.matcher == nil {
		for _, st := range p.Trials {
			c.Matches = append(c.Matches, st.Match)
		}
		return c, nil
	}
	c.Matches = s.matcher.MatchPatientToTrials(ctx, p.Profile, matching.DefaultMatchLimit)
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (clinical.Patient, error) {
	return s.store.GetPatient(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]clinical.PatientSummary, error) {
	return s.store.ListPatients(ctx)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeletePatient(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("patient_id", id).Msg("patient_deleted")
	return nil
}

func savedTrials(selected []clinical.TrialMatch, at time.Time) []clinical.SavedTrial {
	if len(selected) > matching.SaveLimit {
		selected = selected[:matching.SaveLimit]
	}
	out := make([]clinical.SavedTrial, 0, len(selected))
	for _, m := range selected {
		out = append(out, clinical.SavedTrial{
			NCTID:   m.NCTID,
			Title:   m.Title,
			Phase:   m.Phase,
			Status:  m.Status,
			Match:   m,
			SavedAt: at,
		})
	}
	return out
}
