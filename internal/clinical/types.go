package clinical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const UnknownCondition = "Unknown"

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PatientLocation is where the patient lives or is treated.
type PatientLocation struct {
	City    string   `json:"city,omitempty"`
	State   *string  `json:"state,omitempty"`
	Country string   `json:"country,omitempty"`
	Lat     *float64 `json:"lat,omitempty" validate:"required_with=Lng,omitempty,gte=-90,lte=90"`
	Lng     *float64 `json:"lng,omitempty" validate:"required_with=Lat,omitempty,gte=-180,lte=180"`
}

// Coordinate returns nil unless both lat and lng are present.
func (l *PatientLocation) Coordinate() *Coordinate {
	if l == nil || l.Lat == nil || l.Lng == nil {
		return nil
	}
	return &Coordinate{Lat: *l.Lat, Lng: *l.Lng}
}

// PerformanceStatus holds an ECOG score as reported: either a 0-5 integer or
// a free-text description such as "ECOG 1-2".
type PerformanceStatus struct {
	Score *int
	Text  string
}

func ECOG(score int) *PerformanceStatus {
	return &PerformanceStatus{Score: &score}
}

func (p PerformanceStatus) String() string {
	if p.Score != nil {
		return strconv.Itoa(*p.Score)
	}
	return p.Text
}

func (p PerformanceStatus) MarshalJSON() ([]byte, error) {
	if p.Score != nil {
		return json.Marshal(*p.Score)
	}
	return json.Marshal(p.Text)
}

func (p *PerformanceStatus) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		score := int(n)
		p.Score, p.Text = &score, ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("performance status: %w", err)
	}
	s = strings.TrimSpace(s)
	if score, err := strconv.Atoi(s); err == nil {
		p.Score, p.Text = &score, ""
		return nil
	}
	p.Score, p.Text = nil, s
	return nil
}

// PatientProfile is the structured view of a patient. Absent fields mean "not
// stated", never "negative".
type PatientProfile struct {
	Condition           string             `json:"condition" validate:"required"`
	ConditionNormalized *string            `json:"condition_normalized,omitempty"`
	Histology           *string            `json:"histology,omitempty"`
	Stage               *string            `json:"stage,omitempty"`
	LineOfTherapy       *string            `json:"line_of_therapy,omitempty"`
	PriorTreatments     []string           `json:"prior_treatments,omitempty"`
	CurrentTreatments   []string           `json:"current_treatments,omitempty"`
	Biomarkers          map[string]string  `json:"biomarkers,omitempty"`
	ECOG                *PerformanceStatus `json:"ecog,omitempty"`
	Age                 *int               `json:"age,omitempty" validate:"omitempty,gt=0,lt=130"`
	Sex                 *string            `json:"sex,omitempty"`
	CNSInvolvement      *bool              `json:"cns_involvement,omitempty"`
	MetastaticSites     []string           `json:"metastatic_sites,omitempty"`
	Comorbidities       []string           `json:"comorbidities,omitempty"`
	OrganFunction       *string            `json:"organ_function,omitempty"`
	Location            *PatientLocation   `json:"location,omitempty" validate:"omitempty"`
}

// Coordinate is the patient's geocoded position, when known.
func (p PatientProfile) Coordinate() *Coordinate {
	return p.Location.Coordinate()
}

// Location is one trial site.
type Location struct {
	Facility string   `json:"facility"`
	City     string   `json:"city"`
	State    *string  `json:"state,omitempty"`
	Country  string   `json:"country"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

func (l Location) Coordinate() *Coordinate {
	if l.Lat == nil || l.Lng == nil {
		return nil
	}
	return &Coordinate{Lat: *l.Lat, Lng: *l.Lng}
}

// TrialRecord is the flattened registry record. NCTID is the natural key.
type TrialRecord struct {
	NCTID               string          `json:"nct_id"`
	Title               string          `json:"title"`
	Phase               string          `json:"phase"`
	Status              string          `json:"status"`
	Conditions          []string        `json:"conditions"`
	Interventions       []string        `json:"interventions"`
	EligibilityCriteria string          `json:"eligibility_criteria"`
	ParsedCriteria      json.RawMessage `json:"parsed_criteria,omitempty"`
	MinAge              *int            `json:"min_age,omitempty"`
	MaxAge              *int            `json:"max_age,omitempty"`
	Sex                 string          `json:"sex"`
	Sponsor             string          `json:"sponsor"`
	Locations           []Location      `json:"locations"`
	LastUpdated         string          `json:"last_updated,omitempty"`
}

type FitCategory string

const (
	FitStrong     FitCategory = "strong"
	FitModerate   FitCategory = "moderate"
	FitWeak       FitCategory = "weak"
	FitIneligible FitCategory = "ineligible"
)

// EligibilityEvaluation is the oracle's verdict for one (patient, trial) pair.
type EligibilityEvaluation struct {
	FitScore       int         `json:"fit_score" validate:"gte=0,lte=100"`
	FitCategory    FitCategory `json:"fit_category" validate:"oneof=strong moderate weak ineligible"`
	CriteriaMet    []string    `json:"criteria_met"`
	CriteriaNotMet []string    `json:"criteria_not_met"`
	MissingInfo    []string    `json:"missing_info"`
	Explanation    string      `json:"explanation"`
}

// TrialMatch joins a trial's identifying fields with its evaluation and the
// site nearest to the patient.
type TrialMatch struct {
	NCTID           string      `json:"nct_id"`
	Title           string      `json:"title"`
	Phase           string      `json:"phase"`
	Status          string      `json:"status"`
	Sponsor         string      `json:"sponsor,omitempty"`
	FitScore        int         `json:"fit_score"`
	FitCategory     FitCategory `json:"fit_category"`
	CriteriaMet     []string    `json:"criteria_met"`
	CriteriaNotMet  []string    `json:"criteria_not_met"`
	MissingInfo     []string    `json:"missing_info"`
	Explanation     string      `json:"explanation"`
	NearestLocation *Location   `json:"nearest_location,omitempty"`
	DistanceKM      *float64    `json:"distance_km,omitempty"`
}

type AlertCategory string

const (
	CategoryAdverseEvent AlertCategory = "ADVERSE_EVENT"
	CategoryRegulatory   AlertCategory = "REGULATORY"
	CategoryCompetitor   AlertCategory = "COMPETITOR"
	CategoryTrialUpdate  AlertCategory = "TRIAL_UPDATE"
)

// ParseAlertCategory maps loose oracle spellings onto the four categories.
func ParseAlertCategory(s string) (AlertCategory, bool) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	switch AlertCategory(key) {
	case CategoryAdverseEvent, CategoryRegulatory, CategoryCompetitor, CategoryTrialUpdate:
		return AlertCategory(key), true
	}
	return CategoryTrialUpdate, false
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityLow:
		return SeverityLow, true
	}
	return SeverityLow, false
}

// Citation is one web source backing a finding.
type Citation struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Alert is a stored radar finding. (Drug, Title) identifies it.
type Alert struct {
	ID          int64         `json:"id"`
	Drug        string        `json:"drug"`
	Category    AlertCategory `json:"category"`
	Severity    Severity      `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Source      string        `json:"source"`
	SourceURL   string        `json:"source_url"`
	Sources     []Citation    `json:"sources"`
	Date        string        `json:"date"`
	IsNew       bool          `json:"is_new"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Patient is a persisted profile with its saved trial selections.
type Patient struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Profile   PatientProfile `json:"profile"`
	Trials    []SavedTrial   `json:"trials,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PatientSummary is a list row.
type PatientSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Condition  string    `json:"condition"`
	TrialCount int       `json:"trial_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SavedTrial links a patient to a trial together with the match data shown
// when it was selected.
type SavedTrial struct {
	NCTID   string     `json:"nct_id"`
	Title   string     `json:"title"`
	Phase   string     `json:"phase"`
	Status  string     `json:"status"`
	Match   TrialMatch `json:"match"`
	SavedAt time.Time  `json:"saved_at"`
}
