package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/llm"
)

// Oracle is the subset of llm.Executor the extractor needs.
type Oracle interface {
	Generate(ctx context.Context, op, prompt string) (string, error)
	GenerateWithImage(ctx context.Context, op, prompt string, image llm.Image) (string, error)
}

type Config struct {
	// DefaultCountry fills location.country when a city is given without one.
	DefaultCountry string
	Logger         zerolog.Logger
}

// Extractor turns free text, images and analyzer output into patient
// profiles. It never returns an error: failures degrade to a profile whose
// condition is "Unknown".
type Extractor struct {
	oracle         Oracle
	defaultCountry string
	log            zerolog.Logger
}

func New(oracle Oracle, cfg Config) *Extractor {
	return &Extractor{oracle: oracle, defaultCountry: strings.TrimSpace(cfg.DefaultCountry), log: cfg.Logger}
}

func Fallback() clinical.PatientProfile {
	return clinical.PatientProfile{Condition: clinical.UnknownCondition}
}

func (e *Extractor) FromText(ctx context.Context, text string) clinical.PatientProfile {
	if strings.TrimSpace(text) == "" {
		return Fallback()
	}
	raw, err := e.oracle.Generate(ctx, "extract_profile", buildTextPrompt(text))
	if err != nil {
		e.log.Warn().Err(err).Msg("profile_extraction_failed")
		return Fallback()
	}
	return e.parse(raw, "text")
}

func (e *Extractor) FromImage(ctx context.Context, image llm.Image) clinical.PatientProfile {
	raw, err := e.oracle.GenerateWithImage(ctx, "extract_profile_image", buildImagePrompt(), image)
	if err != nil {
		e.log.Warn().Err(err).Msg("profile_image_extraction_failed")
		return Fallback()
	}
	return e.parse(raw, "image")
}

// FromJSON accepts a profile object produced elsewhere, such as the
// accumulated_patient_info of a transcript analysis.
func (e *Extractor) FromJSON(blob string) clinical.PatientProfile {
	return e.parse(blob, "json")
}

func (e *Extractor) parse(raw, source string) clinical.PatientProfile {
	var rp rawProfile
	if err := llm.DecodeJSON(raw, &rp); err != nil {
		e.log.Warn().Err(err).Str("source", source).Int("response_chars", len(raw)).Msg("profile_parse_failed")
		return Fallback()
	}
	profile := rp.toProfile(e.defaultCountry)
	if err := clinical.Validate(profile); err != nil {
		e.log.Warn().Err(err).Str("source", source).Msg("profile_validation_failed")
		return Fallback()
	}
	return profile
}

type rawLocation struct {
	City    *string  `json:"city"`
	State   *string  `json:"state"`
	Country *string  `json:"country"`
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
}

type rawProfile struct {
	Condition           *string                     `json:"condition"`
	ConditionNormalized *string                     `json:"condition_normalized"`
	Histology           *string                     `json:"histology"`
	Stage               *string                     `json:"stage"`
	LineOfTherapy       *string                     `json:"line_of_therapy"`
	PriorTreatments     []string                    `json:"prior_treatments"`
	CurrentTreatments   []string                    `json:"current_treatments"`
	Biomarkers          map[string]any              `json:"biomarkers"`
	ECOG                *clinical.PerformanceStatus `json:"ecog"`
	Age                 *flexInt                    `json:"age"`
	Sex                 *string                     `json:"sex"`
	CNSInvolvement      *bool                       `json:"cns_involvement"`
	MetastaticSites     []string                    `json:"metastatic_sites"`
	Comorbidities       []string                    `json:"comorbidities"`
	OrganFunction       *string                     `json:"organ_function"`
	Location            *rawLocation                `json:"location"`
}

// toProfile fills defaults field by field. Blank strings become nil so that
// "" never masquerades as a stated value.
func (rp rawProfile) toProfile(defaultCountry string) clinical.PatientProfile {
	p := clinical.PatientProfile{
		Condition:           deref(rp.Condition),
		ConditionNormalized: optional(rp.ConditionNormalized),
		Histology:           optional(rp.Histology),
		Stage:               optional(rp.Stage),
		LineOfTherapy:       optional(rp.LineOfTherapy),
		PriorTreatments:     compactStrings(rp.PriorTreatments),
		CurrentTreatments:   compactStrings(rp.CurrentTreatments),
		Biomarkers:          stringifyBiomarkers(rp.Biomarkers),
		Sex:                 optional(rp.Sex),
		CNSInvolvement:      rp.CNSInvolvement,
		MetastaticSites:     compactStrings(rp.MetastaticSites),
		Comorbidities:       compactStrings(rp.Comorbidities),
		OrganFunction:       optional(rp.OrganFunction),
	}
	if p.Condition == "" {
		p.Condition = clinical.UnknownCondition
	}
	if p.LineOfTherapy == nil && len(p.PriorTreatments) > 0 {
		lot := LineOfTherapy(len(p.PriorTreatments))
		p.LineOfTherapy = &lot
	}
	if validECOG(rp.ECOG) {
		p.ECOG = rp.ECOG
	}
	if rp.Age != nil && *rp.Age > 0 && *rp.Age < 130 {
		age := int(*rp.Age)
		p.Age = &age
	}
	p.Location = rp.Location.toLocation(defaultCountry)
	return p
}

// UnmarshalJSON also accepts a bare "City, Country" string.
func (rl *rawLocation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parts := strings.SplitN(s, ",", 2)
		city := strings.TrimSpace(parts[0])
		rl.City = &city
		if len(parts) == 2 {
			country := strings.TrimSpace(parts[1])
			rl.Country = &country
		}
		return nil
	}
	type plain rawLocation
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*rl = rawLocation(v)
	return nil
}

func (rl *rawLocation) toLocation(defaultCountry string) *clinical.PatientLocation {
	if rl == nil {
		return nil
	}
	loc := clinical.PatientLocation{
		City:    deref(rl.City),
		State:   optional(rl.State),
		Country: deref(rl.Country),
	}
	if rl.Lat != nil && rl.Lng != nil {
		loc.Lat, loc.Lng = rl.Lat, rl.Lng
	}
	if loc.City != "" && loc.Country == "" {
		loc.Country = defaultCountry
	}
	if loc.City == "" && loc.Country == "" && loc.State == nil && loc.Lat == nil {
		return nil
	}
	return &loc
}

func validECOG(ps *clinical.PerformanceStatus) bool {
	if ps == nil {
		return false
	}
	if ps.Score != nil {
		return *ps.Score >= 0 && *ps.Score <= 5
	}
	return ps.Text != ""
}

// LineOfTherapy maps a prior-treatment count onto a line label.
func LineOfTherapy(priorCount int) string {
	switch {
	case priorCount <= 0:
		return "1L"
	case priorCount == 1:
		return "2L"
	default:
		return "3L+"
	}
}

// flexInt decodes 58, 58.0 and "58".
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	*f = flexInt(n)
	return nil
}

func stringifyBiomarkers(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" || v == nil {
			continue
		}
		switch tv := v.(type) {
		case string:
			if s := strings.TrimSpace(tv); s != "" {
				out[k] = s
			}
		case bool, float64:
			out[k] = fmt.Sprint(tv)
		default:
			b, _ := json.Marshal(tv)
			out[k] = string(b)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func compactStrings(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" || strings.EqualFold(v, "null") {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if v := optional(s); v != nil {
		return *v
	}
	return ""
}
