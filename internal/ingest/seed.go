package ingest

import (
	"time"

	"github.com/joelkehle/trialsense/internal/clinical"
)

func site(facility, city, state string, lat, lng float64) clinical.Location {
	return clinical.Location{Facility: facility, City: city, State: &state, Country: "India", Lat: &lat, Lng: &lng}
}

func years(n int) *int { return &n }

// SeedTrials returns three recruiting TNBC trials with geocoded Indian sites,
// used for demos and when the registry is unreachable.
func SeedTrials() []clinical.TrialRecord {
	today := time.Now().UTC().Format("2006-01-02")
	return []clinical.TrialRecord{
		{
			NCTID:         "NCT04939948",
			Title:         "Dato-DXd Versus Chemotherapy in Previously Treated Inoperable or Metastatic Triple-Negative Breast Cancer",
			Phase:         "PHASE3",
			Status:        "RECRUITING",
			Conditions:    []string{"Triple Negative Breast Cancer", "TNBC", "Metastatic Breast Cancer"},
			Interventions: []string{"Datopotamab deruxtecan", "Dato-DXd", "Chemotherapy"},
			EligibilityCriteria: `Inclusion Criteria:
- Histologically or cytologically confirmed triple-negative breast cancer (TNBC)
- Metastatic or locally advanced inoperable disease
- Received 1-2 prior lines of chemotherapy for advanced disease
- ECOG performance status 0-1
- Adequate organ function

Exclusion Criteria:
- Active brain metastases
- Prior treatment with trophoblast cell-surface antigen 2 (Trop-2) directed therapy
- Clinically significant cardiac disease
- Active infection requiring systemic therapy`,
			MinAge:      years(18),
			Sex:         "ALL",
			Sponsor:     "Daiichi Sankyo",
			LastUpdated: today,
			Locations: []clinical.Location{
				site("Apollo Cancer Centre", "Chennai", "Tamil Nadu", 13.0827, 80.2707),
				site("Tata Memorial Hospital", "Mumbai", "Maharashtra", 19.0760, 72.8777),
			},
		},
		{
			NCTID:         "NCT05382286",
			Title:         "AKT Inhibitor Capivasertib in Combination With Paclitaxel in Triple Negative Breast Cancer",
			Phase:         "PHASE2",
			Status:        "RECRUITING",
			Conditions:    []string{"Triple Negative Breast Cancer", "TNBC"},
			Interventions: []string{"Capivasertib", "Paclitaxel"},
			EligibilityCriteria: `Inclusion Criteria:
- Metastatic or locally advanced TNBC
- At least one prior chemotherapy regimen for advanced disease
- Measurable disease per RECIST 1.1
- ECOG PS 0-1
- Fresh tumor biopsy required

Exclusion Criteria:
- Brain metastases
- Prior AKT inhibitor therapy
- Uncontrolled diabetes
- Severe hepatic impairment`,
			MinAge:      years(18),
			MaxAge:      years(75),
			Sex:         "ALL",
			Sponsor:     "AstraZeneca",
			LastUpdated: today,
			Locations: []clinical.Location{
				site("CMC Vellore", "Vellore", "Tamil Nadu", 12.9165, 79.1325),
				site("AIIMS", "New Delhi", "Delhi", 28.5672, 77.2100),
			},
		},
		{
			NCTID:         "NCT04584112",
			Title:         "Pembrolizumab Plus Chemotherapy in Triple Negative Breast Cancer",
			Phase:         "PHASE3",
			Status:        "RECRUITING",
			Conditions:    []string{"Triple Negative Breast Cancer", "TNBC"},
			Interventions: []string{"Pembrolizumab", "Chemotherapy", "Paclitaxel", "Carboplatin"},
			EligibilityCriteria: `Inclusion Criteria:
- Previously untreated metastatic TNBC
- PD-L1 positive (CPS >= 10)
- ECOG PS 0-1
- No prior immunotherapy

Exclusion Criteria:
- Active autoimmune disease
- Active brain metastases
- Prior immune checkpoint inhibitor therapy`,
			MinAge:      years(18),
			Sex:         "ALL",
			Sponsor:     "Merck Sharp & Dohme",
			LastUpdated: today,
			Locations: []clinical.Location{
				site("Kidwai Memorial Institute", "Bangalore", "Karnataka", 12.9716, 77.5946),
				site("Apollo Cancer Centre", "Chennai", "Tamil Nadu", 13.0827, 80.2707),
			},
		},
	}
}
