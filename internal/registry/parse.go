package registry

import (
	"strconv"
	"strings"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const noCriteria = "No eligibility criteria provided"

// ParseStudy flattens one v2 study. Every section is optional; anything
// missing yields an empty or default value instead of an error.
func ParseStudy(raw map[string]any) clinical.TrialRecord {
	protocol := obj(raw, "protocolSection")
	ident := obj(protocol, "identificationModule")
	status := obj(protocol, "statusModule")
	design := obj(protocol, "designModule")
	elig := obj(protocol, "eligibilityModule")
	arms := obj(protocol, "armsInterventionsModule")
	conds := obj(protocol, "conditionsModule")
	contacts := obj(protocol, "contactsLocationsModule")
	sponsors := obj(protocol, "sponsorCollaboratorsModule")

	return clinical.TrialRecord{
		NCTID:               strings.TrimSpace(str(ident["nctId"])),
		Title:               firstNonEmpty(str(ident["briefTitle"]), str(ident["officialTitle"])),
		Phase:               phaseLabel(strList(design["phases"])),
		Status:              firstNonEmpty(str(status["overallStatus"]), "UNKNOWN"),
		Conditions:          strList(conds["conditions"]),
		Interventions:       interventionNames(arms["interventions"]),
		EligibilityCriteria: firstNonEmpty(str(elig["eligibilityCriteria"]), noCriteria),
		MinAge:              ParseAge(str(elig["minimumAge"])),
		MaxAge:              ParseAge(str(elig["maximumAge"])),
		Sex:                 firstNonEmpty(str(elig["sex"]), "ALL"),
		Sponsor:             firstNonEmpty(strFromPath(sponsors, "leadSponsor", "name"), "Unknown"),
		Locations:           parseLocations(contacts["locations"]),
		LastUpdated:         strFromPath(status, "lastUpdatePostDateStruct", "date"),
	}
}

// ParseAge converts strings like "18 Years" or "6 Months" to whole years,
// rounding down. "N/A", blanks and unknown units give nil.
func ParseAge(s string) *int {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 || strings.EqualFold(fields[0], "n/a") {
		return nil
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return nil
	}
	unit := "years"
	if len(fields) > 1 {
		unit = strings.TrimSuffix(strings.ToLower(fields[1]), "s")
		unit += "s"
	}
	switch unit {
	case "years":
	case "months":
		n /= 12
	case "weeks":
		n /= 52
	case "days", "hours", "minutes":
		n = 0
	default:
		return nil
	}
	return &n
}

func phaseLabel(phases []string) string {
	if len(phases) == 0 {
		return "N/A"
	}
	return strings.Join(phases, ", ")
}

func interventionNames(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		m, _ := item.(map[string]any)
		if name := strings.TrimSpace(str(m["name"])); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func parseLocations(v any) []clinical.Location {
	arr, ok := v.([]any)
	if !ok {
		return []clinical.Location{}
	}
	out := make([]clinical.Location, 0, min(len(arr), MaxLocations))
	for _, item := range arr {
		if len(out) >= MaxLocations {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		loc := clinical.Location{
			Facility: firstNonEmpty(str(m["facility"]), "Unknown"),
			City:     strings.TrimSpace(str(m["city"])),
			Country:  strings.TrimSpace(str(m["country"])),
		}
		if st := strings.TrimSpace(str(m["state"])); st != "" {
			loc.State = &st
		}
		geo := obj(m, "geoPoint")
		lat, latOK := geo["lat"].(float64)
		lng, lngOK := geo["lon"].(float64)
		if latOK && lngOK {
			loc.Lat, loc.Lng = &lat, &lng
		}
		out = append(out, loc)
	}
	return out
}

func obj(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, _ := m[key].(map[string]any)
	return child
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func strFromPath(raw map[string]any, keys ...string) string {
	cur := any(raw)
	for _, key := range keys {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

func strList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := strings.TrimSpace(str(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
