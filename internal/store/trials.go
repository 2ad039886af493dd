package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/joelkehle/trialsense/internal/clinical"
)

type trialRow struct {
	NCTID               string         `db:"nct_id"`
	Title               string         `db:"title"`
	Phase               string         `db:"phase"`
	Status              string         `db:"status"`
	Conditions          string         `db:"conditions"`
	Interventions       string         `db:"interventions"`
	EligibilityCriteria string         `db:"eligibility_criteria"`
	ParsedCriteria      sql.NullString `db:"parsed_criteria"`
	MinAge              sql.NullInt64  `db:"min_age"`
	MaxAge              sql.NullInt64  `db:"max_age"`
	Sex                 string         `db:"sex"`
	Sponsor             string         `db:"sponsor"`
	Locations           string         `db:"locations"`
	LastUpdated         string         `db:"last_updated"`
	UpdatedAt           string         `db:"updated_at"`
}

const trialColumns = `nct_id, title, phase, status, conditions, interventions, eligibility_criteria,
	parsed_criteria, min_age, max_age, sex, sponsor, locations, last_updated, updated_at`

const insertTrial = `INSERT INTO trials (` + trialColumns + `)
	VALUES (:nct_id, :title, :phase, :status, :conditions, :interventions, :eligibility_criteria,
	:parsed_criteria, :min_age, :max_age, :sex, :sponsor, :locations, :last_updated, :updated_at)`

func (s *SQLStore) toTrialRow(tr clinical.TrialRecord) trialRow {
	row := trialRow{
		NCTID:               strings.ToUpper(strings.TrimSpace(tr.NCTID)),
		Title:               tr.Title,
		Phase:               tr.Phase,
		Status:              tr.Status,
		Conditions:          marshalJSON(tr.Conditions, "[]"),
		Interventions:       marshalJSON(tr.Interventions, "[]"),
		EligibilityCriteria: tr.EligibilityCriteria,
		MinAge:              nullableInt(tr.MinAge),
		MaxAge:              nullableInt(tr.MaxAge),
		Sex:                 tr.Sex,
		Sponsor:             tr.Sponsor,
		Locations:           marshalJSON(tr.Locations, "[]"),
		LastUpdated:         tr.LastUpdated,
		UpdatedAt:           timeToString(s.now()),
	}
	if len(tr.ParsedCriteria) > 0 {
		row.ParsedCriteria = sql.NullString{String: string(tr.ParsedCriteria), Valid: true}
	}
	return row
}

func (r trialRow) record() clinical.TrialRecord {
	tr := clinical.TrialRecord{
		NCTID:               r.NCTID,
		Title:               r.Title,
		Phase:               r.Phase,
		Status:              r.Status,
		EligibilityCriteria: r.EligibilityCriteria,
		MinAge:              intPtr(r.MinAge),
		MaxAge:              intPtr(r.MaxAge),
		Sex:                 r.Sex,
		Sponsor:             r.Sponsor,
		LastUpdated:         r.LastUpdated,
	}
	_ = json.Unmarshal([]byte(r.Conditions), &tr.Conditions)
	_ = json.Unmarshal([]byte(r.Interventions), &tr.Interventions)
	_ = json.Unmarshal([]byte(r.Locations), &tr.Locations)
	if r.ParsedCriteria.Valid && r.ParsedCriteria.String != "" {
		tr.ParsedCriteria = json.RawMessage(r.ParsedCriteria.String)
	}
	return tr
}

// UpsertTrial inserts the trial or refreshes every column of the stored copy.
func (s *SQLStore) UpsertTrial(ctx context.Context, tr clinical.TrialRecord) error {
	if strings.TrimSpace(tr.NCTID) == "" {
		return clinical.InvalidInput("trial nct_id is required")
	}
	_, err := s.db.NamedExecContext(ctx, insertTrial+`
	ON CONFLICT (nct_id) DO UPDATE SET
		title = excluded.title,
		phase = excluded.phase,
		status = excluded.status,
		conditions = excluded.conditions,
		interventions = excluded.interventions,
		eligibility_criteria = excluded.eligibility_criteria,
		parsed_criteria = excluded.parsed_criteria,
		min_age = excluded.min_age,
		max_age = excluded.max_age,
		sex = excluded.sex,
		sponsor = excluded.sponsor,
		locations = excluded.locations,
		last_updated = excluded.last_updated,
		updated_at = excluded.updated_at`, s.toTrialRow(tr))
	if err != nil {
		return fmt.Errorf("upsert trial %s: %w", tr.NCTID, err)
	}
	return nil
}

// InsertTrialIfAbsent stores the trial unless its id already exists and
// reports whether a row was written.
func (s *SQLStore) InsertTrialIfAbsent(ctx context.Context, tr clinical.TrialRecord) (bool, error) {
	if strings.TrimSpace(tr.NCTID) == "" {
		return false, clinical.InvalidInput("trial nct_id is required")
	}
	res, err := s.db.NamedExecContext(ctx, insertTrial+` ON CONFLICT (nct_id) DO NOTHING`, s.toTrialRow(tr))
	if err != nil {
		return false, fmt.Errorf("insert trial %s: %w", tr.NCTID, err)
	}
	return rowsAffected(res) > 0, nil
}

func (s *SQLStore) TrialExists(ctx context.Context, nctID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM trials WHERE nct_id = ?`), strings.ToUpper(nctID))
	if err != nil {
		return false, fmt.Errorf("trial exists %s: %w", nctID, err)
	}
	return n > 0, nil
}

func (s *SQLStore) GetTrial(ctx context.Context, nctID string) (clinical.TrialRecord, error) {
	var row trialRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+trialColumns+` FROM trials WHERE nct_id = ?`), strings.ToUpper(strings.TrimSpace(nctID)))
	if errors.Is(err, sql.ErrNoRows) {
		return clinical.TrialRecord{}, clinical.NotFound("trial", nctID)
	}
	if err != nil {
		return clinical.TrialRecord{}, fmt.Errorf("get trial %s: %w", nctID, err)
	}
	return row.record(), nil
}

// ListTrials returns stored trials ordered by id. An empty status lists all
// statuses; limit <= 0 means no limit.
func (s *SQLStore) ListTrials(ctx context.Context, status string, limit int) ([]clinical.TrialRecord, error) {
	query := `SELECT ` + trialColumns + ` FROM trials`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY nct_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []trialRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	out := make([]clinical.TrialRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *SQLStore) CountTrials(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM trials`); err != nil {
		return 0, fmt.Errorf("count trials: %w", err)
	}
	return n, nil
}

// PlaceholderStatus is the status of trial rows created for patient links.
const PlaceholderStatus = "Active"

// ensureTrial writes a minimal placeholder row for a trial referenced by a
// patient link but never ingested.
func (s *SQLStore) ensureTrial(ctx context.Context, tx *sqlx.Tx, st clinical.SavedTrial) error {
	title := st.Title
	if title == "" {
		title = st.NCTID
	}
	row := s.toTrialRow(clinical.TrialRecord{
		NCTID:   st.NCTID,
		Title:   title,
		Phase:   st.Phase,
		Status:  PlaceholderStatus,
		Sex:     "All",
		Sponsor: "Unknown",
	})
	if row.Phase == "" {
		row.Phase = "N/A"
	}
	if _, err := tx.NamedExecContext(ctx, insertTrial+` ON CONFLICT (nct_id) DO NOTHING`, row); err != nil {
		return fmt.Errorf("placeholder trial %s: %w", st.NCTID, err)
	}
	return nil
}
