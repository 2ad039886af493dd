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

type patientRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Condition string `db:"condition"`
	Profile   string `db:"profile"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type linkRow struct {
	PatientID string `db:"patient_id"`
	NCTID     string `db:"nct_id"`
	Slot      int    `db:"slot"`
	Title     string `db:"title"`
	Phase     string `db:"phase"`
	Status    string `db:"status"`
	Match     string `db:"match_data"`
	SavedAt   string `db:"saved_at"`
}

type summaryRow struct {
	ID         string `db:"id"`
	Name       string `db:"name"`
	Condition  string `db:"condition"`
	CreatedAt  string `db:"created_at"`
	TrialCount int    `db:"trial_count"`
}

// CreatePatient stores a new patient with its saved trial links. Linked
// trials missing from the catalog get a placeholder row first.
func (s *SQLStore) CreatePatient(ctx context.Context, p clinical.Patient) error {
	if strings.TrimSpace(p.ID) == "" {
		return clinical.InvalidInput("patient id is required")
	}
	row := patientRow{
		ID:        p.ID,
		Name:      p.Name,
		Condition: p.Profile.Condition,
		Profile:   marshalJSON(p.Profile, "{}"),
		CreatedAt: timeToString(p.CreatedAt),
		UpdatedAt: timeToString(p.UpdatedAt),
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO patients (id, name, condition, profile, created_at, updated_at)
			VALUES (:id, :name, :condition, :profile, :created_at, :updated_at)`, row); err != nil {
			return fmt.Errorf("insert patient %s: %w", p.ID, err)
		}
		return s.insertLinks(ctx, tx, p.ID, p.Trials)
	})
}

func (s *SQLStore) insertLinks(ctx context.Context, tx *sqlx.Tx, patientID string, trials []clinical.SavedTrial) error {
	for i, st := range trials {
		st.NCTID = strings.ToUpper(strings.TrimSpace(st.NCTID))
		if err := s.ensureTrial(ctx, tx, st); err != nil {
			return err
		}
		if st.SavedAt.IsZero() {
			st.SavedAt = s.now()
		}
		link := linkRow{
			PatientID: patientID,
			NCTID:     st.NCTID,
			Slot:      i,
			Title:     st.Title,
			Phase:     st.Phase,
			Status:    st.Status,
			Match:     marshalJSON(st.Match, "{}"),
			SavedAt:   timeToString(st.SavedAt),
		}
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO patient_trials (patient_id, nct_id, slot, title, phase, status, match_data, saved_at)
			VALUES (:patient_id, :nct_id, :slot, :title, :phase, :status, :match_data, :saved_at)
			ON CONFLICT (patient_id, nct_id) DO NOTHING`, link); err != nil {
			return fmt.Errorf("link %s to %s: %w", st.NCTID, patientID, err)
		}
	}
	return nil
}

func (s *SQLStore) GetPatient(ctx context.Context, id string) (clinical.Patient, error) {
	var row patientRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, name, condition, profile, created_at, updated_at FROM patients WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return clinical.Patient{}, clinical.NotFound("patient", id)
	}
	if err != nil {
		return clinical.Patient{}, fmt.Errorf("get patient %s: %w", id, err)
	}

	var links []linkRow
	if err := s.db.SelectContext(ctx, &links, s.db.Rebind(`SELECT patient_id, nct_id, slot, title, phase, status, match_data, saved_at
		FROM patient_trials WHERE patient_id = ? ORDER BY slot`), id); err != nil {
		return clinical.Patient{}, fmt.Errorf("list links %s: %w", id, err)
	}

	p := clinical.Patient{
		ID:        row.ID,
		Name:      row.Name,
		CreatedAt: parseTime(row.CreatedAt),
		UpdatedAt: parseTime(row.UpdatedAt),
		Trials:    make([]clinical.SavedTrial, 0, len(links)),
	}
	if err := json.Unmarshal([]byte(row.Profile), &p.Profile); err != nil {
		return clinical.Patient{}, fmt.Errorf("decode profile %s: %w", id, err)
	}
	for _, l := range links {
		st := clinical.SavedTrial{
			NCTID:   l.NCTID,
			Title:   l.Title,
			Phase:   l.Phase,
			Status:  l.Status,
			SavedAt: parseTime(l.SavedAt),
		}
		_ = json.Unmarshal([]byte(l.Match), &st.Match)
		p.Trials = append(p.Trials, st)
	}
	return p, nil
}

// ListPatients returns every patient, newest first, with saved trial counts.
func (s *SQLStore) ListPatients(ctx context.Context) ([]clinical.PatientSummary, error) {
	var rows []summaryRow
	err := s.db.SelectContext(ctx, &rows, `SELECT p.id, p.name, p.condition, p.created_at, COUNT(l.nct_id) AS trial_count
		FROM patients p LEFT JOIN patient_trials l ON l.patient_id = p.id
		GROUP BY p.id, p.name, p.condition, p.created_at
		ORDER BY p.created_at DESC, p.id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	out := make([]clinical.PatientSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, clinical.PatientSummary{
			ID:         r.ID,
			Name:       r.Name,
			Condition:  r.Condition,
			TrialCount: r.TrialCount,
			CreatedAt:  parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

// UpdatePatient rewrites the name and profile of an existing patient.
func (s *SQLStore) UpdatePatient(ctx context.Context, p clinical.Patient) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE patients SET name = ?, condition = ?, profile = ?, updated_at = ? WHERE id = ?`),
		p.Name, p.Profile.Condition, marshalJSON(p.Profile, "{}"), timeToString(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("update patient %s: %w", p.ID, err)
	}
	if rowsAffected(res) == 0 {
		return clinical.NotFound("patient", p.ID)
	}
	return nil
}

// ReplacePatientTrials swaps the patient's saved trial links for trials.
func (s *SQLStore) ReplacePatientTrials(ctx context.Context, id string, trials []clinical.SavedTrial) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE patients SET updated_at = ? WHERE id = ?`), timeToString(s.now()), id)
		if err != nil {
			return fmt.Errorf("touch patient %s: %w", id, err)
		}
		if rowsAffected(res) == 0 {
			return clinical.NotFound("patient", id)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM patient_trials WHERE patient_id = ?`), id); err != nil {
			return fmt.Errorf("clear links %s: %w", id, err)
		}
		return s.insertLinks(ctx, tx, id, trials)
	})
}

func (s *SQLStore) DeletePatient(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM patient_trials WHERE patient_id = ?`), id); err != nil {
			return fmt.Errorf("delete links %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM patients WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete patient %s: %w", id, err)
		}
		if rowsAffected(res) == 0 {
			return clinical.NotFound("patient", id)
		}
		return nil
	})
}

// ListCurrentTreatments returns the current treatments of every patient in
// creation order, unfiltered.
func (s *SQLStore) ListCurrentTreatments(ctx context.Context) ([]string, error) {
	var profiles []string
	if err := s.db.SelectContext(ctx, &profiles, `SELECT profile FROM patients ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	var out []string
	for _, raw := range profiles {
		var p clinical.PatientProfile
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			s.log.Warn().Err(err).Msg("patient_profile_decode_failed")
			continue
		}
		out = append(out, p.CurrentTreatments...)
	}
	return out, nil
}
