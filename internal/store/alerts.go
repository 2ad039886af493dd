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

const DefaultAlertLimit = 50

type alertRow struct {
	ID          int64  `db:"id"`
	Drug        string `db:"drug"`
	Category    string `db:"category"`
	Severity    string `db:"severity"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Source      string `db:"source"`
	SourceURL   string `db:"source_url"`
	Sources     string `db:"sources"`
	AlertDate   string `db:"alert_date"`
	IsNew       int    `db:"is_new"`
	CreatedAt   string `db:"created_at"`
}

func (r alertRow) alert() clinical.Alert {
	a := clinical.Alert{
		ID:          r.ID,
		Drug:        r.Drug,
		Category:    clinical.AlertCategory(r.Category),
		Severity:    clinical.Severity(r.Severity),
		Title:       r.Title,
		Description: r.Description,
		Source:      r.Source,
		SourceURL:   r.SourceURL,
		Date:        r.AlertDate,
		IsNew:       r.IsNew != 0,
		CreatedAt:   parseTime(r.CreatedAt),
	}
	_ = json.Unmarshal([]byte(r.Sources), &a.Sources)
	if a.Sources == nil {
		a.Sources = []clinical.Citation{}
	}
	return a
}

// withDefaults fills the fields an alert may arrive without.
func (s *SQLStore) withDefaults(a clinical.Alert) clinical.Alert {
	now := s.now()
	if cat, ok := clinical.ParseAlertCategory(string(a.Category)); ok {
		a.Category = cat
	} else {
		a.Category = clinical.CategoryTrialUpdate
	}
	if sev, ok := clinical.ParseSeverity(string(a.Severity)); ok {
		a.Severity = sev
	} else {
		a.Severity = clinical.SeverityLow
	}
	if strings.TrimSpace(a.Source) == "" {
		a.Source = "Unknown"
	}
	if strings.TrimSpace(a.Date) == "" {
		a.Date = now.Format("2006-01-02")
	}
	if a.Sources == nil {
		a.Sources = []clinical.Citation{}
	}
	a.IsNew = true
	a.CreatedAt = now
	return a
}

// SaveAlerts appends alerts, silently skipping any whose (drug, title) pair
// is already stored, including duplicates within the same call. It returns
// the alerts actually written, with their ids.
func (s *SQLStore) SaveAlerts(ctx context.Context, alerts []clinical.Alert) ([]clinical.Alert, error) {
	inserted := make([]clinical.Alert, 0, len(alerts))
	if len(alerts) == 0 {
		return inserted, nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, a := range alerts {
			a = s.withDefaults(a)
			var id int64
			err := tx.QueryRowxContext(ctx, tx.Rebind(`INSERT INTO alerts
				(drug, category, severity, title, description, source, source_url, sources, alert_date, is_new, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
				ON CONFLICT (drug, title) DO NOTHING
				RETURNING id`),
				a.Drug, string(a.Category), string(a.Severity), a.Title, a.Description, a.Source, a.SourceURL,
				marshalJSON(a.Sources, "[]"), a.Date, timeToString(a.CreatedAt),
			).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				s.log.Debug().Str("drug", a.Drug).Str("title", a.Title).Msg("alert_duplicate_skipped")
				continue
			}
			if err != nil {
				return fmt.Errorf("insert alert %q: %w", a.Title, err)
			}
			a.ID = id
			inserted = append(inserted, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

func (s *SQLStore) AlertExists(ctx context.Context, drug, title string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM alerts WHERE drug = ? AND title = ?`), drug, title)
	if err != nil {
		return false, fmt.Errorf("alert exists: %w", err)
	}
	return n > 0, nil
}

// ListAlerts returns unread alerts first, newest first within each group.
func (s *SQLStore) ListAlerts(ctx context.Context, limit int) ([]clinical.Alert, error) {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id, drug, category, severity, title, description, source,
		source_url, sources, alert_date, is_new, created_at
		FROM alerts ORDER BY is_new DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]clinical.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.alert())
	}
	return out, nil
}

// ListNewAlerts returns unread alerts, newest first.
func (s *SQLStore) ListNewAlerts(ctx context.Context) ([]clinical.Alert, error) {
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, drug, category, severity, title, description, source,
		source_url, sources, alert_date, is_new, created_at
		FROM alerts WHERE is_new = 1 ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list new alerts: %w", err)
	}
	out := make([]clinical.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.alert())
	}
	return out, nil
}

// MarkAlertsRead clears is_new on the given alerts. Alerts are never deleted.
func (s *SQLStore) MarkAlertsRead(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE alerts SET is_new = 0 WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return rowsAffected(res), nil
}
