package radar

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/metrics"
)

// AlertStore is the alert half of the persistence store.
type AlertStore interface {
	SaveAlerts(ctx context.Context, alerts []clinical.Alert) ([]clinical.Alert, error)
	ListAlerts(ctx context.Context, limit int) ([]clinical.Alert, error)
	ListNewAlerts(ctx context.Context) ([]clinical.Alert, error)
	MarkAlertsRead(ctx context.Context, ids []int64) (int64, error)
}

// TreatmentSource lists the current treatments of all stored patients.
type TreatmentSource interface {
	ListCurrentTreatments(ctx context.Context) ([]string, error)
}

// Publisher announces alerts after they are stored. Optional.
type Publisher interface {
	PublishAlerts(ctx context.Context, alerts []clinical.Alert) error
}

type ServiceConfig struct {
	Publisher Publisher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Service struct {
	scanner    *Scanner
	store      AlertStore
	treatments TreatmentSource
	cfg        ServiceConfig
	log        zerolog.Logger
}

// CycleResult summarizes one radar cycle.
type CycleResult struct {
	Treatments []string         `json:"treatments"`
	Found      int              `json:"found"`
	Saved      []clinical.Alert `json:"saved"`
}

func NewService(scanner *Scanner, store AlertStore, treatments TreatmentSource, cfg ServiceConfig) *Service {
	return &Service{scanner: scanner, store: store, treatments: treatments, cfg: cfg, log: cfg.Logger}
}

// RunCycle scans every current treatment, stores findings not seen before,
// and publishes the ones that were stored.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	all, err := s.treatments.ListCurrentTreatments(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list treatments: %w", err)
	}
	res := CycleResult{Treatments: UniqueTreatments(all), Saved: []clinical.Alert{}}
	if len(res.Treatments) == 0 {
		s.log.Info().Msg("radar_cycle_no_treatments")
		return res, nil
	}
	return s.scanAndSave(ctx, res)
}

// ScanTreatments runs a cycle over an explicit treatment list.
func (s *Service) ScanTreatments(ctx context.Context, treatments []string) (CycleResult, error) {
	return s.scanAndSave(ctx, CycleResult{Treatments: UniqueTreatments(treatments), Saved: []clinical.Alert{}})
}

func (s *Service) scanAndSave(ctx context.Context, res CycleResult) (CycleResult, error) {
	started := time.Now()
	found := s.scanner.ScanAll(ctx, res.Treatments)
	res.Found = len(found)

	saved, err := s.store.SaveAlerts(ctx, found)
	if err != nil {
		return res, fmt.Errorf("save alerts: %w", err)
	}
	res.Saved = saved
	s.cfg.Metrics.AlertsSaved(len(saved))

	if s.cfg.Publisher != nil && len(saved) > 0 {
		if err := s.cfg.Publisher.PublishAlerts(ctx, saved); err != nil {
			s.log.Warn().Err(err).Int("alerts", len(saved)).Msg("radar_publish_failed")
		}
	}
	s.log.Info().
		Int("treatments", len(res.Treatments)).
		Int("found", res.Found).
		Int("saved", len(saved)).
		Dur("elapsed", time.Since(started)).
		Msg("radar_cycle_completed")
	return res, nil
}

// Watch runs a cycle immediately and then every interval until ctx ends.
func (s *Service) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("radar interval must be positive")
	}
	if _, err := s.RunCycle(ctx); err != nil {
		s.log.Error().Err(err).Msg("radar_cycle_failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.log.Error().Err(err).Msg("radar_cycle_failed")
			}
		}
	}
}

func (s *Service) Alerts(ctx context.Context, limit int) ([]clinical.Alert, error) {
	return s.store.ListAlerts(ctx, limit)
}

func (s *Service) NewAlerts(ctx context.Context) ([]clinical.Alert, error) {
	return s.store.ListNewAlerts(ctx)
}

func (s *Service) MarkRead(ctx context.Context, ids []int64) (int64, error) {
	return s.store.MarkAlertsRead(ctx, ids)
}
