package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/radar"
	"github.com/joelkehle/trialsense/internal/store"
)

func radarCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "radar",
		Short: "Monitor patients' current treatments for safety, regulatory and trial news",
	}
	cmd.AddCommand(
		radarScanCmd(a),
		radarAlertsCmd(a),
		radarMarkReadCmd(a),
		radarBriefingCmd(a),
		radarWatchCmd(a),
	)
	return cmd
}

func radarScanCmd(a *app) *cobra.Command {
	var drugs []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan current treatments once and store new alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := a.radarService(ctx, true)
			if err != nil {
				return err
			}
			var res radar.CycleResult
			if len(drugs) > 0 {
				res, err = svc.ScanTreatments(ctx, drugs)
			} else {
				res, err = svc.RunCycle(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringSliceVar(&drugs, "drug", nil, "treatment to scan instead of the stored patients' treatments (repeatable)")
	return cmd
}

func radarAlertsCmd(a *app) *cobra.Command {
	var (
		onlyNew bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List stored alerts, unread first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := a.radarService(ctx, false)
			if err != nil {
				return err
			}
			if onlyNew {
				alerts, err := svc.NewAlerts(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, alerts)
			}
			alerts, err := svc.Alerts(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, alerts)
		},
	}
	cmd.Flags().BoolVar(&onlyNew, "new", false, "only unread alerts")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultAlertLimit, "maximum alerts to list")
	return cmd
}

func radarMarkReadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-read ALERT_ID...",
		Short: "Mark alerts as read",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			svc, err := a.radarService(cmd.Context(), false)
			if err != nil {
				return err
			}
			n, err := svc.MarkRead(cmd.Context(), ids)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"success": true, "updated": n})
		},
	}
}

func radarBriefingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "briefing",
		Short: "Write a short spoken-style briefing of unread alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			script, _, err := a.briefing(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"script": script})
		},
	}
}

func radarWatchCmd(a *app) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run radar cycles on an interval and serve Prometheus metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := a.radarService(ctx, true)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = a.cfg.Radar.Interval
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", a.metrics.Handler())
			srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.log.Error().Err(err).Str("addr", a.cfg.Metrics.Addr).Msg("metrics_server_failed")
				}
			}()
			a.log.Info().Str("metrics_addr", a.cfg.Metrics.Addr).Dur("interval", interval).Msg("radar_watch_started")

			err = svc.Watch(ctx, interval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default radar.interval)")
	return cmd
}

// briefing loads unread alerts and scripts them. The alerts are returned
// for callers that also render them.
func (a *app) briefing(ctx context.Context) (string, []clinical.Alert, error) {
	svc, err := a.radarService(ctx, false)
	if err != nil {
		return "", nil, err
	}
	alerts, err := svc.NewAlerts(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(alerts) == 0 {
		return radar.NoUpdatesBriefing, alerts, nil
	}
	exec, err := a.oracle()
	if err != nil {
		return "", nil, err
	}
	b := radar.NewBriefer(exec, a.log.With().Str("component", "briefing").Logger())
	return b.Briefing(ctx, alerts), alerts, nil
}
