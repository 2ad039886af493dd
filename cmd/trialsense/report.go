package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joelkehle/trialsense/internal/report"
)

func reportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render match reports and radar briefings as markdown, HTML or PDF",
	}
	cmd.AddCommand(reportPatientCmd(a), reportRadarCmd(a))
	return cmd
}

func reportPatientCmd(a *app) *cobra.Command {
	var (
		out     string
		rematch bool
	)
	cmd := &cobra.Command{
		Use:   "patient PATIENT_ID",
		Short: "Render a patient's match report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.patientService(ctx, rematch)
			if err != nil {
				return err
			}
			chart, err := svc.Chart(ctx, args[0], !rematch)
			if err != nil {
				return err
			}
			md := report.MatchReport(chart.Patient.Name, chart.Patient.Profile, chart.Matches, time.Now())
			return a.writeReport(ctx, cmd, "Trial matches for "+chart.Patient.Name, md, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output path; the extension selects .md, .html or .pdf")
	cmd.Flags().BoolVar(&rematch, "match", false, "run a fresh match instead of reporting saved trials")
	return cmd
}

func reportRadarCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "radar",
		Short: "Render the briefing and unread alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			script, alerts, err := a.briefing(ctx)
			if err != nil {
				return err
			}
			md := report.AlertsReport(script, alerts, time.Now())
			return a.writeReport(ctx, cmd, "Clinical Radar", md, out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "-", "output path; the extension selects .md, .html or .pdf")
	return cmd
}

func (a *app) writeReport(ctx context.Context, cmd *cobra.Command, title, md, out string) error {
	if out == "" || out == "-" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), md)
		return err
	}
	var data []byte
	switch strings.ToLower(filepath.Ext(out)) {
	case ".html", ".htm":
		doc, err := report.HTML(title, md)
		if err != nil {
			return err
		}
		data = []byte(doc)
	case ".pdf":
		pdf, err := report.NewPDFRenderer(a.cfg.Report.ChromePath).Render(ctx, title, md)
		if err != nil {
			return err
		}
		data = pdf
	default:
		data = []byte(md)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	a.log.Info().Str("path", out).Int("bytes", len(data)).Msg("report_written")
	return nil
}
