package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/matching"
	"github.com/joelkehle/trialsense/internal/registry"
)

func extractCmd(a *app) *cobra.Command {
	var in profileInput
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract a structured patient profile from a note or document image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ext, err := a.extractor()
			if err != nil {
				return err
			}
			p, err := in.resolve(cmd.Context(), ext)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	in.bind(cmd)
	return cmd
}

type matchOutput struct {
	Patient   clinical.PatientProfile `json:"patient"`
	Matches   []clinical.TrialMatch   `json:"matches"`
	PatientID string                  `json:"patient_id,omitempty"`
}

func matchCmd(a *app) *cobra.Command {
	var (
		in         profileInput
		maxResults int
		saveName   string
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank recruiting trials for a patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ext, err := a.extractor()
			if err != nil {
				return err
			}
			profile, err := in.resolve(ctx, ext)
			if err != nil {
				return err
			}
			p, err := a.pipeline(ctx)
			if err != nil {
				return err
			}
			if maxResults <= 0 {
				maxResults = a.cfg.Matching.MaxResults
			}
			matches := p.MatchWithProgress(ctx, profile, maxResults, func(stage, message string) {
				a.log.Info().Str("stage", stage).Msg(message)
			})
			out := matchOutput{Patient: profile, Matches: matches}
			if saveName != "" {
				svc, err := a.patientService(ctx, false)
				if err != nil {
					return err
				}
				id, err := svc.Save(ctx, saveName, profile, matches)
				if err != nil {
					return err
				}
				out.PatientID = id
			}
			return printJSON(cmd, out)
		},
	}
	in.bind(cmd)
	cmd.Flags().IntVar(&maxResults, "max", 0, "maximum matches to return (default matching.max_results)")
	cmd.Flags().StringVar(&saveName, "save-as", "", fmt.Sprintf("save the patient under this name with the top %d matches", matching.SaveLimit))
	return cmd
}

func evaluateCmd(a *app) *cobra.Command {
	var (
		in     profileInput
		nctIDs []string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a patient against specific trials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if len(nctIDs) == 0 {
				return clinical.InvalidInput("at least one --nct id is required")
			}
			ext, err := a.extractor()
			if err != nil {
				return err
			}
			profile, err := in.resolve(ctx, ext)
			if err != nil {
				return err
			}
			ev, err := a.evaluator()
			if err != nil {
				return err
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			trials := make([]clinical.TrialRecord, 0, len(nctIDs))
			for _, id := range nctIDs {
				tr, err := registry.Lookup(ctx, id, a.trialCache(ctx), st, a.registryClient(), a.metrics)
				if err != nil {
					return err
				}
				trials = append(trials, tr)
			}
			var origin *clinical.Coordinate
			if profile.Location != nil {
				origin = profile.Location.Coordinate()
			}
			matches := matching.RankMatches(trials, ev.EvaluateAll(ctx, profile, trials), origin, len(trials))
			return printJSON(cmd, matches)
		},
	}
	in.bind(cmd)
	cmd.Flags().StringSliceVar(&nctIDs, "nct", nil, "NCT id to evaluate (repeatable)")
	return cmd
}

type listenOutput struct {
	ShouldTrigger bool                    `json:"should_trigger"`
	Confidence    string                  `json:"confidence"`
	TriggerReason string                  `json:"trigger_reason,omitempty"`
	Patient       clinical.PatientProfile `json:"accumulated_patient_info"`
	Matches       []clinical.TrialMatch   `json:"matches,omitempty"`
}

func listenCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Analyze a consultation transcript and surface trials when it calls for them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			ext, err := a.extractor()
			if err != nil {
				return err
			}
			analysis := ext.AnalyzeTranscript(ctx, strings.TrimSpace(string(b)), nil)
			out := listenOutput{
				ShouldTrigger: analysis.ShouldTrigger,
				Confidence:    analysis.Confidence,
				TriggerReason: analysis.TriggerReason,
				Patient:       analysis.Profile,
			}
			if analysis.Ready() {
				p, err := a.pipeline(ctx)
				if err != nil {
					return err
				}
				out.Matches = p.MatchPatientToTrials(ctx, analysis.Profile, matching.AlertMatchLimit)
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "transcript file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
