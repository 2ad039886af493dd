package main

import (
	"github.com/spf13/cobra"

	"github.com/joelkehle/trialsense/internal/clinical"
	"github.com/joelkehle/trialsense/internal/ingest"
	"github.com/joelkehle/trialsense/internal/patients"
)

func ingestCmd(a *app) *cobra.Command {
	var (
		seed      bool
		maxTrials int
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load recruiting phase 2/3 oncology trials into the local catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			if maxTrials <= 0 {
				maxTrials = a.cfg.Registry.MaxTrials
			}
			icfg := ingest.Config{
				MaxTrials:   maxTrials,
				SeedOnEmpty: true,
				Logger:      a.log.With().Str("component", "ingest").Logger(),
			}
			if g := a.geocode(); g != nil {
				icfg.Geocoder = g
			}
			ing := ingest.New(a.registryClient(), st, icfg)
			var summary ingest.Summary
			if seed {
				summary, err = ing.Seed(ctx)
			} else {
				summary, err = ing.Run(ctx)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "load only the built-in sample trials")
	cmd.Flags().IntVar(&maxTrials, "max", 0, "maximum trials to fetch (default registry.max_trials)")
	return cmd
}

func patientsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Manage saved patients and their selected trials",
	}
	cmd.AddCommand(
		patientsSaveCmd(a),
		patientsListCmd(a),
		patientsShowCmd(a),
		patientsUpdateTrialsCmd(a),
		patientsUpdateProfileCmd(a),
		patientsDeleteCmd(a),
	)
	return cmd
}

func patientsSaveCmd(a *app) *cobra.Command {
	var (
		name        string
		profilePath string
		matchesPath string
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a patient profile with up to three selected trials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			in := profileInput{profileJSON: profilePath}
			profile, err := in.resolve(ctx, nil)
			if err != nil {
				return err
			}
			selected, err := readMatches(matchesPath)
			if err != nil {
				return err
			}
			svc, err := a.patientService(ctx, false)
			if err != nil {
				return err
			}
			id, err := svc.Save(ctx, name, profile, selected)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"success": true, "patient_id": id})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "patient name")
	cmd.Flags().StringVar(&profilePath, "profile", "", "patient profile JSON file")
	cmd.Flags().StringVar(&matchesPath, "matches", "", "JSON file with the selected trial matches")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("profile")
	return cmd
}

func patientsListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved patients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.patientService(cmd.Context(), false)
			if err != nil {
				return err
			}
			list, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, list)
		},
	}
}

func patientsShowCmd(a *app) *cobra.Command {
	var rematch bool
	cmd := &cobra.Command{
		Use:   "show PATIENT_ID",
		Short: "Show a patient chart with saved or freshly matched trials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.patientService(cmd.Context(), rematch)
			if err != nil {
				return err
			}
			chart, err := svc.Chart(cmd.Context(), args[0], !rematch)
			if err != nil {
				return err
			}
			return printJSON(cmd, chart)
		},
	}
	cmd.Flags().BoolVar(&rematch, "match", false, "run a fresh match instead of returning saved trials")
	return cmd
}

func patientsUpdateTrialsCmd(a *app) *cobra.Command {
	var matchesPath string
	cmd := &cobra.Command{
		Use:   "update-trials PATIENT_ID",
		Short: "Replace a patient's selected trials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selected, err := readMatches(matchesPath)
			if err != nil {
				return err
			}
			svc, err := a.patientService(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := svc.UpdateTrials(cmd.Context(), args[0], selected); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"success": true, "patient_id": args[0]})
		},
	}
	cmd.Flags().StringVar(&matchesPath, "matches", "", "JSON file with the selected trial matches")
	_ = cmd.MarkFlagRequired("matches")
	return cmd
}

func patientsUpdateProfileCmd(a *app) *cobra.Command {
	var (
		name, sex, condition, stage, line string
		age, ecog                         int
		prior, current                    []string
		biomarkers                        map[string]string
	)
	cmd := &cobra.Command{
		Use:   "update-profile PATIENT_ID",
		Short: "Change selected fields of a saved patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var u patients.ProfileUpdate
			if f.Changed("name") {
				u.Name = &name
			}
			if f.Changed("sex") {
				u.Sex = &sex
			}
			if f.Changed("condition") {
				u.Condition = &condition
			}
			if f.Changed("stage") {
				u.Stage = &stage
			}
			if f.Changed("line-of-therapy") {
				u.LineOfTherapy = &line
			}
			if f.Changed("age") {
				u.Age = &age
			}
			if f.Changed("ecog") {
				u.ECOG = clinical.ECOG(ecog)
			}
			if f.Changed("prior-treatments") {
				u.PriorTreatments = prior
			}
			if f.Changed("current-treatments") {
				u.CurrentTreatments = current
			}
			if f.Changed("biomarker") {
				u.Biomarkers = biomarkers
			}
			svc, err := a.patientService(cmd.Context(), false)
			if err != nil {
				return err
			}
			p, err := svc.UpdateProfile(cmd.Context(), args[0], u)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "patient name")
	f.StringVar(&sex, "sex", "", "patient sex")
	f.StringVar(&condition, "condition", "", "primary diagnosis")
	f.StringVar(&stage, "stage", "", "disease stage")
	f.StringVar(&line, "line-of-therapy", "", "line of therapy, for example 2L")
	f.IntVar(&age, "age", 0, "age in years")
	f.IntVar(&ecog, "ecog", 0, "ECOG performance status 0-5")
	f.StringSliceVar(&prior, "prior-treatments", nil, "prior treatments, replacing the stored list")
	f.StringSliceVar(&current, "current-treatments", nil, "current treatments, replacing the stored list")
	f.StringToStringVar(&biomarkers, "biomarker", nil, "biomarker results as NAME=VALUE, replacing the stored map")
	return cmd
}

func patientsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete PATIENT_ID",
		Short: "Delete a patient and its saved trial links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.patientService(cmd.Context(), false)
			if err != nil {
				return err
			}
			if err := svc.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"success": true, "patient_id": args[0]})
		},
	}
}
