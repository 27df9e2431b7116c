package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/events"
	"github.com/anonimadata/anonima-cli/internal/lifecycle"
	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/progress"
	"github.com/anonimadata/anonima-cli/internal/snapshot"
)

// anonymizeFlags are shared by the anonymize and run commands.
type anonymizeFlags struct {
	method    string
	params    []string
	quasi     []string
	sensitive []string
}

func (f *anonymizeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.method, "method", "m", models.MethodKAnonymity, "Anonymization method (see 'anonima algorithms')")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Method parameter as name=value (repeatable)")
	cmd.Flags().StringArrayVarP(&f.quasi, "quasi", "q", nil, "Quasi-identifier columns (comma-separated or repeatable)")
	cmd.Flags().StringArrayVarP(&f.sensitive, "sensitive", "s", nil, "Columns to anonymize (comma-separated or repeatable)")
}

// followJob shows progress until the controller settles. A job that ends in
// the error phase returns its classified error.
func followJob(ctrl *lifecycle.Controller, bus *events.EventBus) (lifecycle.JobState, error) {
	spinner := progress.NewSpinner(os.Stderr)
	unfollow := spinner.Follow(bus)
	spinner.Start()

	// The status watch is bounded by the command context; Wait returns once it settles
	st, err := ctrl.Wait(context.Background())
	spinner.Stop()
	unfollow()
	if err != nil {
		return st, err
	}

	switch st.Job.Phase {
	case models.PhaseError:
		if st.Err != nil {
			return st, st.Err
		}
		return st, models.NewError(models.ErrJob, "status", st.Job.ErrorDetail, nil)
	case models.PhaseCancelled:
		return st, fmt.Errorf("stopped watching job %s; resume with 'anonima watch %s'", st.Job.ID, st.Job.ID)
	}
	return st, nil
}

// uploadAndAnalyze uploads path and waits until the service has analyzed it.
func uploadAndAnalyze(ctx context.Context, ctrl *lifecycle.Controller, bus *events.EventBus, path string) (lifecycle.JobState, error) {
	f, err := os.Open(path)
	if err != nil {
		return lifecycle.JobState{}, models.NewError(models.ErrValidation, "upload", fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	name := filepath.Base(path)
	upload := lifecycle.Upload{Name: name, ContentType: lifecycle.ContentTypeFor(name), Body: f}
	if err := ctrl.SubmitUpload(ctx, upload); err != nil {
		return ctrl.State(), err
	}
	return followJob(ctrl, bus)
}

// configureAndAnonymize assigns column roles, parses parameters against the
// analyzed columns and waits for anonymization to finish.
func configureAndAnonymize(ctx context.Context, ctrl *lifecycle.Controller, bus *events.EventBus, f *anonymizeFlags) (lifecycle.JobState, error) {
	algo, ok := models.LookupAlgorithm(f.method)
	if !ok {
		return ctrl.State(), models.NewError(models.ErrValidation, "anonymize", fmt.Sprintf("unknown method %q", f.method), nil)
	}
	if err := ctrl.ConfirmColumns(buildSelections(f.quasi, f.sensitive)); err != nil {
		return ctrl.State(), err
	}
	params, err := algo.ParseParams(f.params, ctrl.State().Job.Columns)
	if err != nil {
		return ctrl.State(), err
	}
	GetLogger().Debug().Str("method", algo.ID).Str("params", renderParams(params)).Msg("Starting anonymization")

	if err := ctrl.SubmitAnonymize(ctx, algo.ID, params); err != nil {
		return ctrl.State(), err
	}
	return followJob(ctrl, bus)
}

func printAnalysis(w io.Writer, st lifecycle.JobState) {
	au := colorsFor(w)
	fmt.Fprintf(w, "%s %s analyzed as job %s\n", au.Green("✓"), st.Job.FileName, au.Bold(st.Job.ID))
	fmt.Fprintf(w, "\nColumns (%d):\n", len(st.Job.Columns))
	renderColumns(w, st.Job.Columns, st.ColumnRoles)
	fmt.Fprintln(w, "\nSample:")
	renderPreview(w, st.Job.Columns, st.Job.Preview, constants.PreviewRowLimit)
}

func printAnonymized(w io.Writer, st lifecycle.JobState) {
	au := colorsFor(w)
	fmt.Fprintf(w, "%s job %s anonymized", au.Green("✓"), au.Bold(st.Job.ID))
	if st.Method != "" {
		fmt.Fprintf(w, " with %s", st.Method)
	}
	if len(st.Params) > 0 {
		fmt.Fprintf(w, " (%s)", renderParams(st.Params))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "\nPreview:")
	renderPreview(w, st.Job.Columns, st.Job.Preview, constants.PreviewRowLimit)
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a CSV or JSON dataset and wait for its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			ctrl, bus := newController(client, cfg)
			defer bus.Close()

			st, err := uploadAndAnalyze(GetContext(), ctrl, bus, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printAnalysis(out, st)
			fmt.Fprintf(out, "\nNext: anonima anonymize --job-id %s --method %s --quasi <columns> --sensitive <columns>\n",
				st.Job.ID, models.MethodKAnonymity)
			return nil
		},
	}
}

func newAnonymizeCmd() *cobra.Command {
	var jobID string
	var flags anonymizeFlags

	cmd := &cobra.Command{
		Use:   "anonymize",
		Short: "Choose column roles and anonymize an analyzed dataset",
		Long: `Anonymize an uploaded dataset.

Columns not named by --quasi or --sensitive keep their original values.

Examples:
  anonima anonymize --job-id 42 --quasi age,zip --sensitive disease
  anonima anonymize --job-id 42 -m l-diversity -p l=3 -p sensitive_column=disease --quasi age
  anonima anonymize --job-id 42 -m differential-privacy -p epsilon=0.5 --sensitive income`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID = strings.TrimSpace(jobID)
			if jobID == "" {
				return fmt.Errorf("--job-id is required")
			}
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			ctrl, bus := newController(client, cfg)
			defer bus.Close()
			ctx := GetContext()

			// The job must be analyzed before its columns can be configured
			if err := ctrl.Watch(ctx, jobID, models.PhaseAnalyzing); err != nil {
				return err
			}
			st, err := followJob(ctrl, bus)
			if err != nil {
				return err
			}
			if st.Job.Phase == models.PhaseAnonymized {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s is already anonymized; fetch it with 'anonima download %s'.\n", jobID, jobID)
				printAnonymized(cmd.OutOrStdout(), st)
				return nil
			}

			st, err = configureAndAnonymize(ctx, ctrl, bus, &flags)
			if err != nil {
				return err
			}
			printAnonymized(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job-id", "", "Job ID returned by upload (required)")
	flags.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var flags anonymizeFlags
	var download bool
	var outputPath string

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Upload, analyze, anonymize and optionally download in one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			ctrl, bus := newController(client, cfg)
			defer bus.Close()
			ctx := GetContext()
			out := cmd.OutOrStdout()

			st, err := uploadAndAnalyze(ctx, ctrl, bus, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Analyzed %s as job %s (%d columns)\n", st.Job.FileName, st.Job.ID, len(st.Job.Columns))

			st, err = configureAndAnonymize(ctx, ctrl, bus, &flags)
			if err != nil {
				return err
			}
			printAnonymized(out, st)

			if download || outputPath != "" {
				target := outputPath
				if target == "" {
					target = filepath.Join(cfg.DownloadDir, defaultDownloadName(st.Job.ID, st.Job.FileName))
				}
				if err := downloadTo(ctx, client, st.Job.ID, target, out); err != nil {
					return err
				}
			}
			return ctrl.Save()
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVarP(&download, "download", "d", false, "Download the anonymized dataset when done")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Download path (implies --download)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	var anonymizing bool

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until its analysis or anonymization settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			ctrl, bus := newController(client, cfg)
			defer bus.Close()

			phase := models.PhaseAnalyzing
			if anonymizing {
				phase = models.PhaseAnonymizing
			}
			if err := ctrl.Watch(GetContext(), args[0], phase); err != nil {
				return err
			}
			st, err := followJob(ctrl, bus)
			if err != nil {
				return err
			}
			if st.Job.Phase == models.PhaseAnonymized {
				printAnonymized(cmd.OutOrStdout(), st)
			} else {
				printAnalysis(cmd.OutOrStdout(), st)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&anonymizing, "anonymizing", false, "Wait for anonymization instead of analysis")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := getAPIClient()
			if err != nil {
				return err
			}
			payload, err := client.FetchStatus(GetContext(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				_, err := out.Write(append(payload, '\n'))
				return err
			}

			snap, err := snapshot.Parse(payload)
			if err != nil {
				return err
			}
			printSnapshot(out, args[0], snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the status payload as returned by the service")
	return cmd
}

func printSnapshot(w io.Writer, jobID string, snap models.StatusSnapshot) {
	au := colorsFor(w)
	phase := string(snap.Phase)
	if !snap.Recognized() {
		phase = fmt.Sprintf("unknown (%q)", snap.RawPhase)
	}
	fmt.Fprintf(w, "Job:     %s\n", jobID)
	fmt.Fprintf(w, "Status:  %s\n", statusText(au, phase))
	if snap.Progress != "" {
		fmt.Fprintf(w, "Message: %s\n", snap.Progress)
	}
	if snap.ErrorDetail != "" {
		fmt.Fprintf(w, "Error:   %s\n", au.Red(snap.ErrorDetail))
	}
	if len(snap.Columns) > 0 {
		fmt.Fprintf(w, "Columns: %s\n", strings.Join(snap.Columns, ", "))
	}
	if len(snap.SampleRows) > 0 {
		fmt.Fprintln(w)
		renderPreview(w, snap.Columns, snap.SampleRows, constants.PreviewRowLimit)
	}
}

func newAlgorithmsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "algorithms",
		Aliases: []string{"methods"},
		Short:   "List anonymization methods and their parameters",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			renderAlgorithms(cmd.OutOrStdout())
		},
	}
}
