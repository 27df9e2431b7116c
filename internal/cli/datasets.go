package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/anonimadata/anonima-cli/internal/api"
	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/diskspace"
	"github.com/anonimadata/anonima-cli/internal/progress"
	"github.com/anonimadata/anonima-cli/internal/reconcile"
)

func newListCmd() *cobra.Command {
	var limit int
	var previewID string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "datasets"},
		Short:   "List uploaded datasets, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := getAPIClient()
			if err != nil {
				return err
			}
			listing, err := client.FetchListing(GetContext())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			records := reconcile.Reconcile(listing.Entries)
			if previewID != "" {
				for _, r := range records {
					if r.ID == previewID {
						renderPreview(out, nil, r.AnonymizedPreview, constants.PreviewRowLimit)
						return nil
					}
				}
				return fmt.Errorf("job %s is not in the dataset list", previewID)
			}

			renderStats(out, reconcile.Summarize(*listing))
			fmt.Fprintln(out)
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}
			renderDatasets(out, records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Show at most this many datasets (0 = all)")
	cmd.Flags().StringVar(&previewID, "preview", "", "Show the anonymized preview of one job instead of the list")
	return cmd
}

// defaultDownloadName names a download after the uploaded file when known.
func defaultDownloadName(jobID, fileName string) string {
	if fileName = filepath.Base(strings.TrimSpace(fileName)); fileName != "" && fileName != "." && fileName != string(filepath.Separator) {
		return constants.DefaultDownloadPrefix + fileName
	}
	return constants.DefaultDownloadPrefix + jobID
}

// lookupFileName finds the uploaded file name of a job in the listing.
// Failures only cost the nicer default name.
func lookupFileName(ctx context.Context, client *api.Client, jobID string) string {
	listing, err := client.FetchListing(ctx)
	if err != nil {
		GetLogger().Debug().Err(err).Str("job_id", jobID).Msg("Could not look up file name")
		return ""
	}
	for _, e := range listing.Entries {
		if e.JobID == jobID {
			return e.FileName
		}
	}
	return ""
}

// downloadTo streams the anonymized dataset into target. A partial file is
// removed on failure.
func downloadTo(ctx context.Context, client *api.Client, jobID, target string, out io.Writer) error {
	body, size, err := client.OpenDownload(ctx, jobID)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := diskspace.CheckAvailableSpace(target, size, diskspace.DownloadSafetyMargin); err != nil {
		return err
	}

	f, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	reporter := progress.ForWriter(os.Stderr)
	reporter.Start(size, "Downloading "+filepath.Base(target))
	pw := progress.NewProgressWriter(f, reporter)

	_, copyErr := io.Copy(pw, body)
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		reporter.Error(copyErr)
		os.Remove(target)
		return fmt.Errorf("download of job %s failed: %w", jobID, copyErr)
	}
	reporter.Finish()

	fmt.Fprintf(out, "Saved %s (%s)\n", target, humanize.Bytes(uint64(pw.Written())))
	return nil
}

func newDownloadCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "download <job-id>",
		Short: "Download an anonymized dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, cfg, err := getAPIClient()
			if err != nil {
				return err
			}
			ctx := GetContext()
			jobID := args[0]

			target := outputPath
			if target == "" {
				target = filepath.Join(cfg.DownloadDir, defaultDownloadName(jobID, lookupFileName(ctx, client, jobID)))
			}
			return downloadTo(ctx, client, jobID, target, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default anonymized_<uploaded name>)")
	return cmd
}

func newExportCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export <job-id>",
		Short: "Export the anonymization report of a job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := getAPIClient()
			if err != nil {
				return err
			}
			ctx := GetContext()
			jobID := args[0]

			if outputPath == "" || outputPath == "-" {
				_, err := client.ExportJSON(ctx, jobID, cmd.OutOrStdout())
				return err
			}

			f, err := os.Create(outputPath)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", outputPath, err)
			}
			n, err := client.ExportJSON(ctx, jobID, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(outputPath)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s (%s)\n", outputPath, humanize.Bytes(uint64(n)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:     "delete <job-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a dataset and its anonymized output",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			if !yes && !confirm(fmt.Sprintf("Delete job %s?", jobID)) {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}

			client, _, err := getAPIClient()
			if err != nil {
				return err
			}
			if err := client.Remove(GetContext(), jobID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", jobID)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
