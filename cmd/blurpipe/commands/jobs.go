package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roadsight/blurpipe/internal/cli/output"
	"github.com/roadsight/blurpipe/pkg/config"
	"github.com/roadsight/blurpipe/pkg/metadata"
)

var (
	jobsStatus string
	jobsLimit  int
	jobsOffset int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List processed image jobs",
	Long: `List image jobs from the metadata database.

Shows job ID, status, detection flags, and timing for each record, newest
first. Use --status to filter by lifecycle state.

Examples:
  # List the most recent jobs
  blurpipe jobs

  # List failed jobs
  blurpipe jobs --status failed

  # Page through completed jobs
  blurpipe jobs --status completed --limit 20 --offset 40`,
	RunE: runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (submitted, processing, completed, failed, rejected)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "Maximum number of jobs to show")
	jobsCmd.Flags().IntVar(&jobsOffset, "offset", 0, "Number of jobs to skip")
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	store, err := metadata.NewGormStore(cfg.Database.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recs, total, err := store.List(ctx, metadata.ListOptions{
		Status: jobsStatus,
		Limit:  jobsLimit,
		Offset: jobsOffset,
	})
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	table := output.NewTableData("JOB ID", "STATUS", "FILENAME", "VEHICLE", "FACES", "TIME (S)", "UPLOADED")
	for _, rec := range recs {
		table.AddRow(
			rec.JobID,
			rec.Status,
			rec.OriginalFilename,
			yesNo(rec.IsVehicleDetected),
			strconv.Itoa(rec.FaceCount),
			fmt.Sprintf("%.2f", rec.ProcessingTimeSec),
			rec.UploadTimestamp.UTC().Format(time.RFC3339),
		)
	}

	if err := output.PrintTable(os.Stdout, table); err != nil {
		return err
	}
	fmt.Printf("\nShowing %d of %d jobs\n", len(recs), total)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
