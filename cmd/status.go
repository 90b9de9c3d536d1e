package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/spf13/viper"
)

func runStatus(ctx context.Context, id string) error {
	initLogger(viper.GetBool("debug"), viper.GetString("log_format"))

	client := newAPIClient(viper.GetString("client.server"))
	if viper.GetBool("client.wait") {
		return waitForJob(ctx, client, id)
	}

	job, err := client.Status(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(formatJob(job))
	return nil
}

// formatJob renders a job for the terminal
func formatJob(job supervisor.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render("Import "+job.ID))
	fmt.Fprintf(&b, "  Source:   %s → %s\n", job.Spec.Source, job.Spec.Table)

	status := string(job.Status)
	if job.Cancelled {
		status += " (cancelled)"
	}
	fmt.Fprintf(&b, "  Status:   %s\n", infoStyle.Render(status))
	fmt.Fprintf(&b, "  Attempts: %d/%d\n", job.Attempts, job.MaxAttempts)
	fmt.Fprintf(&b, "  Progress: %s\n", describeProgress(job))
	if job.Inserted > 0 {
		fmt.Fprintf(&b, "  Inserted: %d\n", job.Inserted)
	}
	if job.StartedAt != nil {
		end := time.Now()
		if job.FinishedAt != nil {
			end = *job.FinishedAt
		}
		fmt.Fprintf(&b, "  Elapsed:  %s\n", end.Sub(*job.StartedAt).Round(time.Second))
	}
	if job.LastError != "" {
		fmt.Fprintf(&b, "  Error:    %s\n", job.LastError)
	}
	if job.FailedRows != nil {
		fmt.Fprintf(&b, "  Rows:     %d-%d\n", job.FailedRows.First, job.FailedRows.Last)
	}
	return strings.TrimRight(b.String(), "\n")
}
