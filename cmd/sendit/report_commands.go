package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/service"
	"github.com/spf13/cobra"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * bytesPerMB
)

type batchReporter interface {
	ErrorBatches(ctx context.Context, uids []string) ([]domain.Batch, error)
	Timings(ctx context.Context) ([]service.Timing, error)
	ClearErrors(ctx context.Context, uids []string) (int, error)
}

func newBatchLogsCommand(ctx *commandContext) *cobra.Command {
	var clearErrors bool

	cmd := &cobra.Command{
		Use:   "batch-logs [uid...]",
		Short: "List batches with errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			if err := writeBatchLogs(cmd.Context(), cmd.OutOrStdout(), orchestrator, args); err != nil {
				return err
			}
			if !clearErrors {
				return nil
			}
			return clearBatchLogs(cmd.Context(), cmd.OutOrStdout(), orchestrator, args)
		},
	}

	cmd.Flags().BoolVar(&clearErrors, "clear", false, "Clear the listed errors after printing them")
	return cmd
}

func newShowTimesCommand(ctx *commandContext) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "show-times",
		Short: "Show size and processing time of finished batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must not be negative")
			}

			rt, err := ctx.openRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()

			orchestrator, err := rt.orchestrator()
			if err != nil {
				return err
			}
			if days > 0 {
				return writeDailyVolume(cmd.Context(), cmd.OutOrStdout(), orchestrator, time.Now(), days)
			}
			return writeTimings(cmd.Context(), cmd.OutOrStdout(), orchestrator)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Print the average GB/day sent over this many days instead of the table")
	return cmd
}

// writeBatchLogs prints one row per batch with errors, or returns
// errNothingToDo when there are none.
func writeBatchLogs(ctx context.Context, w io.Writer, reporter batchReporter, uids []string) error {
	batches, err := reporter.ErrorBatches(ctx, uids)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		fmt.Fprintln(w, "There are no batches with errors.")
		return errNothingToDo
	}

	rows := make([][]string, 0, len(batches))
	for _, batch := range batches {
		rows = append(rows, []string{
			batch.UID,
			batch.Status.String(),
			strings.Join(batch.Logs.Errors, "\n"),
			strconv.Itoa(len(batch.Logs.Warnings)),
		})
	}

	fmt.Fprintln(w, renderTable(
		[]string{"UID", "Status", "Errors", "Warnings"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	))
	fmt.Fprintf(w, "%d batches with errors\n", len(batches))
	return nil
}

func clearBatchLogs(ctx context.Context, w io.Writer, reporter batchReporter, uids []string) error {
	cleared, err := reporter.ClearErrors(ctx, uids)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Cleared errors of %d batches\n", cleared)
	return nil
}

// writeDailyVolume prints the GB of DONE batches finished within the last
// days days, averaged per day.
func writeDailyVolume(ctx context.Context, w io.Writer, reporter batchReporter, now time.Time, days int) error {
	timings, err := reporter.Timings(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%.4f\n", dailyVolumeGB(timings, now, days))
	return nil
}

func dailyVolumeGB(timings []service.Timing, now time.Time, days int) float64 {
	if days <= 0 {
		return 0
	}
	since := now.AddDate(0, 0, -days)

	var total int64
	for _, t := range timings {
		if t.FinishedAt == nil || t.FinishedAt.Before(since) {
			continue
		}
		total += t.SizeBytes
	}
	return float64(total) / bytesPerGB / float64(days)
}

// writeTimings prints the size, elapsed time and throughput of DONE batches.
func writeTimings(ctx context.Context, w io.Writer, reporter batchReporter) error {
	timings, err := reporter.Timings(ctx)
	if err != nil {
		return err
	}
	if len(timings) == 0 {
		fmt.Fprintln(w, "There are no finished batches.")
		return errNothingToDo
	}

	var totalBytes int64
	var totalSeconds float64
	rows := make([][]string, 0, len(timings)+1)
	for _, t := range timings {
		totalBytes += t.SizeBytes
		totalSeconds += t.ElapsedSeconds
		rows = append(rows, timingRow(t.UID, t.Images, t.SizeBytes, t.ElapsedSeconds))
	}

	headers := []string{"UID", "Images", "Size (MB)", "Elapsed (s)", "MB/s"}
	aligns := []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight}
	fmt.Fprintln(w, renderTable(headers, rows, aligns))
	fmt.Fprintf(w, "%d batches, %.2f MB in %.2f s\n", len(timings), float64(totalBytes)/bytesPerMB, totalSeconds)
	return nil
}

func timingRow(uid string, images int, size int64, seconds float64) []string {
	mb := float64(size) / bytesPerMB
	rate := "-"
	if seconds > 0 {
		rate = strconv.FormatFloat(mb/seconds, 'f', 2, 64)
	}
	return []string{
		uid,
		strconv.Itoa(images),
		strconv.FormatFloat(mb, 'f', 2, 64),
		strconv.FormatFloat(seconds, 'f', 2, 64),
		rate,
	}
}
