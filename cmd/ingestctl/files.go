package main

import (
	"context"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect and drive the file ingestion pipeline",
	}

	var q client.FileQuery
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List file records",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			files, err := c.ListFiles(ctx, q)
			if err != nil {
				return err
			}
			return list(files, []string{"File", "Tenant", "Status", "Rows", "Retries", "Discovered", "Moved", "Error"},
				func(f model.FileRecord) []string {
					rows := "-"
					if f.ProcessResult != nil {
						rows = itoa(f.ProcessResult.RowsInserted)
					}
					return []string{f.FileName, orDash(f.Tenant), string(f.Status), rows, itoa(f.RetryCount),
						formatTime(&f.DiscoveredAt), formatTime(f.MovedAt), orDash(f.ErrorMessage)}
				})
		}),
	}
	listCmd.Flags().StringSliceVar(&q.Status, "status", nil, "filter by status (PENDING, PROCESSING, SUCCESS, FAILED)")
	listCmd.Flags().StringVar(&q.Tenant, "tenant", "", "filter by tenant")
	listCmd.Flags().IntVar(&q.Limit, "limit", 100, "maximum records")
	listCmd.Flags().IntVar(&q.Offset, "offset", 0, "records to skip")

	showCmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Show one file record",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			f, err := c.File(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(f)
		}),
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Count file records per status",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			st, err := c.FileStats(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(st)
			}
			return printTable([]string{"Total", "Pending", "Processing", "Success", "Failed", "Unmoved"},
				[][]string{{itoa(st.Total), itoa(st.Pending), itoa(st.Processing), itoa(st.Success), itoa(st.Failed), itoa(st.Unmoved)}})
		}),
	}

	var drain bool
	processCmd := &cobra.Command{
		Use:   "process",
		Short: "Parse PENDING files into raw records",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			spinner, _ := pterm.DefaultSpinner.Start("processing pending files")
			res, err := c.Process(ctx, drain)
			spinner.Stop()
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	processCmd.Flags().BoolVar(&drain, "drain", true, "keep claiming until nothing is PENDING")

	var olderThan string
	archiveCmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive completed and error files past retention",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			res, err := c.Archive(ctx, olderThan)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	archiveCmd.Flags().StringVar(&olderThan, "older-than", "", `age threshold such as "30d" or "72h" (default: server retention)`)

	reprocessCmd := &cobra.Command{
		Use:   "reprocess <file>",
		Short: "Queue a file for another parse",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			f, err := c.Reprocess(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(f)
			}
			pterm.Success.Printf("%s queued for reprocessing (retry %d)\n", f.FileName, f.RetryCount)
			return nil
		}),
	}

	cmd.AddCommand(listCmd, showCmd, statsCmd, processCmd, archiveCmd, reprocessCmd,
		resultCmd("discover", "Register new files found in landing", (*client.Client).Discover),
		resultCmd("move", "Move processed files to completed and error", (*client.Client).Move),
		resultCmd("reset-stuck", "Return abandoned PROCESSING files to PENDING", (*client.Client).ResetStuck),
	)
	return cmd
}

// resultCmd is a no-argument control that prints a core.Result summary.
func resultCmd(use, short string, fn func(*client.Client, context.Context) (core.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			res, err := fn(c, ctx)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
}
