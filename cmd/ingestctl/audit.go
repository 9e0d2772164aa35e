package main

import (
	"context"
	"io"
	"os"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the operator audit log",
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the newest audit entries",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			entries, err := c.AuditLog(ctx, limit)
			if err != nil {
				return err
			}
			return list(entries, []string{"Time", "Action", "Severity", "Target", "Count", "Summary", "Error", "IP"},
				func(e model.AuditEntry) []string {
					return []string{formatTime(&e.CreatedAt), string(e.Action), string(e.Severity), orDash(e.Target),
						itoa(e.Count), e.Summary, orDash(e.Error), orDash(e.IPAddress)}
				})
		}),
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")

	var file string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Download the audit log as CSV",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			var w io.Writer = os.Stdout
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := c.ExportAuditLog(ctx, w); err != nil {
				return err
			}
			if file != "" {
				pterm.Success.Println("audit log written to", file)
			}
			return nil
		}),
	}
	exportCmd.Flags().StringVarP(&file, "file", "f", "", "output file (default: stdout)")

	cmd.AddCommand(listCmd, exportCmd)
	return cmd
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the declarative catalog",
	}
	applyCmd := &cobra.Command{
		Use:   "apply <catalog.yaml>",
		Short: "Apply tenants, schemas, rules and mappings from a YAML catalog",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := c.ApplyCatalog(ctx, f)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	cmd.AddCommand(applyCmd)
	return cmd
}
