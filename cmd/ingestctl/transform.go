package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newTransformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Run and inspect transformation batches",
	}

	var (
		req        core.TransformRequest
		noRules    bool
		fullReload bool
	)
	runCmd := &cobra.Command{
		Use:   "run <target-entity>",
		Short: "Transform pending raw records into a target entity",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			req.TargetEntity = args[0]
			if noRules {
				f := false
				req.ApplyRules = &f
			}
			if fullReload {
				f := false
				req.Incremental = &f
			}
			spinner, _ := pterm.DefaultSpinner.Start("transforming into " + strings.ToUpper(req.TargetEntity))
			res, err := c.RunTransform(ctx, req)
			spinner.Stop()
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	runCmd.Flags().StringVar(&req.SourceEntity, "source", "", "source entity (default: RAW)")
	runCmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "raw records per batch (default: server setting)")
	runCmd.Flags().BoolVar(&req.AllPending, "all", false, "repeat batches until the backlog is empty")
	runCmd.Flags().BoolVar(&noRules, "no-rules", false, "map fields without applying rules")
	runCmd.Flags().BoolVar(&fullReload, "full", false, "ignore the watermark and read from the start")

	watermarksCmd := &cobra.Command{
		Use:   "watermarks",
		Short: "Show watermarks and their last batch",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			wms, err := c.Watermarks(ctx)
			if err != nil {
				return err
			}
			return list(wms, []string{"Source", "Target", "Position", "Processed", "Last Batch", "Status"},
				func(w core.WatermarkStatus) []string {
					status := "-"
					if w.LastBatch != nil {
						status = string(w.LastBatch.Status)
					}
					return []string{w.SourceEntity, w.TargetEntity, fmt.Sprint(w.LastPosition),
						fmt.Sprint(w.RecordsProcessedTotal), orDash(w.LastBatchID), status}
				})
		}),
	}

	var (
		target string
		limit  int
	)
	batchesCmd := &cobra.Command{
		Use:   "batches",
		Short: "List batches, newest first",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			bs, err := c.Batches(ctx, target, limit)
			if err != nil {
				return err
			}
			return list(bs, []string{"ID", "Target", "Status", "Read", "Inserted", "Updated", "Rejected", "Quarantined", "Duration"},
				func(b model.Batch) []string {
					return []string{b.ID, b.TargetEntity, string(b.Status), itoa(b.RecordsRead), itoa(b.RecordsInserted),
						itoa(b.RecordsUpdated), itoa(b.RecordsRejected), itoa(b.RecordsQuarantine), fmt.Sprintf("%dms", b.DurationMs)}
				})
		}),
	}
	batchesCmd.Flags().StringVar(&target, "target", "", "only batches of this target entity")
	batchesCmd.Flags().IntVar(&limit, "limit", 20, "maximum batches")

	batchCmd := &cobra.Command{
		Use:   "batch <id>",
		Short: "Show one batch with its quality metrics",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			b, err := c.Batch(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(b)
		}),
	}

	var qLimit int
	quarantineCmd := &cobra.Command{
		Use:   "quarantine <target-entity>",
		Short: "List quarantined rows",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			recs, err := c.Quarantine(ctx, args[0], qLimit)
			if err != nil {
				return err
			}
			return list(recs, []string{"ID", "Batch", "File", "Position", "Rules", "Detail"},
				func(q model.QuarantineRecord) []string {
					return []string{q.ID, q.BatchID, orDash(q.SourceFile), fmt.Sprint(q.SourcePosition),
						strings.Join(q.FailedRuleIDs, ","), q.ErrorDetail}
				})
		}),
	}
	quarantineCmd.Flags().IntVar(&qLimit, "limit", 100, "maximum rows")

	var ruleTarget string
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "List transformation rules",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			rules, err := c.Rules(ctx, ruleTarget)
			if err != nil {
				return err
			}
			return list(rules, []string{"ID", "Category", "Target", "Priority", "Action", "Active", "Logic"},
				func(r model.TransformationRule) []string {
					target := r.TargetEntity
					if r.TargetField != "" {
						target += "." + r.TargetField
					}
					return []string{r.ID, string(r.Category), target, itoa(r.Priority), string(r.ErrorAction),
						fmt.Sprintf("%t", r.Active), orDash(r.Logic)}
				})
		}),
	}
	rulesCmd.Flags().StringVar(&ruleTarget, "target", "", "only rules of this target entity")

	cmd.AddCommand(runCmd, watermarksCmd, batchesCmd, batchCmd, quarantineCmd, rulesCmd,
		ruleToggleCmd("enable-rule", true), ruleToggleCmd("disable-rule", false))
	return cmd
}

func ruleToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: fmt.Sprintf("Set a rule active=%t", active),
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			if err := c.SetRuleActive(ctx, args[0], active); err != nil {
				return err
			}
			pterm.Success.Printf("rule %s active=%t\n", args[0], active)
			return nil
		}),
	}
}
