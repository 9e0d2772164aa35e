package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/JonMunkholm/ingestflow/internal/mapping"
	"github.com/JonMunkholm/ingestflow/internal/model"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newMappingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "mappings",
		Aliases: []string{"mapping"},
		Short:   "Suggest, import and approve field mappings",
	}

	var pending bool
	listCmd := &cobra.Command{
		Use:   "list <target-entity>",
		Short: "List mappings of a target entity",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			var approved *bool
			if pending {
				f := false
				approved = &f
			}
			ms, err := c.ListMappings(ctx, args[0], approved)
			if err != nil {
				return err
			}
			return list(ms, []string{"ID", "Source", "Target", "Strategy", "Confidence", "Approved", "Expression"},
				func(m model.FieldMapping) []string {
					return []string{m.ID, m.SourceField, m.TargetEntity + "." + m.TargetField, string(m.Strategy),
						fmt.Sprintf("%.2f", m.Confidence), fmt.Sprintf("%t", m.Approved), orDash(m.TransformExpression)}
				})
		}),
	}
	listCmd.Flags().BoolVar(&pending, "pending", false, "only unapproved candidates")

	var (
		strategy string
		minConf  float64
		req      mapping.SuggestRequest
	)
	suggestCmd := &cobra.Command{
		Use:   "suggest <target-entity>",
		Short: "Suggest candidate mappings by pattern or semantic matching",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			req.TargetEntity = args[0]
			if minConf >= 0 {
				req.MinConfidence = &minConf
			}
			res, err := c.SuggestMappings(ctx, model.Strategy(strings.ToUpper(strategy)), req)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(res)
			}
			pterm.Success.Println(res.Summary())
			return printTable([]string{"Source", "Target", "Confidence", "Reasoning"}, candidateRows(res.Candidates))
		}),
	}
	suggestCmd.Flags().StringVar(&strategy, "strategy", "PATTERN", "PATTERN or SEMANTIC")
	suggestCmd.Flags().StringSliceVar(&req.SourceFields, "field", nil, "source fields (default: fields seen in raw records)")
	suggestCmd.Flags().StringVar(&req.FileName, "file", "", "only fields of this file")
	suggestCmd.Flags().StringVar(&req.Tenant, "tenant", "", "only fields of this tenant")
	suggestCmd.Flags().StringVar(&req.Scope, "scope", "", "tenant scope of stored candidates")
	suggestCmd.Flags().IntVar(&req.TopN, "top", 0, "candidates per source field")
	suggestCmd.Flags().Float64Var(&minConf, "min-confidence", -1, "drop weaker candidates, 0 keeps all (default: server setting)")
	suggestCmd.Flags().StringVar(&req.TemplateID, "template", "", "prompt template for semantic matching")
	suggestCmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "show candidates without storing them")

	var entity, scope string
	importCmd := &cobra.Command{
		Use:   "import <mapping.csv>",
		Short: "Import a manual mapping table",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := c.ImportMappings(ctx, f, entity, scope)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	importCmd.Flags().StringVar(&entity, "entity", "", "target entity for rows that omit it")
	importCmd.Flags().StringVar(&scope, "scope", "", "tenant scope")

	var minConfidence float64
	approveCmd := &cobra.Command{
		Use:   "approve <target-entity>",
		Short: "Approve candidates at or above a confidence",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			res, err := c.ApproveMappings(ctx, args[0], minConfidence)
			if err != nil {
				return err
			}
			return printResult(res)
		}),
	}
	approveCmd.Flags().Float64Var(&minConfidence, "min-confidence", 0.8, "approval threshold (0-1)")

	approveOneCmd := &cobra.Command{
		Use:   "approve-one <mapping-id>",
		Short: "Approve a single mapping",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			m, err := c.ApproveMapping(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(m)
			}
			pterm.Success.Printf("%s -> %s.%s approved\n", m.SourceField, m.TargetEntity, m.TargetField)
			return nil
		}),
	}

	cmd.AddCommand(listCmd, suggestCmd, importCmd, approveCmd, approveOneCmd)
	return cmd
}

func candidateRows(ms []model.FieldMapping) [][]string {
	rows := make([][]string, 0, len(ms))
	for _, m := range ms {
		rows = append(rows, []string{m.SourceField, m.TargetEntity + "." + m.TargetField,
			fmt.Sprintf("%.2f", m.Confidence), orDash(m.Reasoning)})
	}
	return rows
}
