package main

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/ingestflow/internal/client"
	"github.com/JonMunkholm/ingestflow/internal/core"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control scheduled jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs and slot usage",
		Args:  cobra.NoArgs,
		RunE: run(func(ctx context.Context, c *client.Client, _ []string) error {
			jl, err := c.Jobs(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(jl)
			}
			pterm.Info.Printf("job slots: %d/%d in use\n", jl.Limiter.Active, jl.Limiter.MaxConcurrent)
			rows := make([][]string, 0, len(jl.Jobs))
			for _, j := range jl.Jobs {
				rows = append(rows, jobRow(j))
			}
			return printTable([]string{"Job", "Schedule", "State", "Runs", "Next", "Last", "Took", "Last Result"}, rows)
		}),
	}

	cmd.AddCommand(listCmd,
		jobActionCmd("run", "Run a job now and wait for it", (*client.Client).RunJob),
		jobActionCmd("suspend", "Stop scheduled ticks of a job", (*client.Client).SuspendJob),
		jobActionCmd("resume", "Re-enable scheduled ticks of a job", (*client.Client).ResumeJob),
	)
	return cmd
}

func jobActionCmd(use, short string, fn func(*client.Client, context.Context, string) (core.JobStatus, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, c *client.Client, args []string) error {
			st, err := fn(c, ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(st)
			}
			if st.LastError != "" && use == "run" {
				pterm.Warning.Printf("%s failed: %s\n", st.Name, st.LastError)
				return nil
			}
			return printTable([]string{"Job", "Schedule", "State", "Runs", "Next", "Last", "Took", "Last Result"},
				[][]string{jobRow(st)})
		}),
	}
}

func jobRow(j core.JobStatus) []string {
	state := "scheduled"
	switch {
	case j.Running:
		state = "running"
	case j.Suspended:
		state = "suspended"
	case j.Schedule == "":
		state = "manual"
	}
	last := orDash(j.LastSummary)
	if j.LastError != "" {
		last = "error: " + j.LastError
	}
	return []string{j.Name, orDash(j.Schedule), state, itoa(j.Runs), formatTime(j.NextRun), formatTime(j.LastRun),
		fmt.Sprintf("%dms", j.LastDurationMs), last}
}
