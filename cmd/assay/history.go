// ABOUTME: The runs and report subcommands: read run history without needing an LLM key.
// ABOUTME: runs prints a table of recent runs; report renders one run as Markdown or HTML.
package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389-research/assay/report"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workspace"
)

func (c *cli) runsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}
			return writeRunTable(c.stdout, runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}

func writeRunTable(w io.Writer, runs []store.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tDURATION\tQUESTION")
	for _, r := range runs {
		status := string(r.Status)
		if r.Kind != "" {
			status += " (" + r.Kind + ")"
		}
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), status, duration, oneLine(r.Question, 60))
	}
	return tw.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}

func (c *cli) reportCmd() *cobra.Command {
	var html bool
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Render a run's question, timeline, outcome and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			in, err := loadReport(st, c.cfg.Server.UploadsDir, args[0])
			if err != nil {
				return err
			}
			if !html {
				_, err = io.WriteString(c.stdout, report.Markdown(in))
				return err
			}
			page, err := report.HTML(in)
			if err != nil {
				return err
			}
			_, err = c.stdout.Write(page)
			return err
		},
	}
	cmd.Flags().BoolVar(&html, "html", false, "render HTML instead of Markdown")
	return cmd
}

func loadReport(st *store.SqliteStore, uploadsDir, runID string) (report.Input, error) {
	run, err := st.GetRun(runID)
	if err != nil {
		return report.Input{}, fmt.Errorf("run %s: %w", runID, err)
	}
	events, err := st.Events(runID)
	if err != nil {
		return report.Input{}, err
	}
	in := report.Input{Run: *run, Events: events}

	if m, err := workspace.NewManager(uploadsDir); err == nil {
		if folder, err := m.Open(runID); err == nil {
			in.Files, _ = folder.Inventory()
		}
	}
	return in, nil
}
