package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/database"
)

func openDB() (*database.DB, error) {
	if _, err := os.Stat(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("no event store in %s: %v", cfg.DataDir, err)
	}
	return database.NewDB(cfg.DataDir)
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect recorded events",
	}
	cmd.AddCommand(newEventsListCmd(), newEventsShowCmd(), newMatchesCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	var (
		filter database.EventFilter
		since  time.Duration
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := db.ListEvents(filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			renderEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().StringVar(&filter.Function, "function", "", "only this xpc function")
	cmd.Flags().StringVar(&filter.Direction, "direction", "", "only send or recv")
	cmd.Flags().StringVar(&filter.Connection, "connection", "", "connection name contains")
	cmd.Flags().IntVar(&filter.PID, "pid", 0, "only this peer pid")
	cmd.Flags().BoolVar(&filter.Degraded, "degraded", false, "only events with faults")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func renderEvents(w io.Writer, events []database.EventRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Time", "Function", "Dir", "Connection", "PID", "Peer", "Faults", "ID"})
	for _, ev := range events {
		t.AppendRow(table.Row{
			ev.Timestamp.Local().Format("15:04:05.000"),
			ev.Function,
			ev.Direction,
			ev.ConnectionName,
			ev.ConnectionPID.String(),
			ev.PeerName,
			len(ev.Faults),
			ev.ID,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Connection", WidthMax: 40},
		{Name: "Faults", Align: text.AlignRight},
	})
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", len(events)})
	t.Render()
}

func newEventsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one event with its rule matches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ev, err := db.GetEvent(args[0])
			if err != nil {
				return err
			}
			matches, err := db.ListMatches(100, 0, map[string]string{"event": ev.ID})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*database.EventRecord
				Matches []database.Match `json:"matches,omitempty"`
			}{ev, matches})
		},
	}
}

func newMatchesCmd() *cobra.Command {
	var (
		limit    int
		status   string
		severity string
	)
	cmd := &cobra.Command{
		Use:   "matches",
		Short: "List Sigma rule matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			matches, err := db.ListMatches(limit, 0, map[string]string{
				"status":   status,
				"severity": severity,
			})
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Time", "Severity", "Rule", "Function", "Connection", "Status", "Event"})
			for _, m := range matches {
				t.AppendRow(table.Row{
					m.Timestamp.Local().Format("2006-01-02 15:04:05"),
					m.Severity,
					m.RuleName,
					m.Function,
					m.ConnectionName,
					m.Status,
					m.EventID,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of matches")
	cmd.Flags().StringVar(&status, "status", "", "only this status")
	cmd.Flags().StringVar(&severity, "severity", "", "only this severity")
	return cmd
}

func init() {
	rootCmd.AddCommand(newEventsCmd())
}
