package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/web"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve recorded events and rule matches as a JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.WebAddr = addr
			}
			db, det, err := openStore(cfg, cfg.Detection)
			if err != nil {
				return err
			}
			defer db.Close()
			if det != nil {
				defer det.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Infof("Web API available at http://%s/api/events", cfg.WebAddr)
			return web.NewServer(db, det, cfg.WebAddr).Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default from config, 127.0.0.1:8080)")
	return cmd
}

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage Sigma rules",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List enabled and disabled rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, det, err := openStore(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()
			defer det.Close()

			rules, err := det.ListRules()
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"ID", "Title", "Level", "Enabled", "File"})
			for _, r := range rules {
				t.AppendRow(table.Row{r.ID, r.Title, r.Level, r.Enabled, r.File})
			}
			t.Render()
			return nil
		},
	}, &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable a disabled rule or disable an enabled one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, det, err := openStore(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()
			defer det.Close()

			enabled, err := det.ToggleRule(args[0])
			if err != nil {
				return err
			}
			log.WithField("rule", args[0]).Infof("enabled=%t", enabled)
			return nil
		},
	})
	return cmd
}

func init() {
	rootCmd.AddCommand(newServeCmd(), newRulesCmd())
}
