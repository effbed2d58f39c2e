package main

import (
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/config"
)

var (
	cfgPath  string
	logLevel string
	verbose  bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "xpc-recorder",
	Short: "Record XPC messages of a process under debugserver",
	Long: `xpc-recorder intercepts the libxpc send and receive entry points of a
target process, decodes every message it sees into JSON and stores it.

The target is driven through debugserver over the gdb remote protocol:

  debugserver localhost:1234 --attach=<pid>
  xpc-recorder snif --remote localhost:1234`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetHandler(cli.New(os.Stderr))

		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if verbose {
			cfg.LogLevel = "debug"
		}
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default $XPCREC_CONFIG or ~/.xpc-recorder/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("xpc-recorder failed")
		os.Exit(1)
	}
}
