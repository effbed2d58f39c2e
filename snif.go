package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/config"
	"github.com/jnesss/xpc-recorder/gdbremote"
	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/process"
)

type targetFlags struct {
	remote string
	pid    int
	arch   string
}

func (f *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.remote, "remote", "r", "", "debugserver address (default from config, localhost:1234)")
	cmd.Flags().IntVarP(&f.pid, "pid", "p", 0, "ask debugserver to attach to this pid")
	cmd.Flags().StringVar(&f.arch, "arch", "", "target architecture (arm64, amd64)")
}

func (f *targetFlags) apply(c *config.Config) {
	if f.remote != "" {
		c.Remote = f.remote
	}
	if f.pid != 0 {
		c.PID = f.pid
	}
	if f.arch != "" {
		c.Arch = f.arch
	}
}

// connect dials debugserver and attaches when a pid is configured.
func connect(ctx context.Context, c *config.Config) (*gdbremote.Client, platform.Arch, error) {
	arch, err := c.ArchInfo()
	if err != nil {
		return nil, arch, err
	}
	client, err := gdbremote.Dial(ctx, c.Remote, arch)
	if err != nil {
		return nil, arch, err
	}
	if c.PID > 0 {
		if _, err := client.Attach(c.PID); err != nil {
			client.Close()
			return nil, arch, fmt.Errorf("failed to attach to pid %d: %w", c.PID, err)
		}
		log.WithField("pid", c.PID).Info("Attached")
	}
	return client, arch, nil
}

// holdForOperator keeps the thread suspended until a line is read from in.
// One reader goroutine serves every hold, so a hold abandoned by
// cancellation leaves its line to the next one. Once in is exhausted,
// holds return immediately.
func holdForOperator(in io.Reader, out io.Writer) func(context.Context, platform.Firing) error {
	lines := make(chan error)
	var once sync.Once
	read := func() {
		defer close(lines)
		r := bufio.NewReader(in)
		for {
			_, err := r.ReadString('\n')
			if errors.Is(err, io.EOF) {
				return
			}
			lines <- err
			if err != nil {
				return
			}
		}
	}

	return func(ctx context.Context, f platform.Firing) error {
		once.Do(func() { go read() })
		fmt.Fprintf(out, "Thread %#x held in %s. Press Enter to resume...", f.Thread, f.Hook.Symbol)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-lines:
			if !ok {
				return nil
			}
			return err
		}
	}
}

type snifOptions struct {
	target   targetFlags
	hold     bool
	oneShot  bool
	format   string
	output   string
	indent   bool
	noStore  bool
	noDetect bool
	webAddr  string
}

func (o *snifOptions) register(cmd *cobra.Command) {
	o.target.register(cmd)
	cmd.Flags().BoolVar(&o.hold, "hold", false, "keep each thread suspended after its capture until Enter is pressed")
	cmd.Flags().BoolVar(&o.oneShot, "one-shot", false, "remove each hook after its first hit")
	cmd.Flags().StringVarP(&o.format, "format", "f", "", "event format: jsonl, cbor or console")
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "write events to this file instead of stdout")
	cmd.Flags().BoolVar(&o.indent, "indent", false, "indent messages on the console")
	cmd.Flags().BoolVar(&o.noStore, "no-store", false, "do not store events in the database")
	cmd.Flags().BoolVar(&o.noDetect, "no-detect", false, "do not evaluate Sigma rules")
	cmd.Flags().StringVar(&o.webAddr, "web", "", `serve the JSON API on this address while recording (default from config, "" disables)`)
}

// apply overlays the flags the user set onto c.
func (o *snifOptions) apply(cmd *cobra.Command, c *config.Config) error {
	o.target.apply(c)
	flags := cmd.Flags()
	if flags.Changed("hold") {
		c.AutoContinue = !o.hold
	}
	if flags.Changed("one-shot") {
		c.Hooks.OneShot = o.oneShot
	}
	if o.format != "" {
		c.Output.Format = o.format
	}
	if o.output != "" {
		c.Output.File = o.output
	}
	if flags.Changed("indent") {
		c.Output.Indent = o.indent
	}
	if o.noStore {
		c.Store = false
	}
	if o.noDetect {
		c.Detection = false
	}
	if flags.Changed("web") {
		c.WebAddr = o.webAddr
	}
	return c.Validate()
}

func newSnifCmd() *cobra.Command {
	var opts snifOptions

	cmd := &cobra.Command{
		Use:   "snif",
		Short: "Intercept XPC traffic of the target and record every message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.apply(cmd, cfg); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSnif(ctx, cfg)
		},
	}

	opts.register(cmd)
	return cmd
}

func runSnif(ctx context.Context, c *config.Config) error {
	syms, closeSyms, err := c.Resolver()
	if err != nil {
		return fmt.Errorf("failed to set up symbols: %w", err)
	}
	defer closeSyms()

	client, arch, err := connect(ctx, c)
	if err != nil {
		return err
	}

	rec, err := newRecorder(c, os.Stdout)
	if err != nil {
		client.Detach()
		return err
	}
	defer rec.Close()
	rec.serve(ctx, c.WebAddr)

	engineCfg := capture.Config{
		Layout:       c.Layout,
		MaxDepth:     c.MaxDepth,
		ArgRegisters: arch.ArgRegisters,
	}
	if c.PeerNames {
		peers := process.NewResolver(time.Minute)
		go peers.Start(ctx, time.Minute)
		engineCfg.PeerName = peers.Name
	}

	policy := platform.ResumePolicy{
		AutoContinue: c.AutoContinue,
		Hold:         holdForOperator(os.Stdin, os.Stderr),
	}
	sess := capture.NewSession(client, syms, rec.sinks, engineCfg, policy)
	if err := sess.Install(c.HookList()); err != nil {
		client.Detach()
		return err
	}

	log.WithField("remote", c.Remote).Info("Recording XPC messages... Press Ctrl+C to stop")
	runErr := sess.Run(ctx)

	st := sess.Stats()
	log.WithFields(log.Fields{
		"events":   st.Events,
		"degraded": st.Degraded,
		"failed":   st.SinkFailure,
	}).Info("Session ended")

	if err := sess.Close(); err != nil {
		log.WithError(err).Warn("Warning: detach failed")
	}
	if errors.Is(runErr, platform.ErrTargetExited) {
		log.Info("Target exited")
		return nil
	}
	return runErr
}

func newUnsnifCmd() *cobra.Command {
	var target targetFlags

	cmd := &cobra.Command{
		Use:   "unsnif",
		Short: "Remove the recorder's breakpoints from the target and detach",
		Long: `unsnif cleans up after a session that did not end normally: it removes
the breakpoints on every configured hook and detaches, leaving the target
running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target.apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runUnsnif(ctx, cfg)
		},
	}
	target.register(cmd)
	return cmd
}

func runUnsnif(ctx context.Context, c *config.Config) error {
	syms, closeSyms, err := c.Resolver()
	if err != nil {
		return fmt.Errorf("failed to set up symbols: %w", err)
	}
	defer closeSyms()

	client, _, err := connect(ctx, c)
	if err != nil {
		return err
	}

	removed := 0
	for _, h := range c.HookList() {
		addr, err := syms.ResolveSymbol(h.Symbol)
		if err != nil {
			log.WithField("symbol", h.Symbol).Debugf("not resolved: %v", err)
			continue
		}
		if err := client.RemoveBreakpoint(addr); err != nil {
			log.WithField("symbol", h.Symbol).Debugf("no breakpoint removed: %v", err)
			continue
		}
		removed++
		log.WithField("symbol", h.Symbol).Info("Removed breakpoint")
	}

	if err := client.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	log.WithField("removed", removed).Info("Detached")
	return nil
}

func init() {
	rootCmd.AddCommand(newSnifCmd(), newUnsnifCmd())
}
