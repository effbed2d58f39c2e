package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/config"
	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/platform/simtarget"
	"github.com/jnesss/xpc-recorder/types"
)

const exampleRule = `title: Camera permission requested over XPC
id: 0c3e2a9b-5d1f-4f7e-9a6b-8c2d1e0f7a31
status: experimental
description: A process asks tccd whether it may use the camera.
level: medium
logsource:
  product: macos
  category: xpc
detection:
  selection:
    ServiceName: com.apple.tccd
    Message.service: kTCCServiceCamera
  condition: selection
`

// scriptDemo lays out a short conversation in a simulated target.
func scriptDemo(sim *simtarget.Target, rounds int) {
	tccd := sim.Connection("com.apple.tccd", 163)
	lsd := sim.Connection("com.apple.lsd.mapdb", 155)
	anon := sim.Connection("", 0)

	for _, fn := range append(append([]string{}, types.SendFunctions...), types.ReceiveFunctions...) {
		sim.DefineFunction(fn)
	}

	for i := 0; i < rounds; i++ {
		thread := uint64(0x1c03 + i)

		ask := sim.Dictionary(
			simtarget.Entry{Key: "function", Value: sim.UInt64(1)},
			simtarget.Entry{Key: "service", Value: sim.String("kTCCServiceCamera")},
			simtarget.Entry{Key: "preflight", Value: sim.Bool(false)},
			simtarget.Entry{Key: "target_token", Value: sim.Data([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01})},
		)
		sim.Call(thread, "xpc_connection_send_message_with_reply_sync", tccd, ask)

		reply := sim.Dictionary(
			simtarget.Entry{Key: "result", Value: sim.Bool(true)},
			simtarget.Entry{Key: "auth_value", Value: sim.Int64(2)},
		)
		sim.Call(thread+0x100, "_xpc_connection_call_event_handler", tccd, reply)

		lookup := sim.Dictionary(
			simtarget.Entry{Key: "op", Value: sim.String("lookup")},
			simtarget.Entry{Key: "bundles", Value: sim.Array(
				sim.String("com.apple.Safari"),
				sim.String("com.apple.mail"),
			)},
			simtarget.Entry{Key: "score", Value: sim.Double(math.NaN())},
			simtarget.Entry{Key: "generation", Value: sim.UInt64(math.MaxUint64)},
		)
		sim.Call(thread, "xpc_connection_send_message", lsd, lookup)

		// a message whose payload points into unmapped memory
		sim.Call(thread, "xpc_connection_send_message", anon, 0x40)
	}
}

func newDemoCmd() *cobra.Command {
	var (
		rounds  int
		format  string
		noStore bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Record scripted XPC traffic from a simulated target",
		Long: `demo runs the full capture pipeline against a simulated process whose
memory holds real XPC object layouts. Events go to the configured outputs,
including the event store and the Sigma detector.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "" {
				cfg.Output.Format = format
			}
			if noStore {
				cfg.Store = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDemo(ctx, cfg, rounds)
		},
	}
	cmd.Flags().IntVarP(&rounds, "rounds", "n", 3, "number of scripted conversations")
	cmd.Flags().StringVarP(&format, "format", "f", "", "event format: jsonl, cbor or console")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not store events in the database")
	return cmd
}

func runDemo(ctx context.Context, c *config.Config, rounds int) error {
	if err := simtarget.CheckLayout(c.Layout); err != nil {
		return fmt.Errorf("the simulated target cannot use this layout: %w", err)
	}
	sim := simtarget.New(c.Layout)
	scriptDemo(sim, rounds)

	rec, err := newRecorder(c, os.Stdout)
	if err != nil {
		return err
	}
	defer rec.Close()

	if rec.detector != nil {
		rules, err := rec.detector.ListRules()
		if err == nil && len(rules) == 0 {
			if _, err := rec.detector.AddRule("xpc_tcc_camera.yml", []byte(exampleRule)); err != nil {
				log.WithError(err).Warn("Warning: could not install example rule")
			}
		}
	}

	sess := capture.NewSession(sim, sim, rec.sinks, capture.Config{
		Layout:       c.Layout,
		MaxDepth:     c.MaxDepth,
		ArgRegisters: sim.Arch.ArgRegisters,
		PeerName: func(pid int) (string, error) {
			return map[int]string{163: "tccd", 155: "lsd"}[pid], nil
		},
	}, platform.ResumePolicy{AutoContinue: true})

	if err := sess.Install(c.HookList()); err != nil {
		return err
	}
	err = sess.Run(ctx)
	sess.Close()

	st := sess.Stats()
	log.WithFields(log.Fields{
		"events":   st.Events,
		"degraded": st.Degraded,
	}).Info("Demo finished")
	if rec.db != nil {
		log.WithField("dir", c.DataDir).Info("Browse the events with: xpc-recorder events list")
	}

	if errors.Is(err, platform.ErrTargetExited) {
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(newDemoCmd())
}
