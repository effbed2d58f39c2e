package main

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/jnesss/xpc-recorder/config"
	"github.com/jnesss/xpc-recorder/platform"
)

func TestSnifOptionsApply(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want func(c *config.Config) bool
	}{
		{"web from config", nil, func(c *config.Config) bool { return c.WebAddr == "127.0.0.1:8080" }},
		{"web flag", []string{"--web", "127.0.0.1:9090"}, func(c *config.Config) bool { return c.WebAddr == "127.0.0.1:9090" }},
		{"web disabled", []string{"--web="}, func(c *config.Config) bool { return c.WebAddr == "" }},
		{"hold", []string{"--hold"}, func(c *config.Config) bool { return !c.AutoContinue }},
		{"target", []string{"-r", "mac:4321", "--arch", "amd64"}, func(c *config.Config) bool {
			return c.Remote == "mac:4321" && c.Arch == "amd64"
		}},
		{"outputs", []string{"-f", "console", "--no-store", "--no-detect"}, func(c *config.Config) bool {
			return c.Output.Format == "console" && !c.Store && !c.Detection
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts snifOptions
			cmd := &cobra.Command{Use: "snif"}
			opts.register(cmd)
			if err := cmd.ParseFlags(tt.args); err != nil {
				t.Fatalf("ParseFlags: %v", err)
			}
			c := config.DefaultConfig()
			if err := opts.apply(cmd, c); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if !tt.want(c) {
				t.Fatalf("config after %v = %+v", tt.args, c)
			}
		})
	}
}

func TestSnifOptionsRejectsBadFormat(t *testing.T) {
	var opts snifOptions
	cmd := &cobra.Command{Use: "snif"}
	opts.register(cmd)
	if err := cmd.ParseFlags([]string{"-f", "xml"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if err := opts.apply(cmd, config.DefaultConfig()); err == nil {
		t.Fatalf("expected an error for format xml")
	}
}

func TestHoldForOperator(t *testing.T) {
	pr, pw := io.Pipe()
	hold := holdForOperator(pr, io.Discard)
	f := platform.Firing{Hook: platform.Hook{Symbol: "xpc_connection_send_message"}, Thread: 0x1c03}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hold(ctx, f); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled hold = %v", err)
	}

	go pw.Write([]byte("\n"))
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hold(ctx, f); err != nil {
		t.Fatalf("hold after Enter = %v", err)
	}

	pw.Close()
	for i := 0; i < 2; i++ {
		if err := hold(ctx, f); err != nil {
			t.Fatalf("hold after stdin closed = %v", err)
		}
	}
}
