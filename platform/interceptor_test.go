package platform_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jnesss/xpc-recorder/platform"
	"github.com/jnesss/xpc-recorder/platform/simtarget"
	"github.com/jnesss/xpc-recorder/types"
	"github.com/jnesss/xpc-recorder/xpc"
)

const sendFn = "xpc_connection_send_message"

func newTarget() *simtarget.Target {
	return simtarget.New(xpc.DefaultLayout())
}

func TestInstallSkipsMissingSymbols(t *testing.T) {
	sim := newTarget()
	sim.DefineFunction(sendFn)

	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install(platform.DefaultHooks()); err != nil {
		t.Fatalf("Install: %v", err)
	}

	hooks := ic.Hooks()
	if len(hooks) != 1 || hooks[0].Symbol != sendFn || !hooks[0].Enabled {
		t.Fatalf("unexpected hooks %+v", hooks)
	}
	if sim.Breakpoints() != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", sim.Breakpoints())
	}
}

func TestInstallFailsWhenNothingPlaced(t *testing.T) {
	sim := newTarget()
	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install(platform.DefaultHooks()); err == nil {
		t.Fatalf("expected an error when no hook symbol resolves")
	}
	if err := ic.Install(nil); err == nil {
		t.Fatalf("expected an error for an empty hook list")
	}
}

func TestRunDeliversFirings(t *testing.T) {
	sim := newTarget()
	conn := sim.Connection("com.apple.cfprefsd.daemon", 88)
	msg1 := sim.Dictionary()
	msg2 := sim.Array()

	sim.Call(0x101, sendFn, conn, msg1)
	sim.Call(0x102, "xpc_connection_cancel", conn, 0)
	sim.Call(0x103, sendFn, conn, msg2)

	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install([]platform.Hook{{Symbol: sendFn, Direction: types.DirectionSend}}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	var threads, msgs []uint64
	err := ic.Run(context.Background(), func(f platform.Firing) {
		threads = append(threads, f.Thread)
		m, err := f.ReadRegister("x1")
		if err != nil {
			t.Errorf("ReadRegister: %v", err)
		}
		msgs = append(msgs, m)
		if f.Hook.Direction != types.DirectionSend {
			t.Errorf("direction = %s", f.Hook.Direction)
		}
	})
	if !errors.Is(err, platform.ErrTargetExited) {
		t.Fatalf("Run returned %v, want ErrTargetExited", err)
	}
	if len(threads) != 2 || threads[0] != 0x101 || threads[1] != 0x103 {
		t.Fatalf("threads = %#x", threads)
	}
	if msgs[0] != msg1 || msgs[1] != msg2 {
		t.Fatalf("message registers = %#x", msgs)
	}
	if hits := ic.Hooks()[0].Hits; hits != 2 {
		t.Fatalf("hits = %d", hits)
	}
}

func TestOneShotHookFiresOnce(t *testing.T) {
	sim := newTarget()
	sim.Call(1, sendFn, 0, 0)
	sim.Call(2, sendFn, 0, 0)

	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install([]platform.Hook{{Symbol: sendFn, OneShot: true}}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	fired := 0
	if err := ic.Run(context.Background(), func(platform.Firing) { fired++ }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
	if sim.Breakpoints() != 0 {
		t.Fatalf("one-shot breakpoint still placed")
	}
}

func TestHoldPolicy(t *testing.T) {
	sim := newTarget()
	sim.Call(1, sendFn, 0, 0)
	sim.Call(2, sendFn, 0, 0)

	held := 0
	stop := errors.New("operator quit")
	policy := platform.ResumePolicy{Hold: func(ctx context.Context, f platform.Firing) error {
		held++
		if f.Thread == 2 {
			return stop
		}
		return nil
	}}

	ic := platform.NewInterceptor(sim, sim, policy)
	if err := ic.Install([]platform.Hook{{Symbol: sendFn}}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	err := ic.Run(context.Background(), func(platform.Firing) {})
	if !errors.Is(err, stop) {
		t.Fatalf("Run returned %v", err)
	}
	if held != 2 {
		t.Fatalf("held %d times", held)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sim := newTarget()
	sim.Call(1, sendFn, 0, 0)

	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install([]platform.Hook{{Symbol: sendFn}}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ic.Run(ctx, func(platform.Firing) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSetEnabledAndTeardown(t *testing.T) {
	sim := newTarget()
	for _, fn := range types.SendFunctions {
		sim.DefineFunction(fn)
	}

	ic := platform.NewInterceptor(sim, sim, platform.ResumePolicy{AutoContinue: true})
	if err := ic.Install(platform.DefaultHooks()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if sim.Breakpoints() != len(types.SendFunctions) {
		t.Fatalf("breakpoints = %d", sim.Breakpoints())
	}

	if err := ic.SetEnabled(types.SendFunctions[0], false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if sim.Breakpoints() != len(types.SendFunctions)-1 {
		t.Fatalf("breakpoints after disable = %d", sim.Breakpoints())
	}
	if err := ic.SetEnabled("xpc_main", true); err == nil {
		t.Fatalf("expected error for unknown hook")
	}

	if err := ic.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if sim.Breakpoints() != 0 {
		t.Fatalf("breakpoints after teardown = %d", sim.Breakpoints())
	}
}
