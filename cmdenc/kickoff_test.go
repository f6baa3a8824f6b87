package cmdenc

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/debug"
	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/tearcheck"
	cmdtesting "github.com/clktmr/cmdmode/testing"
)

func TestKickoff(t *testing.T) {
	f := newFixture(t, testOptions())
	f.p.SetAutoComplete(true)

	for i := range 3 {
		if err := f.e.Kickoff(); err != nil {
			t.Fatalf("kickoff %d: %v", i, err)
		}
	}
	cmdtesting.Eventually(t, time.Second, func() bool {
		return f.r.count(FrameEventDone|FrameEventSignalReleaseFence) == 3
	}, "frames done")

	if n := f.r.count(FrameEventSignalRetireFence); n != 3 {
		t.Errorf("%d retire fences, want 3", n)
	}
	if n := f.r.count(FrameEventError); n != 0 {
		t.Errorf("%d errors", n)
	}
	s := f.e.Stats()
	if s.Kickoffs != 3 || s.PendingRetire != 0 || s.TimeoutReports != 0 {
		t.Errorf("stats %+v", s)
	}
}

func TestKickoffTimeout(t *testing.T) {
	var dump bytes.Buffer
	opts := testOptions()
	opts.DumpWriter = &dump
	f := newFixture(t, opts)

	// the panel never starts the transfer
	err := f.e.Kickoff()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}

	s := f.e.Stats()
	if s.TimeoutReports != 1 || s.State != StateNeedsHWReset || s.PendingKickoff != 0 {
		t.Errorf("stats %+v", s)
	}
	if n := f.r.count(FrameEventError); n != 1 {
		t.Errorf("%d error events, want 1", n)
	}
	if n := f.r.count(FrameEventSignalRetireFence); n != 1 {
		t.Errorf("retire fence signalled %d times, want 1", n)
	}
	if ev := f.r.recoveryEvents(); len(ev) != 1 || ev[0] != RecoveryCapture {
		t.Errorf("recovery events %v", ev)
	}
	if !f.p.Attached(hw.IRQPingPongRdPtr) {
		t.Error("rd_ptr not registered again")
	}
	if err := debug.Verify(dump.Bytes()); err != nil {
		t.Errorf("dump: %v\n%s", err, dump.String())
	}
	if !strings.Contains(dump.String(), "kickoff timeout") {
		t.Errorf("dump reason missing:\n%s", dump.String())
	}
	if f.fatal.calls() != 0 {
		t.Error("fatal with recovery listener")
	}

	// the next kickoff resets the hardware and recovers
	f.p.SetAutoComplete(true)
	if err := f.e.Kickoff(); err != nil {
		t.Fatal(err)
	}
	if f.p.Calls("Reset") != 1 {
		t.Error("no hardware reset")
	}
	cmdtesting.Eventually(t, time.Second, func() bool {
		return f.r.count(FrameEventDone) == 1
	}, "frame done after reset")

	if err := f.e.PrepareForKickoff(); err != nil {
		t.Fatal(err)
	}
	if ev := f.r.recoveryEvents(); len(ev) != 2 || ev[1] != RecoverySuccess {
		t.Errorf("recovery events %v", ev)
	}
	if s := f.e.Stats(); s.TimeoutReports != 0 || s.State != StateEnabled {
		t.Errorf("stats after recovery %+v", s)
	}
}

func TestFrameDoneTimeout(t *testing.T) {
	tests := []struct {
		name       string
		pending    int32
		dead       bool
		noListener bool
		err        error
		state      State
		fatal      int
		events     int
	}{
		{name: "nothing pending", state: StateEnabled},
		{name: "alive", pending: 1, err: ErrTimeout, state: StateNeedsHWReset, events: 1},
		{name: "dead panel", pending: 1, dead: true, err: ErrPanelUnresponsive, state: StateEnabled, events: 1},
		{name: "no listener", pending: 1, noListener: true, err: ErrTimeout, state: StateNeedsHWReset, fatal: 1, events: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.DumpWriter = &bytes.Buffer{}
			f := newFixture(t, opts)
			f.r.dead, f.r.noListener = tc.dead, tc.noListener
			f.e.pendingKickoff.Store(tc.pending)

			err := f.e.handleFrameDoneTimeout()
			if tc.err == nil && err != nil || tc.err != nil && !errors.Is(err, tc.err) {
				t.Errorf("got %v, want %v", err, tc.err)
			}
			if f.e.State() != tc.state {
				t.Errorf("state %s, want %s", f.e.State(), tc.state)
			}
			if f.fatal.calls() != tc.fatal {
				t.Errorf("fatal called %d times", f.fatal.calls())
			}
			if n := f.r.count(FrameEventError | FrameEventSignalReleaseFence); n != tc.events {
				t.Errorf("%d error events, want %d", n, tc.events)
			}
			if f.e.pendingKickoff.Load() != 0 {
				t.Errorf("pending %d", f.e.pendingKickoff.Load())
			}
		})
	}
}

func TestDuplicateFrameDone(t *testing.T) {
	f := newFixture(t, testOptions())
	f.e.pendingKickoff.Inc()
	f.p.FinishFrame()
	f.p.FinishFrame()

	if n := len(f.r.frameEvents()); n != 1 {
		t.Errorf("%d frame events, want 1", n)
	}
	if f.e.pendingKickoff.Load() != 0 {
		t.Errorf("pending %d", f.e.pendingKickoff.Load())
	}
}

func TestLateIRQ(t *testing.T) {
	f := newFixture(t, testOptions())
	f.e.pendingKickoff.Inc()
	f.p.Latch(hw.IRQPingPongDone, 1)
	f.p.Raise(hw.IRQPingPongDone)

	if err := f.e.WaitForTxComplete(); err != nil {
		t.Fatal(err)
	}
	if n := f.r.count(FrameEventDone); n != 1 {
		t.Errorf("%d frames done, want 1", n)
	}
	if f.p.IRQPending(hw.IRQPingPongDone) {
		t.Error("interrupt status not cleared")
	}
	if f.e.Stats().TimeoutReports != 0 {
		t.Error("late interrupt reported as timeout")
	}
}

func TestTriggerThrottle(t *testing.T) {
	opts := testOptions()
	opts.DumpWriter = &bytes.Buffer{}
	f := newFixture(t, opts)
	f.e.SetTriggerMode(TriggerPostedStart)

	f.e.pendingKickoff.Store(2)
	if err := f.e.TriggerStart(); err != nil {
		t.Fatal(err)
	}
	if n := f.e.pendingKickoff.Load(); n != 2 {
		t.Errorf("pending %d, want 2", n)
	}
	if f.e.Stats().TimeoutReports != 1 {
		t.Error("oldest frame not dropped")
	}
}

func TestPostedStart(t *testing.T) {
	f := newFixture(t, testOptions())
	f.e.SetTriggerMode(TriggerPostedStart)
	f.e.pendingKickoff.Inc()

	start := time.Now()
	if err := f.e.PrepareForKickoff(); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(start); d >= testOptions().KickoffTimeout {
		t.Errorf("posted start waited %v", d)
	}
	if f.e.pendingKickoff.Load() != 1 {
		t.Error("posted start touched the pending frame")
	}
}

func TestWaitForPointerStart(t *testing.T) {
	var dump bytes.Buffer
	opts := testOptions()
	opts.DumpWriter = &dump
	f := newFixture(t, opts)

	f.p.StartFrame()
	if err := f.e.WaitForPointerStart(); err != nil {
		t.Fatal(err)
	}

	f.p.SetPollError(errors.New("bus error"))
	if err := f.e.WaitForPointerStart(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if err := debug.Verify(dump.Bytes()); err != nil {
		t.Error(err)
	}
}

func TestQsyncThreshold(t *testing.T) {
	f := newFixture(t, testOptions())
	if tc, _ := f.p.TearCheck(); tc.SyncThresholdStart != tearcheck.DefaultSyncThreshStart {
		t.Fatalf("threshold %d without qsync", tc.SyncThresholdStart)
	}

	minRate := 30 * physic.Hertz
	f.r.mu.Lock()
	f.r.minRate = minRate
	f.r.mu.Unlock()
	if err := f.e.PrepareForKickoff(); err != nil {
		t.Fatal(err)
	}

	want := tearcheck.Threshold(tearcheck.Params{
		MinRate: minRate,
		Rate:    testMode.Rate,
		VTotal:  testMode.VTotal,
		Jitter:  testMode.Jitter,
	})
	if want <= tearcheck.DefaultSyncThreshStart {
		t.Fatalf("test mode has no qsync window, threshold %d", want)
	}
	tc, _ := f.p.TearCheck()
	if tc.SyncThresholdStart != want || tc.SyncThresholdContinue != tearcheck.DefaultSyncThreshContinue {
		t.Errorf("threshold %d/%d, want %d/%d", tc.SyncThresholdStart, tc.SyncThresholdContinue,
			want, tearcheck.DefaultSyncThreshContinue)
	}

	f.e.PrepareForKickoff()
	if n := f.p.Calls("UpdateTearCheck"); n != 1 {
		t.Errorf("threshold updated %d times, want 1", n)
	}

	// the read pointer is moved past the window with every write pointer
	f.e.pendingRetire.Inc()
	f.p.Raise(hw.IRQPingPongWrPtr)
	if got := f.p.ReadPointerOverride(); got != tearcheck.ReadPointerOverride(testMode, want) {
		t.Errorf("read pointer override %d", got)
	}
}

func TestWaitForVblank(t *testing.T) {
	f := newFixture(t, testOptions())

	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				f.p.Vsync()
			}
		}
	}()
	if err := f.e.WaitForVblank(); err != nil {
		t.Fatal(err)
	}
	f.r.mu.Lock()
	vblanks := f.r.vblanks
	f.r.mu.Unlock()
	if vblanks == 0 {
		t.Error("vblank not reported")
	}
}

func TestWaitForVblankTimeout(t *testing.T) {
	f := newFixture(t, testOptions())
	f.p.SetTE(false)
	if err := f.e.WaitForVblank(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}
	if n := f.e.pendingVblank.Load(); n != 0 {
		t.Errorf("pending vblank %d after timeout", n)
	}
}

func TestControlVblankIRQ(t *testing.T) {
	f := newFixture(t, testOptions())
	e, p := f.e, f.p
	if e.Stats().VblankRefs != 1 {
		t.Fatalf("refs %d after enable", e.Stats().VblankRefs)
	}

	e.ControlVblankIRQ(true)
	e.ControlVblankIRQ(false)
	if !p.Attached(hw.IRQPingPongRdPtr) {
		t.Fatal("rd_ptr detached with references left")
	}
	if err := e.ControlVblankIRQ(false); err != nil {
		t.Fatal(err)
	}
	if p.Attached(hw.IRQPingPongRdPtr) {
		t.Fatal("rd_ptr still attached")
	}
	if err := e.ControlVblankIRQ(false); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("got %v, want invalid config", err)
	}
	if e.Stats().VblankRefs != 0 {
		t.Errorf("refs %d", e.Stats().VblankRefs)
	}
}

func TestPendingBounds(t *testing.T) {
	opts := testOptions()
	opts.DumpWriter = io.Discard
	f := newFixture(t, opts)
	f.e.SetTriggerMode(TriggerPostedStart)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 500 {
		if rng.IntN(2) == 0 {
			f.e.TriggerStart()
		} else {
			f.p.FinishFrame()
		}
		if n := f.e.pendingKickoff.Load(); n < 0 || n > 2 {
			t.Fatalf("event %d: pending %d", i, n)
		}
	}
	if n := f.r.count(FrameEventDone); uint64(n) > f.e.Stats().Kickoffs {
		t.Errorf("%d frames done for %d kickoffs", n, f.e.Stats().Kickoffs)
	}
}

func TestLostFrameDone(t *testing.T) {
	tests := []struct {
		name   string
		mode   TriggerMode
		commit bool // wait for the write pointer first
		err    error
	}{
		{"posted start", TriggerPostedStart, true, nil},
		{"default trigger", TriggerDefault, true, ErrTimeout},
		{"write pointer not seen", TriggerPostedStart, false, ErrTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.DumpWriter = io.Discard
			f := newFixture(t, opts)
			f.e.SetTriggerMode(tc.mode)

			if err := f.e.TriggerStart(); err != nil {
				t.Fatal(err)
			}
			// the transfer completes, its done interrupt is handled too late
			f.p.Drop(hw.IRQPingPongDone, 1)
			f.p.StartFrame()
			f.p.FinishFrame()
			if tc.commit {
				if err := f.e.WaitForCommitDone(); err != nil {
					t.Fatal(err)
				}
			}

			err := f.e.WaitForTxComplete()
			if tc.err == nil && err != nil || tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("got %v, want %v", err, tc.err)
			}
			if n := f.e.pendingKickoff.Load(); n != 0 {
				t.Errorf("pending %d", n)
			}
			if tc.err != nil {
				return
			}
			if n := f.r.count(FrameEventDone | FrameEventSignalReleaseFence); n != 1 {
				t.Errorf("%d frames done, want 1", n)
			}
			if s := f.e.Stats(); s.TimeoutReports != 0 || s.State != StateEnabled {
				t.Errorf("stats %+v", s)
			}
		})
	}
}
