package cmdenc

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/hw/sim"
	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/tearcheck"
	cmdtesting "github.com/clktmr/cmdmode/testing"
	"github.com/clktmr/cmdmode/vsync"
)

var testMode = tearcheck.Mode{
	VDisplay: 2400,
	VTotal:   2450,
	Rate:     60 * physic.Hertz,
	Jitter:   tearcheck.Jitter{Numer: 10, Denom: 1},
}

// recorder is a Parent recording every callback.
type recorder struct {
	mu           sync.Mutex
	events       []FrameEvent
	vblanks      int
	recovery     []RecoveryEvent
	minRate      physic.Frequency
	noListener   bool
	dead         bool
	disconnected bool
}

func (r *recorder) HandleFrameDone(e *Encoder, ev FrameEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) HandleVblank(e *Encoder) {
	r.mu.Lock()
	r.vblanks++
	r.mu.Unlock()
}

func (r *recorder) QsyncMinRate() physic.Frequency {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minRate
}

func (r *recorder) NotifyRecovery(ev RecoveryEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery = append(r.recovery, ev)
	return !r.noListener
}

func (r *recorder) PanelAlive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.dead
}

func (r *recorder) PanelDisconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected
}

func (r *recorder) frameEvents() []FrameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FrameEvent(nil), r.events...)
}

// count returns the number of frame events carrying all flags of ev.
func (r *recorder) count(ev FrameEvent) (n int) {
	for _, got := range r.frameEvents() {
		if got&ev == ev {
			n++
		}
	}
	return n
}

func (r *recorder) recoveryEvents() []RecoveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecoveryEvent(nil), r.recovery...)
}

type fatalRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fatalRecorder) fatal(msg string) {
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
}

func (f *fatalRecorder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fixture struct {
	e     *Encoder
	p     *sim.Panel
	r     *recorder
	fatal *fatalRecorder
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.KickoffTimeout = 20 * time.Millisecond
	opts.Seq2Poll = time.Millisecond
	return opts
}

// newFixture returns an enabled encoder on a simulated panel.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		p:     sim.New(0, testMode),
		r:     &recorder{},
		fatal: &fatalRecorder{},
	}
	opts.Fatal = f.fatal.fatal
	e, err := New(f.r, f.p.Blocks(false), opts)
	if err != nil {
		t.Fatal(err)
	}
	e.ModeSet(testMode)
	if err := e.Enable(); err != nil {
		t.Fatal(err)
	}
	f.e = e
	return f
}

func TestNew(t *testing.T) {
	p := sim.New(0, testMode)
	if _, err := New(nil, p.Blocks(false), testOptions()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("nil parent: got %v", err)
	}
	if _, err := New(&recorder{}, hw.Blocks{PingPong: p}, testOptions()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("no controller: got %v", err)
	}

	e, err := New(&recorder{}, p.Blocks(true), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if e.String() != "cmd ctl0 intf0" {
		t.Errorf("tag %q", e.String())
	}
	if got := e.IRQs().HWIndex(irq.RdPtr); got != hw.IRQIntfRdPtr {
		t.Errorf("rd_ptr on line %d, want %d", got, hw.IRQIntfRdPtr)
	}
	if e.State() != StateDisabled {
		t.Errorf("new encoder %s", e.State())
	}
}

func TestEnableDisable(t *testing.T) {
	f := newFixture(t, testOptions())
	e, p := f.e, f.p

	tc, on := p.TearCheck()
	if !on {
		t.Fatal("tear check not enabled")
	}
	if tc.VsyncCount != 130 || tc.SyncThresholdStart != 4 || tc.RdPtrIRQLine != 2401 {
		t.Errorf("tear check %+v", tc)
	}
	for _, hwIdx := range []int{hw.IRQPingPongDone, hw.IRQPingPongRdPtr, hw.IRQPingPongWrPtr, hw.IRQPingPongAutorefresh} {
		if !p.Attached(hwIdx) {
			t.Errorf("%s not attached", hw.IRQName(hwIdx))
		}
	}
	if p.Attached(hw.IRQCtlDone) {
		t.Error("ctl_done attached without support")
	}
	if e.State() != StateEnabled {
		t.Fatalf("state %s", e.State())
	}

	if err := e.Enable(); err != nil {
		t.Fatal(err)
	}
	if n := p.Calls("SetupTearCheck"); n != 1 {
		t.Errorf("enable twice programmed tear check %d times", n)
	}

	if err := e.Disable(); err != nil {
		t.Fatal(err)
	}
	if _, on := p.TearCheck(); on {
		t.Error("tear check still enabled")
	}
	for hwIdx := range hw.NumIRQ {
		if p.Attached(hwIdx) {
			t.Errorf("%s still attached", hw.IRQName(hwIdx))
		}
	}
	if e.State() != StateDisabled {
		t.Errorf("state %s", e.State())
	}
	if p.Calls("ResetFrameCounter") != 1 {
		t.Error("frame counter not reset")
	}
}

func TestDisableTrustedVM(t *testing.T) {
	opts := testOptions()
	opts.TrustedVM = true
	f := newFixture(t, opts)
	f.e.Disable()
	if _, on := f.p.TearCheck(); !on {
		t.Error("trusted VM disabled the tear check")
	}
	if !f.p.Attached(hw.IRQPingPongDone) {
		t.Error("trusted VM detached interrupts")
	}
	if f.e.State() != StateDisabled {
		t.Errorf("state %s", f.e.State())
	}
}

func TestCtlDoneSupport(t *testing.T) {
	opts := testOptions()
	opts.CtlDoneSupport = true
	f := newFixture(t, opts)
	if !f.p.Attached(hw.IRQCtlDone) || f.p.Attached(hw.IRQPingPongDone) {
		t.Fatal("frame done not on ctl_done")
	}
	f.p.SetAutoComplete(true)
	if err := f.e.Kickoff(); err != nil {
		t.Fatal(err)
	}
	cmdtesting.Eventually(t, time.Second, func() bool {
		return f.r.count(FrameEventDone) == 1
	}, "frame done on ctl_done")
}

func TestContSplash(t *testing.T) {
	p := sim.New(0, testMode)
	p.SetAutorefreshConfig(hw.AutorefreshConfig{Enable: true, FrameCount: 5})
	p.ResetCalls()

	e, err := New(&recorder{}, p.Blocks(false), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ContSplashModeSet(testMode); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateEnabled || !p.Attached(hw.IRQPingPongRdPtr) {
		t.Fatalf("splash not adopted, state %s", e.State())
	}
	if p.Calls("ResetFrameCounter") != 1 {
		t.Error("frame counter not reset")
	}
	if err := e.Enable(); err != nil {
		t.Fatal(err)
	}
	if p.Calls("SetupTearCheck") != 0 {
		t.Error("enable reprogrammed the splash tear check")
	}
	if !e.IsAutorefreshEnabled() {
		t.Error("splash autorefresh not reported")
	}
}

func TestUpdateSplitRole(t *testing.T) {
	f := newFixture(t, testOptions())
	f.e.UpdateSplitRole(RoleMaster)
	f.e.UpdateSplitRole(RoleMaster)
	if n := f.p.Calls("SetupTearCheck"); n != 2 {
		t.Errorf("tear check programmed %d times, want 2", n)
	}
	if !f.e.IsMaster() {
		t.Error("master not master")
	}
	f.e.UpdateSplitRole(RoleSlave)
	if f.e.IsMaster() {
		t.Error("slave is master")
	}
	if _, err := f.e.LineCount(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("slave line count: %v", err)
	}
}

func TestLineCount(t *testing.T) {
	f := newFixture(t, testOptions())
	f.p.Vsync()
	n, err := f.e.LineCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != testMode.VDisplay+1 {
		t.Errorf("line count %d", n)
	}
}

func TestSetupVsyncSource(t *testing.T) {
	f := newFixture(t, testOptions())
	info := DisplayInfo{
		WatchdogTE: true,
		Jitter: vsync.WatchdogJitter{
			Type:      vsync.InstantaneousJitter,
			InstNumer: 5, InstDenom: 1,
		},
	}
	if err := f.e.SetupVsyncSource(info); err != nil {
		t.Fatal(err)
	}
	if f.p.VsyncSource() != vsync.SourceWatchdog {
		t.Errorf("source %s", f.p.VsyncSource())
	}
	if want := vsync.WatchdogParams(testMode.Rate, info.Jitter); f.p.Watchdog() != want {
		t.Errorf("watchdog %+v, want %+v", f.p.Watchdog(), want)
	}

	f.e.SetupVsyncSource(DisplayInfo{})
	if f.p.VsyncSource() != vsync.SourceExternal {
		t.Errorf("source %s", f.p.VsyncSource())
	}

	f.r.mu.Lock()
	f.r.disconnected = true
	f.r.mu.Unlock()
	f.e.SetupVsyncSource(DisplayInfo{})
	if f.p.VsyncSource() != vsync.SourceWatchdog {
		t.Errorf("disconnected panel source %s", f.p.VsyncSource())
	}
}

func TestHWReset(t *testing.T) {
	f := newFixture(t, testOptions())
	f.e.pendingKickoff.Store(3)
	f.e.pendingRetire.Store(2)
	f.e.setState(StateNeedsHWReset)

	if err := f.e.HWReset(); err != nil {
		t.Fatal(err)
	}
	if f.p.Calls("Reset") != 1 {
		t.Error("hardware not reset")
	}
	if _, on := f.p.TearCheck(); !on {
		t.Error("tear check not reprogrammed")
	}
	s := f.e.Stats()
	if s.State != StateEnabled || s.PendingKickoff != 0 || s.PendingRetire != 0 {
		t.Errorf("after reset %+v", s)
	}
}

func TestEnableNeedsHWReset(t *testing.T) {
	f := newFixture(t, testOptions())
	e, p := f.e, f.p

	e.setState(StateNeedsHWReset)
	if err := e.Enable(); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateNeedsHWReset {
		t.Errorf("state %s, reset skipped", e.State())
	}
	if n := e.Stats().VblankRefs; n != 1 {
		t.Errorf("refs %d after enable", n)
	}

	if err := e.Disable(); err != nil {
		t.Fatal(err)
	}
	if p.Attached(hw.IRQPingPongRdPtr) {
		t.Error("rd_ptr still attached")
	}
	if n := e.Stats().VblankRefs; n != 0 {
		t.Errorf("refs %d after disable", n)
	}
}

var errBus = errors.New("bus error")

// failingBlock fails tear check updates and vsync source selection.
type failingBlock struct{ *sim.Panel }

func (failingBlock) UpdateTearCheck(tearcheck.Config) error                 { return errBus }
func (failingBlock) SelectVsyncSource(vsync.Source, physic.Frequency) error { return errBus }

func TestHardwareErrorsLogged(t *testing.T) {
	p := sim.New(0, testMode)
	b := p.Blocks(false)
	b.PingPong, b.Intf = failingBlock{p}, failingBlock{p}
	r := &recorder{}
	e, err := New(r, b, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	e.ModeSet(testMode)
	if err := e.Enable(); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	r.minRate = 30 * physic.Hertz
	r.mu.Unlock()
	if err := e.PrepareForKickoff(); err != nil {
		t.Fatal(err)
	}
	e.switchVsync(true)

	for _, want := range []string{"update tear check: bus error", "select vsync source watchdog: bus error"} {
		found := false
		for _, entry := range logger.Entries() {
			if entry.Tag == e.String() && strings.Contains(entry.Detail, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("%q not logged", want)
		}
	}
}
