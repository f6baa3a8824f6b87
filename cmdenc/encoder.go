// Package cmdenc implements the command mode encoder: the part of a display
// pipeline pushing frames to a panel that only refreshes on request.
//
// Frame transfers are synchronized to the panel's TE signal by the tear check
// hardware.  The encoder issues kickoffs, tracks the outstanding frames with
// the interrupts raised by the hardware and recovers from interrupts that
// never arrive.  While idle, the hardware may refresh the panel on its own
// (autorefresh), which must be stopped before the next commit.
package cmdenc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/debug"
	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/tearcheck"
	"github.com/clktmr/cmdmode/vsync"
)

// Encoder drives one command mode interface.  All methods are safe for
// concurrent use, but commits on a single encoder are expected to be issued
// by one goroutine at a time.
type Encoder struct {
	parent Parent
	blocks hw.Blocks
	caps   hw.Caps
	opts   Options
	irqs   *irq.Table
	tag    string

	pendingKickoff     irq.Counter
	pendingRetire      irq.Counter
	pendingVblank      irq.Counter
	autorefreshKickoff irq.Counter

	kickoffWQ     irq.WaitQueue
	vblankWQ      irq.WaitQueue
	autorefreshWQ irq.WaitQueue

	kickoffs atomic.Uint64

	// serializes parent callbacks, never held with mu
	cbMu sync.Mutex

	vblankMu   sync.Mutex
	vblankRefs int

	mu             sync.Mutex
	state          State
	role           Role
	mode           tearcheck.Mode
	triggerMode    TriggerMode
	lowPower       bool
	contSplash     bool
	arFrames       uint32               // requested autorefresh frame count
	arCfg          hw.AutorefreshConfig // last programmed autorefresh
	disableTrans   bool
	qsyncRate      physic.Frequency
	qsyncThreshold uint32
	wrPtrWaitOK    bool
	timeoutReports int
	recovered      bool
	source         vsync.Source
	te             vsync.Ring
}

// New returns a disabled encoder driving the hardware blocks b.
func New(parent Parent, b hw.Blocks, opts Options) (*Encoder, error) {
	if parent == nil {
		return nil, fmt.Errorf("%w: no parent", ErrInvalidConfig)
	}
	caps, err := hw.Resolve(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	opts.setDefaults()

	e := &Encoder{
		parent:         parent,
		blocks:         b,
		caps:           caps,
		opts:           opts,
		role:           opts.Role,
		qsyncThreshold: tearcheck.DefaultSyncThreshStart,
	}
	e.tag = fmt.Sprintf("cmd ctl%d %s%d", b.Ctl.ID(), caps.Path, e.teBlock().ID())

	var att irq.Attacher
	if caps.IRQController != nil {
		att = caps.IRQController
	}
	e.irqs = irq.NewTable(att)
	debug.AssertErrNil(e.irqs.Setup(irq.CtlStart, hw.IRQCtlStart, e.ctlStartIRQ))
	debug.AssertErrNil(e.irqs.Setup(irq.CtlDone, hw.IRQCtlDone, e.signalFrameDone))
	debug.AssertErrNil(e.irqs.Setup(irq.PingPong, hw.IRQPingPongDone, e.signalFrameDone))
	debug.AssertErrNil(e.irqs.Setup(irq.RdPtr, caps.IRQRdPtr, e.rdPtrIRQ))
	debug.AssertErrNil(e.irqs.Setup(irq.WrPtr, caps.IRQWrPtr, e.wrPtrIRQ))
	debug.AssertErrNil(e.irqs.Setup(irq.AutorefreshDone, caps.IRQAutorefresh, e.autorefreshDoneIRQ))

	logger.Debugf(e.tag, "created, role %s, te via %s", e.role, caps.Path)
	return e, nil
}

func (e *Encoder) teBlock() hw.Block {
	if e.caps.Path == hw.IntfTE {
		return e.blocks.Intf
	}
	return e.blocks.PingPong
}

func (e *Encoder) String() string { return e.tag }

// IRQs returns the encoder's interrupt table.
func (e *Encoder) IRQs() *irq.Table { return e.irqs }

func (e *Encoder) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// IsMaster reports whether the encoder drives shared timing, which every
// encoder but a slave does.
func (e *Encoder) IsMaster() bool { return e.Role() != RoleSlave }

func (e *Encoder) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Encoder) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old != s {
		logger.Debugf(e.tag, "state %s -> %s", old, s)
	}
}

func (e *Encoder) Mode() tearcheck.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// ModeSet caches the display mode used by the next Enable.
func (e *Encoder) ModeSet(mode tearcheck.Mode) {
	e.mu.Lock()
	e.mode = mode
	e.te.Reset()
	e.mu.Unlock()
	logger.Debugf(e.tag, "mode %dx%d@%v", mode.VDisplay, mode.VTotal, mode.Rate)
}

// ContSplashModeSet adopts a display left running by the bootloader.  The
// encoder is enabled without reprogramming the tear check.
func (e *Encoder) ContSplashModeSet(mode tearcheck.Mode) error {
	e.mu.Lock()
	e.mode = mode
	e.contSplash = true
	e.state = StateEnabled
	e.mu.Unlock()

	if e.IsMaster() {
		if a := e.caps.Autorefresher; a != nil {
			cfg, err := a.AutorefreshConfig()
			if err != nil {
				logger.Logf(e.tag, "splash autorefresh config: %v", err)
			} else {
				e.mu.Lock()
				e.arCfg = cfg
				e.mu.Unlock()
			}
		}
		e.resetFrameCounter()
	}
	logger.Logf(e.tag, "continuous splash adopted")
	return e.IRQControl(true)
}

// Enable programs the tear check and registers the interrupts.
func (e *Encoder) Enable() error {
	e.mu.Lock()
	state, splash := e.state, e.contSplash
	e.mu.Unlock()
	if state != StateDisabled {
		// interrupts are still registered, a pending reset happens on
		// the next kickoff
		if !splash {
			logger.Logf(e.tag, "already enabled, state %s", state)
		}
		return nil
	}

	if err := e.configureTearCheck(); err != nil {
		return err
	}
	if err := e.IRQControl(true); err != nil {
		return err
	}
	e.setState(StateEnabled)
	return nil
}

// Disable stops the tear check and unregisters the interrupts.
func (e *Encoder) Disable() error {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == StateDisabled {
		logger.Logf(e.tag, "already disabled")
		return nil
	}

	if !e.opts.TrustedVM {
		if en := e.caps.TearCheckEnabler; en != nil {
			if err := en.EnableTearCheck(false); err != nil {
				logger.Logf(e.tag, "disable tear check: %v", err)
			}
		}
		if err := e.IRQControl(false); err != nil {
			logger.Logf(e.tag, "disable interrupts: %v", err)
		}
		e.resetFrameCounter()
	}

	e.mu.Lock()
	e.arCfg = hw.AutorefreshConfig{}
	e.contSplash = false
	e.mu.Unlock()
	e.setState(StateDisabled)
	return nil
}

func (e *Encoder) resetFrameCounter() {
	if r := e.caps.FrameCounterResetter; r != nil {
		if err := r.ResetFrameCounter(); err != nil {
			logger.Logf(e.tag, "reset frame counter: %v", err)
		}
	}
}

// threshold returns the tear check start threshold for the current variable
// refresh rate and caches both.
func (e *Encoder) threshold() uint32 {
	minRate := e.parent.QsyncMinRate()
	e.mu.Lock()
	defer e.mu.Unlock()
	t := tearcheck.Threshold(tearcheck.Params{
		MinRate: minRate,
		Rate:    e.mode.Rate,
		VTotal:  e.mode.VTotal,
		Jitter:  e.mode.Jitter,
	})
	e.qsyncRate, e.qsyncThreshold = minRate, t
	return t
}

func (e *Encoder) configureTearCheck() error {
	setter, enabler := e.caps.TearCheckSetter, e.caps.TearCheckEnabler
	if setter == nil || enabler == nil {
		logger.Debugf(e.tag, "tear check not supported")
		return nil
	}

	threshold := e.threshold()
	mode := e.Mode()
	cfg, err := tearcheck.New(mode, e.opts.VsyncClock, threshold)
	if err != nil {
		logger.Logf(e.tag, "tear check: %v", err)
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	logger.Debugf(e.tag, "tear check vsync_count %d start %d continue %d rd_ptr %d",
		cfg.VsyncCount, cfg.SyncThresholdStart, cfg.SyncThresholdContinue, cfg.RdPtrIRQLine)

	if err := setter.SetupTearCheck(cfg); err != nil {
		return err
	}
	return enabler.EnableTearCheck(true)
}

// UpdateSplitRole changes the encoder's role.  The tear check is
// reprogrammed if the role changed.
func (e *Encoder) UpdateSplitRole(role Role) error {
	e.mu.Lock()
	old := e.role
	e.role = role
	e.mu.Unlock()

	logger.Debugf(e.tag, "role %s -> %s", old, role)
	if role == old {
		return nil
	}
	return e.configureTearCheck()
}

func (e *Encoder) SetTriggerMode(m TriggerMode) {
	e.mu.Lock()
	e.triggerMode = m
	e.mu.Unlock()
}

// SetAutorefresh requests self refresh every frames TE pulses after the
// next kickoff.  Zero disables autorefresh.
func (e *Encoder) SetAutorefresh(frames uint32) {
	e.mu.Lock()
	e.arFrames = frames
	e.mu.Unlock()
}

// SetLowPower doubles the commit timeout while the panel is in a low power
// mode.
func (e *Encoder) SetLowPower(on bool) {
	e.mu.Lock()
	e.lowPower = on
	e.mu.Unlock()
}

// IsAutorefreshEnabled reports whether autorefresh is enabled in hardware.
// Only the master deals with autorefresh.
func (e *Encoder) IsAutorefreshEnabled() bool {
	a := e.caps.Autorefresher
	if a == nil || !e.IsMaster() {
		return false
	}
	cfg, err := a.AutorefreshConfig()
	return err == nil && cfg.Enable
}

// LineCount returns the panel's current read line.
func (e *Encoder) LineCount() (uint32, error) {
	if !e.IsMaster() {
		return 0, fmt.Errorf("%w: line count on slave", ErrInvalidConfig)
	}
	lc := e.caps.LineCounter
	if lc == nil {
		return 0, ErrUnsupported
	}
	return lc.LineCount(), nil
}

// ConnectTE connects or disconnects the panel's TE pin.
func (e *Encoder) ConnectTE(on bool) {
	if c := e.caps.TEConnector; c != nil {
		c.ConnectExternalTE(on)
		logger.Debugf(e.tag, "external TE %v", on)
	}
}

// SetupVsyncSource selects the vsync source according to info.  The
// watchdog timer is used if the display asks for it or the panel is gone.
func (e *Encoder) SetupVsyncSource(info DisplayInfo) error {
	sel := e.caps.VsyncSelector
	src := vsync.SourceExternal
	rate := e.Mode().Rate

	if sel != nil && (info.WatchdogTE || e.parent.PanelDisconnected()) {
		src = vsync.SourceWatchdog
		if wd := e.caps.WatchdogJitter; wd != nil {
			wd.ConfigureWatchdogJitter(vsync.WatchdogParams(rate, info.Jitter))
		}
	}

	e.mu.Lock()
	e.source = src
	e.mu.Unlock()

	if sel == nil {
		return nil
	}
	logger.Debugf(e.tag, "vsync source %s", src)
	return sel.SelectVsyncSource(src, rate)
}

// switchVsync temporarily replaces the configured vsync source by the
// watchdog, or restores it.
func (e *Encoder) switchVsync(watchdog bool) {
	sel := e.caps.VsyncSelector
	if sel == nil {
		return
	}
	e.mu.Lock()
	src, rate := e.source, e.mode.Rate
	e.mu.Unlock()
	if watchdog {
		src = vsync.SourceWatchdog
	}
	if err := sel.SelectVsyncSource(src, rate); err != nil {
		logger.Logf(e.tag, "select vsync source %s: %v", src, err)
	}
}

// HWReset resets the hardware after a failed frame transfer and programs
// it again.
func (e *Encoder) HWReset() error {
	logger.Logf(e.tag, "hardware reset")
	if r := e.caps.Resetter; r != nil {
		if err := r.Reset(); err != nil {
			return fmt.Errorf("%w: %w", ErrNeedsHWReset, err)
		}
	}

	e.pendingKickoff.Store(0)
	e.pendingRetire.Store(0)
	e.autorefreshKickoff.Store(0)
	e.mu.Lock()
	e.arCfg = hw.AutorefreshConfig{}
	e.disableTrans = false
	e.mu.Unlock()

	if err := e.configureTearCheck(); err != nil {
		return err
	}
	e.setState(StateEnabled)
	return nil
}

// Stats returns a snapshot of the encoder's counters.
func (e *Encoder) Stats() Stats {
	s := Stats{
		PendingKickoff:     e.pendingKickoff.Load(),
		PendingRetire:      e.pendingRetire.Load(),
		PendingVblank:      e.pendingVblank.Load(),
		AutorefreshKickoff: e.autorefreshKickoff.Load(),
		Kickoffs:           e.kickoffs.Load(),
		IRQs:               make(map[string]uint64),
	}
	for i := irq.Index(0); i < irq.NumIndex; i++ {
		if n := e.irqs.Count(i); n > 0 {
			s.IRQs[i.String()] = n
		}
	}
	e.vblankMu.Lock()
	s.VblankRefs = e.vblankRefs
	e.vblankMu.Unlock()
	e.mu.Lock()
	s.State, s.Role, s.TimeoutReports = e.state, e.role, e.timeoutReports
	e.mu.Unlock()
	return s
}

func (e *Encoder) notifyFrameDone(ev FrameEvent) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.parent.HandleFrameDone(e, ev)
}
