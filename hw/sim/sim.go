// Package sim simulates a command mode panel together with the display
// controller blocks driving it.
//
// A Panel implements every capability of package hw.  Interrupts are raised
// either manually, by calling the Panel's event methods from a test, or by
// Run which generates TE pulses and frame transfers in real time.
package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/tearcheck"
	"github.com/clktmr/cmdmode/vsync"
)

var (
	ErrPollTimeout = errors.New("sim: write pointer poll timeout")
	ErrIRQBusy     = errors.New("sim: interrupt already attached")
	ErrIRQInvalid  = errors.New("sim: no such interrupt")
)

const pollInterval = time.Millisecond

// Panel is a simulated command mode panel.  All methods are safe for
// concurrent use.  Interrupt handlers run on the goroutine raising the
// interrupt, without any Panel lock held.
type Panel struct {
	mu    sync.Mutex
	id    int
	mode  tearcheck.Mode
	calls map[string]int

	intfTE   bool
	handlers [hw.NumIRQ]func()
	pending  [hw.NumIRQ]bool
	drop     [hw.NumIRQ]int
	latch    [hw.NumIRQ]int

	tc          tearcheck.Config
	tcEnabled   bool
	rdOverride  uint32
	teConnected bool
	teOutput    bool // panel generates TE
	jitter      int  // TE jitter in percent
	source      vsync.Source
	watchdog    vsync.WatchdogConfig

	ar       hw.AutorefreshConfig
	arSticky int // polls reporting autorefresh active after disable

	ptr          hw.PointerInfo
	lines        []uint32 // write lines returned by next PointerPositions calls
	wrStarted    bool
	startPending bool
	inFlight     bool
	autoComplete bool
	pollErr      error
}

// New returns a panel showing mode.
func New(id int, mode tearcheck.Mode) *Panel {
	return &Panel{
		id:          id,
		mode:        mode,
		calls:       make(map[string]int),
		teConnected: true,
		teOutput:    true,
	}
}

// Blocks returns hardware blocks all backed by p.  If intfTE is set, the TE
// related interrupts are raised on the interface lines instead of the
// pingpong lines.
func (p *Panel) Blocks(intfTE bool) hw.Blocks {
	p.mu.Lock()
	p.intfTE = intfTE
	p.mu.Unlock()
	return hw.Blocks{Ctl: p, PingPong: p, Intf: p, HasIntfTE: intfTE}
}

func (p *Panel) ID() int { return p.id }

func (p *Panel) Mode() tearcheck.Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Panel) count(name string) { p.calls[name]++ }

// Calls returns how often the capability method name was called.
func (p *Panel) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// ResetCalls clears all call counters.
func (p *Panel) ResetCalls() {
	p.mu.Lock()
	clear(p.calls)
	p.mu.Unlock()
}

func (p *Panel) teLines() (rd, wr, ar int) {
	if p.intfTE {
		return hw.IRQIntfRdPtr, hw.IRQIntfWrPtr, hw.IRQIntfAutorefresh
	}
	return hw.IRQPingPongRdPtr, hw.IRQPingPongWrPtr, hw.IRQPingPongAutorefresh
}

func (p *Panel) Attach(hwIdx int, fn func()) error {
	if hwIdx < 0 || hwIdx >= hw.NumIRQ {
		return ErrIRQInvalid
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers[hwIdx] != nil {
		return ErrIRQBusy
	}
	p.handlers[hwIdx] = fn
	return nil
}

func (p *Panel) Detach(hwIdx int) {
	if hwIdx < 0 || hwIdx >= hw.NumIRQ {
		return
	}
	p.mu.Lock()
	p.handlers[hwIdx] = nil
	p.mu.Unlock()
}

// Attached reports whether a handler is attached to hwIdx.
func (p *Panel) Attached(hwIdx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[hwIdx] != nil
}

func (p *Panel) IRQPending(hwIdx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[hwIdx]
}

func (p *Panel) ClearIRQ(hwIdx int) {
	p.mu.Lock()
	p.pending[hwIdx] = false
	p.mu.Unlock()
}

// Drop discards the next n interrupts on hwIdx.
func (p *Panel) Drop(hwIdx, n int) {
	p.mu.Lock()
	p.drop[hwIdx] += n
	p.mu.Unlock()
}

// Latch keeps the next n interrupts on hwIdx pending in the status register
// without delivering them.
func (p *Panel) Latch(hwIdx, n int) {
	p.mu.Lock()
	p.latch[hwIdx] += n
	p.mu.Unlock()
}

// Raise fires interrupt hwIdx.  It reports whether a handler was run.
func (p *Panel) Raise(hwIdx int) bool {
	p.mu.Lock()
	switch {
	case p.drop[hwIdx] > 0:
		p.drop[hwIdx]--
		p.mu.Unlock()
		return false
	case p.latch[hwIdx] > 0:
		p.latch[hwIdx]--
		p.pending[hwIdx] = true
		p.mu.Unlock()
		return false
	}
	fn := p.handlers[hwIdx]
	p.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Vsync generates a TE pulse.  Without TE output or with the TE pin
// disconnected, the pulse only reaches the vsync counter if the watchdog is
// the vsync source.
func (p *Panel) Vsync() bool {
	p.mu.Lock()
	ok := p.source == vsync.SourceWatchdog || (p.teOutput && p.teConnected)
	if ok {
		p.ptr.ReadLine = p.mode.VDisplay + 1
	}
	rd, _, _ := p.teLines()
	p.mu.Unlock()
	if ok {
		p.Raise(rd)
	}
	return ok
}

// StartFrame starts a frame transfer: the write pointer starts and the
// controller consumes the pending start.
func (p *Panel) StartFrame() {
	p.mu.Lock()
	p.startPending = false
	p.wrStarted = true
	p.ptr.WriteLine = 1
	p.ptr.FrameCount++
	_, wr, _ := p.teLines()
	p.mu.Unlock()

	p.Raise(hw.IRQCtlStart)
	p.Raise(wr)
}

// FinishFrame completes the transfer started by StartFrame.  The scheduler
// goes idle after the done interrupts were raised.
func (p *Panel) FinishFrame() {
	p.mu.Lock()
	p.ptr.WriteLine = p.mode.VDisplay
	p.mu.Unlock()

	p.Raise(hw.IRQPingPongDone)
	p.Raise(hw.IRQCtlDone)

	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

// AutorefreshFrame transfers one frame by self refresh.
func (p *Panel) AutorefreshFrame() {
	p.StartFrame()
	p.FinishFrame()
	p.mu.Lock()
	_, _, ar := p.teLines()
	p.mu.Unlock()
	p.Raise(ar)
}

// SetAutoComplete makes every trigger transfer a frame asynchronously, as
// if the panel was always ready.
func (p *Panel) SetAutoComplete(on bool) {
	p.mu.Lock()
	p.autoComplete = on
	p.mu.Unlock()
}

// SetTE switches the panel's TE output.
func (p *Panel) SetTE(on bool) {
	p.mu.Lock()
	p.teOutput = on
	p.mu.Unlock()
}

// SetJitter sets the TE jitter generated by Run in percent.
func (p *Panel) SetJitter(percent int) {
	p.mu.Lock()
	p.jitter = max(0, min(percent, 50))
	p.mu.Unlock()
}

// SetPointers sets the line counters returned by PointerPositions.
func (p *Panel) SetPointers(info hw.PointerInfo) {
	p.mu.Lock()
	p.ptr = info
	p.mu.Unlock()
}

// QueueWriteLines makes the next PointerPositions calls return the given
// write lines, one per call.
func (p *Panel) QueueWriteLines(lines ...uint32) {
	p.mu.Lock()
	p.lines = append(p.lines, lines...)
	p.mu.Unlock()
}

// SetAutorefreshSticky keeps autorefresh reported active for n polls after
// it was disabled.
func (p *Panel) SetAutorefreshSticky(n int) {
	p.mu.Lock()
	p.arSticky = n
	p.mu.Unlock()
}

func (p *Panel) SetStartPending(b bool) {
	p.mu.Lock()
	p.startPending = b
	p.mu.Unlock()
}

func (p *Panel) SetTriggerInFlight(b bool) {
	p.mu.Lock()
	p.inFlight = b
	p.mu.Unlock()
}

// SetPollError makes PollWritePointer fail with err until cleared.
func (p *Panel) SetPollError(err error) {
	p.mu.Lock()
	p.pollErr = err
	p.mu.Unlock()
}

// TearCheck returns the programmed tear check and whether it's enabled.
func (p *Panel) TearCheck() (tearcheck.Config, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tc, p.tcEnabled
}

func (p *Panel) ReadPointerOverride() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rdOverride
}

func (p *Panel) TEConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teConnected
}

func (p *Panel) VsyncSource() vsync.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

func (p *Panel) Watchdog() vsync.WatchdogConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watchdog
}
