// Package hw defines the hardware capabilities consumed by a command mode
// encoder.
//
// Hardware blocks are opaque values.  What a block can do is discovered by
// type assertion against the capability interfaces below, every capability
// is optional.  A missing capability means the feature is unsupported by the
// hardware and must not be treated as an error.
package hw

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/tearcheck"
	"github.com/clktmr/cmdmode/vsync"
)

// Hardware interrupt lines.
const (
	IRQCtlStart = iota
	IRQCtlDone
	IRQPingPongDone
	IRQPingPongRdPtr
	IRQPingPongWrPtr
	IRQPingPongAutorefresh
	IRQIntfRdPtr
	IRQIntfWrPtr
	IRQIntfAutorefresh
	NumIRQ
)

var irqNames = [NumIRQ]string{
	"ctl_start", "ctl_done",
	"pp_done", "pp_rd_ptr", "pp_wr_ptr", "pp_autorefresh",
	"intf_rd_ptr", "intf_wr_ptr", "intf_autorefresh",
}

// IRQName returns a short name of the hardware interrupt line.
func IRQName(hwIdx int) string {
	if hwIdx < 0 || hwIdx >= NumIRQ {
		return "unknown"
	}
	return irqNames[hwIdx]
}

// Block is a hardware block instance.
type Block interface {
	ID() int
}

// Blocks are the hardware blocks assigned to one encoder.
type Blocks struct {
	Ctl      Block // controller: triggers and flushes
	PingPong Block // pingpong: tear check unless HasIntfTE
	Intf     Block // timing interface

	// HasIntfTE is set if the timing interface implements tear check
	// natively, otherwise it's proxied through the pingpong block.
	HasIntfTE bool
}

// PointerInfo holds the panel's line counters.
type PointerInfo struct {
	ReadLine   uint32
	WriteLine  uint32
	FrameCount uint32
}

// AutorefreshConfig is the hardware self refresh programming.
type AutorefreshConfig struct {
	Enable     bool
	FrameCount uint32 // frames between self refreshes
}

type TearCheckSetter interface {
	SetupTearCheck(cfg tearcheck.Config) error
}

type TearCheckEnabler interface {
	EnableTearCheck(enable bool) error
}

// TearCheckUpdater reprograms the sync thresholds of a running tear check.
type TearCheckUpdater interface {
	UpdateTearCheck(cfg tearcheck.Config) error
}

type ReadPointerOverrider interface {
	OverrideReadPointer(line uint32) error
}

type PointerReader interface {
	PointerPositions() (PointerInfo, error)
}

// WritePointerPoller polls until the write pointer has started for the
// current frame.
type WritePointerPoller interface {
	PollWritePointer(timeout time.Duration) error
}

type LineCounter interface {
	LineCount() uint32
}

// TEConnector connects the panel's TE pin to the vsync counter.  It returns
// the previous connection state.
type TEConnector interface {
	ConnectExternalTE(connect bool) bool
}

type Autorefresher interface {
	AutorefreshConfig() (AutorefreshConfig, error)
	SetAutorefreshConfig(cfg AutorefreshConfig) error
}

// AutorefreshStatus reports whether a self refresh is still active in
// hardware, which may lag the programmed configuration.
type AutorefreshStatus interface {
	AutorefreshActive() bool
}

type Trigger interface {
	TriggerTransmission() error
}

type FrameCounterResetter interface {
	ResetFrameCounter() error
}

type WatchdogJitterConfigurer interface {
	ConfigureWatchdogJitter(cfg vsync.WatchdogConfig)
}

// VsyncSelector selects the source of the vsync counter.  The rate is used
// to program the watchdog timer.
type VsyncSelector interface {
	SelectVsyncSource(src vsync.Source, rate physic.Frequency) error
}

// SchedulerStatus reports whether the controller still has a trigger in
// flight.
type SchedulerStatus interface {
	TriggerInFlight() bool
}

// StartState reports whether a triggered start was not yet consumed by the
// controller.
type StartState interface {
	StartPending() bool
}

// FenceOverrider forces the controller to signal the output fence of the
// current frame.
type FenceOverrider interface {
	OverrideOutputFence()
}

type Resetter interface {
	Reset() error
}

// IRQController attaches handlers to hardware interrupt lines.
type IRQController interface {
	Attach(hwIdx int, fn func()) error
	Detach(hwIdx int)
}

// IRQStatus exposes the raw interrupt status, used to detect interrupts
// which fired but weren't delivered.
type IRQStatus interface {
	IRQPending(hwIdx int) bool
	ClearIRQ(hwIdx int)
}
