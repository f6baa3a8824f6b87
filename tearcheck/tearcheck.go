// Package tearcheck derives the panel synchronization ("tear check")
// configuration of a command mode interface from the display mode.
//
// The tear check block compares the panel's TE pulse with an internal line
// counter and only lets a frame transfer start within a window around the
// read pointer.  With variable refresh (qsync) the start window is widened by
// Threshold so a late trigger still lands inside the panel's timeout period.
package tearcheck

import (
	"errors"
	"time"

	"golang.org/x/exp/constraints"
	"periph.io/x/conn/v3/physic"
)

// Tear check sync thresholds, empirically found on common panels.
const (
	DefaultSyncThreshStart    = 4
	DefaultSyncThreshContinue = 4
)

const (
	// some DDICs express the start window in lines/4
	lineGranularity = 4

	// lines subtracted from the safe window to cover trigger latency
	latencyLines = 2

	// Near max register value, effectively disables the internally
	// generated TE since the panel's TE always arrives first.
	syncCfgHeight = 0xfff0
)

var ErrInvalidTiming = errors.New("tearcheck: invalid timing parameters")

// Mode holds the parts of a display mode relevant for tear check.
type Mode struct {
	VDisplay uint32           // active lines
	VTotal   uint32           // active plus blanking lines
	Rate     physic.Frequency // nominal refresh rate
	Jitter   Jitter           // panel TE jitter
}

// Jitter is the panel's TE jitter in percent, expressed as a fraction
// Numer/Denom.
type Jitter struct {
	Numer, Denom uint32
}

// Bounds returns the shortest and longest TE period expected at rate. It
// reports ok=false if the bounds can't be computed, which must not be
// confused with a panel without jitter.
func (j Jitter) Bounds(rate physic.Frequency) (lower, upper time.Duration, ok bool) {
	if rate <= 0 || j.Denom == 0 {
		return 0, 0, false
	}
	frame := Period(rate)
	jitter := time.Duration(mulDiv(int64(j.Numer), int64(frame), int64(j.Denom)*100))

	lower, upper = frame-jitter, frame+jitter
	if lower <= 0 || upper <= 0 {
		return 0, 0, false
	}
	return lower, upper, true
}

// Period returns the frame period at rate, truncated to nanoseconds.
func Period(rate physic.Frequency) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(mulDiv(int64(time.Second), int64(physic.Hertz), int64(rate)))
}

// Params are the inputs of Threshold.
type Params struct {
	MinRate physic.Frequency // qsync minimum refresh rate, zero if qsync is off
	Rate    physic.Frequency // nominal refresh rate
	VTotal  uint32
	Jitter  Jitter
}

// Threshold returns the tear check start threshold in lines.
//
// The safe window is the time a qsync panel waits beyond the nominal frame
// period before refreshing on its own, shortened by the panel's jitter:
//
//	window = period(MinRate) * (1 - jitter) - period(Rate)
//	lines  = window / (period(Rate) / VTotal)
//
// The result is reduced by a latency margin, rounded down to the hardware
// granularity and never below DefaultSyncThreshStart.  If qsync is off or
// the parameters don't allow a window, DefaultSyncThreshStart is returned.
func Threshold(p Params) uint32 {
	if p.MinRate <= 0 || p.Rate <= 0 || p.VTotal == 0 || p.MinRate >= p.Rate {
		return DefaultSyncThreshStart
	}

	lower, _, ok := p.Jitter.Bounds(p.MinRate)
	if !ok {
		return DefaultSyncThreshStart
	}

	nominal := Period(p.Rate)
	extra := lower - nominal
	lineTime := nominal / time.Duration(p.VTotal)
	if extra <= 0 || lineTime <= 0 {
		return DefaultSyncThreshStart
	}

	lines := int64(extra / lineTime)
	if lines <= latencyLines {
		return DefaultSyncThreshStart
	}
	return uint32(max(roundDown(lines-latencyLines, lineGranularity), DefaultSyncThreshStart))
}

// Config is the tear check programming of one interface.
type Config struct {
	VsyncCount            uint32 // vsync clock ticks per line
	SyncCfgHeight         uint32
	VsyncInitVal          uint32
	SyncThresholdStart    uint32
	SyncThresholdContinue uint32
	StartPos              uint32
	RdPtrIRQLine          uint32
	WrPtrIRQLine          uint32
	HWVsyncMode           bool
}

// New returns the tear check configuration for mode, clocked by vsyncClock,
// with a start threshold as returned by Threshold.
//
// The panel's external TE is left disconnected (HWVsyncMode false), it gets
// connected after the first kickoff to avoid a premature autorefresh.
func New(mode Mode, vsyncClock physic.Frequency, threshold uint32) (Config, error) {
	if vsyncClock <= 0 || mode.VTotal == 0 || mode.Rate < physic.Hertz {
		return Config{}, ErrInvalidTiming
	}

	return Config{
		VsyncCount:            uint32(int64(vsyncClock) / (int64(mode.VTotal) * int64(mode.Rate))),
		SyncCfgHeight:         syncCfgHeight,
		VsyncInitVal:          mode.VDisplay,
		SyncThresholdStart:    threshold,
		SyncThresholdContinue: DefaultSyncThreshContinue,
		StartPos:              mode.VDisplay,
		RdPtrIRQLine:          mode.VDisplay + 1,
		WrPtrIRQLine:          1,
	}, nil
}

// ReadPointerOverride returns the read pointer line marking the end of the
// qsync start window.  Overriding the read pointer with it after a frame
// keeps the next trigger from being latched within the current window.
func ReadPointerOverride(mode Mode, threshold uint32) uint32 {
	return mode.VDisplay + threshold + 1
}

// mulDiv returns x*n/d without requiring x*n to be representable if d
// divides either factor.
func mulDiv[T constraints.Integer](x, n, d T) T {
	q, r := x/d, x%d
	return q*n + r*n/d
}

func roundDown[T constraints.Integer](x, m T) T {
	return x - x%m
}
