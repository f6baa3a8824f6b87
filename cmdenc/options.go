package cmdenc

import (
	"io"
	"time"

	"periph.io/x/conn/v3/physic"
)

// DisableSeq selects the sequence run after autorefresh was switched off,
// before a frame may be committed.
type DisableSeq uint8

const (
	// DisableSeqNone relies on the hardware to stop autorefresh in time.
	DisableSeqNone DisableSeq = iota

	// DisableSeqTwoPhase first waits for an ongoing transfer to end, then
	// polls until the hardware reports autorefresh inactive.
	DisableSeqTwoPhase
)

func (s DisableSeq) String() string {
	if s == DisableSeqTwoPhase {
		return "two-phase"
	}
	return "none"
}

// Options configure an Encoder.  Zero fields are replaced by the values of
// DefaultOptions.
type Options struct {
	Role Role

	// KickoffTimeout bounds every wait for a frame transfer.
	KickoffTimeout time.Duration

	DisableSeq DisableSeq

	// CtlDoneSupport selects the controller done interrupt over pingpong
	// done for frame completion.  Slaves don't wait on it.
	CtlDoneSupport bool

	// TrustedVM skips all hardware teardown on Disable, the hardware is
	// owned by another VM.
	TrustedVM bool

	Seq1Poll          time.Duration // transfer ongoing poll interval
	Seq2Poll          time.Duration // autorefresh status poll interval
	Seq2Timeout       time.Duration
	WrPtrStartTimeout time.Duration

	// VsyncClock is the clock of the tear check vsync counter.
	VsyncClock physic.Frequency

	// Fatal is called if the display pipeline is stuck and nobody is
	// listening for recovery events.  It defaults to panic.
	Fatal func(msg string)

	// DumpWriter receives diagnostic dumps.  It defaults to the central log.
	DumpWriter io.Writer
}

// DefaultOptions returns the options of a solo encoder with the usual
// hardware timings.
func DefaultOptions() Options {
	return Options{
		Role:              RoleSolo,
		KickoffTimeout:    84 * time.Millisecond,
		DisableSeq:        DisableSeqNone,
		Seq1Poll:          2 * time.Millisecond,
		Seq2Poll:          25 * time.Millisecond,
		Seq2Timeout:       time.Second,
		WrPtrStartTimeout: 20 * time.Millisecond,
		VsyncClock:        19200 * physic.KiloHertz,
		Fatal:             func(msg string) { panic(msg) },
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.KickoffTimeout <= 0 {
		o.KickoffTimeout = d.KickoffTimeout
	}
	if o.Seq1Poll <= 0 {
		o.Seq1Poll = d.Seq1Poll
	}
	if o.Seq2Poll <= 0 {
		o.Seq2Poll = d.Seq2Poll
	}
	if o.Seq2Timeout <= 0 {
		o.Seq2Timeout = d.Seq2Timeout
	}
	if o.WrPtrStartTimeout <= 0 {
		o.WrPtrStartTimeout = d.WrPtrStartTimeout
	}
	if o.VsyncClock <= 0 {
		o.VsyncClock = d.VsyncClock
	}
	if o.Fatal == nil {
		o.Fatal = d.Fatal
	}
}
