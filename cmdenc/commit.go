package cmdenc

import (
	"errors"
	"time"

	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/vsync"
)

// phase of a commit wait.
type phase uint8

const (
	phaseWaitWrPtr     phase = iota // wait for the write pointer interrupt
	phaseJitterCheck                // the wait timed out, check the TE period
	phaseWatchdogRetry              // wait again with the watchdog as vsync
	phaseForceSignal                // give up on the frame
	phaseAutorefresh                // wait for the first autorefresh frame
	phaseSerialize                  // wait for outstanding transfers
	phaseDone
)

var phaseNames = [...]string{
	phaseWaitWrPtr:     "wait-wr-ptr",
	phaseJitterCheck:   "jitter-check",
	phaseWatchdogRetry: "watchdog-retry",
	phaseForceSignal:   "force-signal",
	phaseAutorefresh:   "autorefresh",
	phaseSerialize:     "serialize",
	phaseDone:          "done",
}

func (p phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// commitSteps are the operations a commit wait is made of.  The encoder
// implements them on real hardware, tests stub them.
type commitSteps interface {
	master() bool
	waitWrPtr() error
	panelDisconnected() bool
	jitterOutOfBounds(since time.Time) bool
	switchVsync(watchdog bool)
	forceRetire()
	autorefreshRequested() bool
	waitAutorefreshDone() error
	outstanding() int32
	triggerInFlight() bool
	serialize() bool
	waitTxComplete() error
}

// commitFSM runs the wait for a committed frame.  Each phase decides the
// next one, errors of later phases don't overwrite the first error.
type commitFSM struct {
	steps commitSteps
	since time.Time // kickoff time, older TE pulses are ignored
	phase phase
	trace []phase
	err   error
	drain bool // wait for every outstanding transfer
}

func newCommitFSM(s commitSteps, since time.Time) *commitFSM {
	f := &commitFSM{steps: s, since: since, phase: phaseWaitWrPtr}
	if !s.master() {
		f.phase = phaseSerialize
	}
	return f
}

func (f *commitFSM) run() error {
	for f.phase != phaseDone {
		f.trace = append(f.trace, f.phase)
		f.phase = f.step()
	}
	return f.err
}

func (f *commitFSM) fail(err error) {
	if f.err == nil {
		f.err = err
	}
}

func (f *commitFSM) step() phase {
	s := f.steps
	switch f.phase {
	case phaseWaitWrPtr:
		if err := s.waitWrPtr(); err != nil {
			return phaseJitterCheck
		}
		return phaseAutorefresh

	case phaseJitterCheck:
		if s.panelDisconnected() {
			return phaseForceSignal
		}
		if s.jitterOutOfBounds(f.since) {
			return phaseWatchdogRetry
		}
		return phaseForceSignal

	case phaseWatchdogRetry:
		s.switchVsync(true)
		err := s.waitWrPtr()
		s.switchVsync(false)
		if err != nil {
			return phaseForceSignal
		}
		return phaseAutorefresh

	case phaseForceSignal:
		s.forceRetire()
		f.fail(ErrTimeout)
		f.drain = true
		return phaseSerialize

	case phaseAutorefresh:
		if s.autorefreshRequested() {
			if err := s.waitAutorefreshDone(); err != nil {
				f.fail(err)
			}
		}
		return phaseSerialize

	case phaseSerialize:
		// decided once, then every wait completes or drops one frame
		pending := s.outstanding()
		wait := f.drain || pending > 1 || s.triggerInFlight() ||
			(f.err == nil && s.serialize())
		if !wait {
			return phaseDone
		}
		for ; pending > 0 && s.outstanding() > 0; pending-- {
			if err := s.waitTxComplete(); err != nil {
				f.fail(err)
				break
			}
		}
		return phaseDone
	}
	return phaseDone
}

// WaitForCommitDone waits until the triggered frame was written to the
// panel.  A frame whose write pointer interrupt never arrives is given up on
// and ErrTimeout is returned, its retire fence is signalled anyway.
func (e *Encoder) WaitForCommitDone() error {
	if e.opts.CtlDoneSupport && !e.IsMaster() {
		return nil
	}
	f := newCommitFSM(encoderSteps{e}, time.Now().Add(-e.commitWindow()))
	err := f.run()
	logger.Debugf(e.tag, "commit %v: %v", f.trace, err)
	return err
}

// commitWindow is how far back TE pulses are considered by the jitter
// check.
func (e *Encoder) commitWindow() time.Duration {
	return time.Duration(vsync.ProfileCount) * e.commitTimeout()
}

func (e *Encoder) commitTimeout() time.Duration {
	e.mu.Lock()
	low := e.lowPower
	e.mu.Unlock()
	if low {
		return 2 * e.opts.KickoffTimeout
	}
	return e.opts.KickoffTimeout
}

// encoderSteps runs the commit phases on the encoder's hardware.
type encoderSteps struct{ e *Encoder }

func (s encoderSteps) master() bool { return s.e.IsMaster() }

func (s encoderSteps) waitWrPtr() error {
	e := s.e
	err := e.waitForIRQ(irq.WrPtr, &e.kickoffWQ, func() bool {
		return e.pendingRetire.Load() == 0
	}, e.commitTimeout())

	// The transfer started without the interrupt being raised, which
	// happens while the panel recovers from ESD.
	if errors.Is(err, ErrTimeout) {
		if st := e.caps.StartState; st != nil && !st.StartPending() && e.parent.PanelAlive() {
			logger.Logf(e.tag, "wr_ptr missing, start consumed")
			s.forceRetire()
			err = nil
		}
	}

	e.mu.Lock()
	e.wrPtrWaitOK = err == nil
	e.mu.Unlock()
	return err
}

func (s encoderSteps) panelDisconnected() bool { return s.e.parent.PanelDisconnected() }

func (s encoderSteps) jitterOutOfBounds(since time.Time) bool {
	e := s.e
	e.mu.Lock()
	ring, mode := e.te, e.mode
	e.mu.Unlock()

	out, err := vsync.Check(&ring, since, mode.Rate, mode.Jitter)
	if err != nil {
		logger.Debugf(e.tag, "jitter check: %v", err)
		return false
	}
	if out {
		logger.Logf(e.tag, "TE period out of jitter bounds")
	}
	return out
}

func (s encoderSteps) switchVsync(watchdog bool) { s.e.switchVsync(watchdog) }

func (s encoderSteps) forceRetire() {
	e := s.e
	if _, ok := e.pendingRetire.DecIfPositive(); ok {
		logger.Logf(e.tag, "retire fence forced")
		e.notifyFrameDone(FrameEventSignalRetireFence)
	}
}

func (s encoderSteps) autorefreshRequested() bool {
	return s.e.autorefreshKickoff.Load() > 0
}

func (s encoderSteps) waitAutorefreshDone() error { return s.e.waitAutorefreshDone() }

func (s encoderSteps) outstanding() int32 { return s.e.pendingKickoff.Load() }

func (s encoderSteps) triggerInFlight() bool {
	st := s.e.caps.SchedulerStatus
	return st != nil && st.TriggerInFlight()
}

func (s encoderSteps) serialize() bool {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggerMode == TriggerSerialize
}

func (s encoderSteps) waitTxComplete() error { return s.e.WaitForTxComplete() }
