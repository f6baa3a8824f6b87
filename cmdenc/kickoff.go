package cmdenc

import (
	"errors"
	"fmt"

	"github.com/clktmr/cmdmode/debug"
	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/tearcheck"
)

// PrepareForKickoff readies the encoder for the next frame.  It resets the
// hardware after a previous failure, stops autorefresh and waits for the
// previous frame unless the trigger mode is posted start.
//
// A timeout is returned but doesn't keep the next kickoff from being
// issued, the outstanding frame is dropped.
func (e *Encoder) PrepareForKickoff() (err error) {
	if e.State() == StateNeedsHWReset {
		if err := e.HWReset(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	mode, splash := e.triggerMode, e.contSplash
	e.mu.Unlock()

	e.PrepareCommit()

	if mode == TriggerDefault {
		if err = e.waitForIdle(0); err != nil {
			e.pendingKickoff.Store(0)
			logger.Logf(e.tag, "wait for idle: %v", err)
		}
	}

	if splash {
		if st := e.caps.AutorefreshStatus; st != nil && st.AutorefreshActive() {
			if verr := e.WaitForVblank(); verr != nil {
				logger.Logf(e.tag, "wait for vblank on busy autorefresh: %v", verr)
			}
		}
	}

	e.mu.Lock()
	recovered, reports := e.recovered, e.timeoutReports
	if recovered {
		e.timeoutReports = 0
		e.recovered = false
	}
	e.mu.Unlock()
	if recovered && reports > 0 {
		logger.Logf(e.tag, "recovered after %d timeouts", reports)
		e.parent.NotifyRecovery(RecoverySuccess)
	}

	e.updateQsync()
	return err
}

// updateQsync pushes a new tear check threshold if the variable refresh
// rate changed.
func (e *Encoder) updateQsync() {
	minRate := e.parent.QsyncMinRate()
	e.mu.Lock()
	changed := minRate != e.qsyncRate
	e.mu.Unlock()
	if !changed {
		return
	}

	threshold := e.threshold()
	logger.Debugf(e.tag, "qsync min rate %v, threshold %d", minRate, threshold)
	if u := e.caps.TearCheckUpdater; u != nil {
		err := u.UpdateTearCheck(tearcheck.Config{
			SyncThresholdStart:    threshold,
			SyncThresholdContinue: tearcheck.DefaultSyncThreshContinue,
		})
		if err != nil {
			logger.Logf(e.tag, "update tear check: %v", err)
		}
	}
}

// TriggerStart issues the frame transfer, either directly or by programming
// autorefresh if it was requested.
func (e *Encoder) TriggerStart() error {
	if e.pendingKickoff.Load() >= 2 {
		logger.Logf(e.tag, "kickoff with %d frames pending", e.pendingKickoff.Load())
		e.handleFrameDoneTimeout()
	}

	master := e.IsMaster()
	if master || !e.opts.CtlDoneSupport {
		e.pendingKickoff.Inc()
	}
	if master {
		e.pendingRetire.Inc()
	}
	e.kickoffs.Add(1)

	e.mu.Lock()
	frames := e.arFrames
	e.wrPtrWaitOK = false
	e.mu.Unlock()

	if frames != 0 && master {
		e.configAutorefresh(frames)
		e.autorefreshKickoff.Inc()
		return nil
	}
	t := e.caps.Trigger
	if t == nil {
		return fmt.Errorf("%w: no trigger", ErrUnsupported)
	}
	return t.TriggerTransmission()
}

// WaitForPointerStart polls until the write pointer started for the
// triggered frame.  It validates the start independently of interrupts.
func (e *Encoder) WaitForPointerStart() error {
	pr, poller := e.caps.PointerReader, e.caps.WritePointerPoller
	if pr == nil || poller == nil {
		return nil
	}
	info, err := pr.PointerPositions()
	if err != nil {
		return err
	}
	logger.Debugf(e.tag, "rd_ptr %d wr_ptr %d", info.ReadLine, info.WriteLine)

	timeout := e.opts.WrPtrStartTimeout
	if err := poller.PollWritePointer(timeout); err != nil {
		logger.Logf(e.tag, "write pointer not started after %v: %v", timeout, err)
		e.dump("wr_ptr start")
		return fmt.Errorf("%w: write pointer start", ErrTimeout)
	}
	return nil
}

// waitForIdle waits until no more than target frames are pending.
func (e *Encoder) waitForIdle(target int32) error {
	ctlDone := e.opts.CtlDoneSupport
	if ctlDone && !e.IsMaster() {
		return nil
	}
	idx := irq.PingPong
	if ctlDone {
		idx = irq.CtlDone
	}

	if e.pendingKickoff.Load() > target && e.schedulerIdle() {
		return nil
	}
	err := e.waitForIRQ(idx, &e.kickoffWQ, func() bool {
		return e.pendingKickoff.Load() <= target
	}, e.opts.KickoffTimeout)
	if errors.Is(err, ErrTimeout) {
		if e.schedulerIdle() {
			return nil
		}
		return e.handleFrameDoneTimeout()
	}
	return err
}

// schedulerIdle completes the oldest pending frame if its done interrupt
// was lost.  With posted start the interrupt can be missed when it is
// handled late, the scheduler then already went idle after the write
// pointer started.
func (e *Encoder) schedulerIdle() bool {
	st := e.caps.SchedulerStatus
	if st == nil {
		return false
	}
	e.mu.Lock()
	posted := e.triggerMode == TriggerPostedStart
	started := e.wrPtrWaitOK || e.role == RoleSlave
	e.mu.Unlock()
	if !posted || !started || e.pendingKickoff.Load() == 0 || st.TriggerInFlight() {
		return false
	}
	if _, ok := e.pendingKickoff.DecIfPositive(); !ok {
		return false
	}
	logger.Logf(e.tag, "frame done interrupt lost, scheduler idle")
	e.notifyFrameDone(FrameEventDone | FrameEventSignalReleaseFence)
	e.kickoffWQ.Wake()
	return true
}

// WaitForTxComplete waits for the oldest pending frame to be transferred.
func (e *Encoder) WaitForTxComplete() error {
	if e.opts.CtlDoneSupport && !e.IsMaster() {
		return nil
	}
	n := e.pendingKickoff.Load()
	if n == 0 {
		return nil
	}
	err := e.waitForIdle(n - 1)
	if err != nil {
		logger.Logf(e.tag, "wait for tx complete: %v", err)
	}
	return err
}

// handleFrameDoneTimeout drops the oldest pending frame after its transfer
// didn't complete in time.  The parent is always notified, with an error.
func (e *Encoder) handleFrameDoneTimeout() error {
	n, ok := e.pendingKickoff.DecIfPositive()
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.timeoutReports++
	reports := e.timeoutReports
	e.mu.Unlock()

	fatal := false
	if e.parent.PanelAlive() {
		// only log the first timeout to avoid flooding
		if reports == 1 {
			logger.Logf(e.tag, "kickoff timed out, %d frames pending", n+1)
			e.dump("kickoff timeout")
			e.vblankMu.Lock()
			if e.irqs.Unregister(irq.RdPtr) == nil {
				e.register(irq.RdPtr)
			}
			e.vblankMu.Unlock()
		}

		if !e.parent.NotifyRecovery(RecoveryCapture) {
			fatal = true
		}
		e.setState(StateNeedsHWReset)
	} else {
		logger.Debugf(e.tag, "kickoff timed out on dead panel")
	}

	e.notifyFrameDone(FrameEventError | FrameEventSignalReleaseFence)
	if fatal {
		e.opts.Fatal(e.tag + ": kickoff timeout without recovery")
	}
	if !e.parent.PanelAlive() {
		return fmt.Errorf("%w: %w", ErrTimeout, ErrPanelUnresponsive)
	}
	return ErrTimeout
}

// Kickoff commits one frame: prepare, trigger and wait for completion.  The
// frame is triggered even if preparing timed out, the first error is
// returned.
func (e *Encoder) Kickoff() error {
	err := e.PrepareForKickoff()
	if errors.Is(err, ErrNeedsHWReset) {
		return err
	}
	if terr := e.TriggerStart(); terr != nil {
		return errors.Join(err, terr)
	}
	return errors.Join(err, e.WaitForCommitDone())
}

// dump writes a diagnostic record of the encoder and hardware state.
func (e *Encoder) dump(reason string) {
	r := debug.NewRecord(e.tag + ": " + reason)
	s := e.Stats()
	r.Add("state", uint32(s.State))
	r.Add("role", uint32(s.Role))
	r.Add("pending_kickoff", uint32(s.PendingKickoff))
	r.Add("pending_retire", uint32(s.PendingRetire))
	r.Add("pending_vblank", uint32(s.PendingVblank))
	r.Add("autorefresh_kickoff", uint32(s.AutorefreshKickoff))
	r.Add("timeout_reports", uint32(s.TimeoutReports))
	r.Add("vblank_refs", uint32(s.VblankRefs))

	e.mu.Lock()
	r.AddBool("autorefresh", e.arCfg.Enable)
	r.Add("autorefresh_frames", e.arCfg.FrameCount)
	r.AddBool("disable_trans", e.disableTrans)
	r.Add("qsync_threshold", e.qsyncThreshold)
	e.mu.Unlock()

	if pr := e.caps.PointerReader; pr != nil {
		if info, err := pr.PointerPositions(); err == nil {
			r.Add("rd_ptr", info.ReadLine)
			r.Add("wr_ptr", info.WriteLine)
			r.Add("frame_count", info.FrameCount)
		}
	}
	if st := e.caps.IRQStatus; st != nil {
		var pending uint32
		for hwIdx := range hw.NumIRQ {
			if st.IRQPending(hwIdx) {
				pending |= 1 << hwIdx
			}
		}
		r.Add("irq_status", pending)
	}

	w := e.opts.DumpWriter
	if w == nil {
		w = logger.Writer("dump")
	}
	r.WriteTo(w)
}
