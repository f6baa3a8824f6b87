package cmdenc

import (
	"errors"
	"fmt"
	"time"

	"github.com/clktmr/cmdmode/debug"
	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/tearcheck"
)

func (e *Encoder) ctlStartIRQ() {
	logger.Debugf(e.tag, "ctl start")
}

// signalFrameDone runs on controller done, pingpong done and for
// autorefresh frames.
func (e *Encoder) signalFrameDone() {
	if n, ok := e.pendingKickoff.DecIfPositive(); ok {
		e.mu.Lock()
		if n == 0 && e.timeoutReports > 0 {
			e.recovered = true
		}
		e.mu.Unlock()
		e.notifyFrameDone(FrameEventDone | FrameEventSignalReleaseFence)
	}

	// The hardware doesn't signal the output fence of the last frame
	// before autorefresh stopped.
	e.mu.Lock()
	trans := e.disableTrans
	e.disableTrans = false
	e.mu.Unlock()
	if trans {
		if f := e.caps.FenceOverrider; f != nil {
			f.OverrideOutputFence()
		}
		logger.Debugf(e.tag, "autorefresh disable transition done")
	}

	e.kickoffWQ.Wake()
}

func (e *Encoder) rdPtrIRQ() {
	e.mu.Lock()
	e.te.Push(time.Now())
	e.mu.Unlock()

	e.cbMu.Lock()
	e.parent.HandleVblank(e)
	e.cbMu.Unlock()

	e.pendingVblank.DecIfPositive()
	e.vblankWQ.Wake()
}

func (e *Encoder) wrPtrIRQ() {
	if _, ok := e.pendingRetire.DecIfPositive(); ok {
		e.notifyFrameDone(FrameEventSignalRetireFence)
	}

	// Move the read pointer to the end of the variable refresh window, so
	// the next trigger isn't latched within the current one.
	e.mu.Lock()
	qsync := e.qsyncRate != 0
	line := tearcheck.ReadPointerOverride(e.mode, e.qsyncThreshold)
	e.mu.Unlock()
	if o := e.caps.ReadPointerOverrider; qsync && o != nil {
		if err := o.OverrideReadPointer(line); err != nil {
			logger.Logf(e.tag, "override rd_ptr %d: %v", line, err)
		}
	}

	e.kickoffWQ.Wake()
}

func (e *Encoder) autorefreshDoneIRQ() {
	if _, ok := e.autorefreshKickoff.DecIfPositive(); ok {
		e.signalFrameDone()
	}
	e.autorefreshWQ.Wake()
}

// waitForIRQ waits until cond is satisfied by interrupt idx.  Interrupts
// which fired but were never delivered are detected and handled late.
// Waiting on an unregistered interrupt succeeds immediately.
func (e *Encoder) waitForIRQ(idx irq.Index, wq *irq.WaitQueue, cond func() bool, timeout time.Duration) error {
	if !e.irqs.Registered(idx) {
		logger.Debugf(e.tag, "skip %s wait, not registered", idx)
		return nil
	}
	if wq.Wait(cond, timeout) {
		return nil
	}

	hwIdx := e.irqs.HWIndex(idx)
	if st := e.caps.IRQStatus; st != nil && st.IRQPending(hwIdx) {
		logger.Logf(e.tag, "%s irq late", idx)
		st.ClearIRQ(hwIdx)
		e.irqs.Dispatch(idx)
		if cond() {
			return nil
		}
	}
	logger.Logf(e.tag, "%s irq timeout after %v", idx, timeout)
	return fmt.Errorf("%w: %s irq", ErrTimeout, idx)
}

func (e *Encoder) register(idx irq.Index) error {
	err := e.irqs.Register(idx)
	if err != nil && !errors.Is(err, irq.ErrRegistered) {
		logger.Logf(e.tag, "register %s: %v", idx, err)
		return err
	}
	return nil
}

func (e *Encoder) unregister(idx irq.Index) {
	if err := e.irqs.Unregister(idx); err != nil && !errors.Is(err, irq.ErrNotRegistered) {
		logger.Logf(e.tag, "unregister %s: %v", idx, err)
	}
}

// IRQControl registers or unregisters the encoder's interrupts.
func (e *Encoder) IRQControl(enable bool) error {
	ctlDone := e.opts.CtlDoneSupport
	master := e.IsMaster()

	if !enable {
		if master {
			e.unregister(irq.WrPtr)
			e.unregister(irq.AutorefreshDone)
			if ctlDone {
				e.unregister(irq.CtlDone)
			}
		}
		vErr := e.ControlVblankIRQ(false)
		if !ctlDone {
			e.unregister(irq.PingPong)
		}
		if errors.Is(vErr, ErrInvalidConfig) {
			vErr = nil
		}
		return vErr
	}

	var errs []error
	if !ctlDone {
		errs = append(errs, e.register(irq.PingPong))
	}
	errs = append(errs, e.ControlVblankIRQ(true))
	if master {
		errs = append(errs, e.register(irq.WrPtr), e.register(irq.AutorefreshDone))
		if ctlDone {
			errs = append(errs, e.register(irq.CtlDone))
		}
	}
	return errors.Join(errs...)
}

// ControlVblankIRQ enables or disables vblank notifications.  Calls are
// reference counted.  Slaves don't report vblank.
func (e *Encoder) ControlVblankIRQ(enable bool) error {
	e.vblankMu.Lock()
	defer e.vblankMu.Unlock()
	if !e.IsMaster() {
		return nil
	}

	if !enable && e.vblankRefs == 0 {
		return fmt.Errorf("%w: vblank irq not enabled", ErrInvalidConfig)
	}

	var err error
	if enable {
		e.vblankRefs++
		if e.vblankRefs == 1 {
			if err = e.register(irq.RdPtr); err != nil {
				e.vblankRefs--
			}
		}
	} else {
		e.vblankRefs--
		if e.vblankRefs == 0 {
			if err = e.irqs.Unregister(irq.RdPtr); err != nil {
				e.vblankRefs++
			}
		}
	}
	debug.Assertf(e.vblankRefs >= 0, "cmdenc: vblank refs %d", e.vblankRefs)
	if err != nil {
		logger.Logf(e.tag, "control vblank irq %v, refs %d: %v", enable, e.vblankRefs, err)
	}
	return err
}

// idleTimeout is the longest time between two frames.
func (e *Encoder) idleTimeout() time.Duration {
	e.mu.Lock()
	frames := e.arCfg.FrameCount
	e.mu.Unlock()
	if frames != 0 {
		return time.Duration(frames) * e.opts.KickoffTimeout
	}
	return e.opts.KickoffTimeout
}

// WaitForVblank blocks until the next TE pulse.  Only the master waits.
func (e *Encoder) WaitForVblank() error {
	if !e.IsMaster() || !e.irqs.Registered(irq.RdPtr) {
		return nil
	}
	e.pendingVblank.Inc()
	err := e.waitForIRQ(irq.RdPtr, &e.vblankWQ, func() bool {
		return e.pendingVblank.Load() == 0
	}, e.idleTimeout())
	if err != nil {
		e.pendingVblank.DecIfPositive()
	}
	return err
}
