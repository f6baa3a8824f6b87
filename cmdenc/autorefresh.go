package cmdenc

import (
	"time"

	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/irq"
	"github.com/clktmr/cmdmode/logger"
)

// configAutorefresh programs autorefresh every frames TE pulses, or disables
// it for zero.  The hardware is only written if the configuration changed.
func (e *Encoder) configAutorefresh(frames uint32) {
	next := hw.AutorefreshConfig{Enable: frames != 0, FrameCount: frames}

	e.mu.Lock()
	cur := e.arCfg
	if next == cur {
		e.mu.Unlock()
		return
	}
	e.arCfg = next
	e.mu.Unlock()

	logger.Debugf(e.tag, "autorefresh %v -> %v, frames %d", cur.Enable, next.Enable, frames)
	e.writeAutorefresh(next)
}

func (e *Encoder) writeAutorefresh(cfg hw.AutorefreshConfig) {
	if a := e.caps.Autorefresher; a != nil {
		if err := a.SetAutorefreshConfig(cfg); err != nil {
			logger.Logf(e.tag, "autorefresh config: %v", err)
		}
	}
}

// PrepareCommit stops autorefresh, if it's enabled, so the next frame can be
// committed.  It does nothing on slaves or if autorefresh is disabled.
func (e *Encoder) PrepareCommit() {
	if !e.IsMaster() || !e.IsAutorefreshEnabled() {
		return
	}

	e.ConnectTE(false)
	e.configAutorefresh(0)
	e.mu.Lock()
	e.disableTrans = true
	e.mu.Unlock()

	if e.opts.DisableSeq == DisableSeqTwoPhase {
		e.disableSeq1()
		e.disableSeq2()
	}
	e.ConnectTE(true)
	logger.Debugf(e.tag, "autorefresh disabled")
}

// transferOngoing reports whether the write pointer is within the active
// area of the panel.
func (e *Encoder) transferOngoing() bool {
	pr := e.caps.PointerReader
	if pr == nil {
		return false
	}
	info, err := pr.PointerPositions()
	if err != nil {
		return false
	}
	vdisplay := e.Mode().VDisplay
	return info.WriteLine > 0 && info.WriteLine < vdisplay
}

// disableSeq1 waits for a transfer started by autorefresh to end.
func (e *Encoder) disableSeq1() {
	poll, timeout := e.opts.Seq1Poll, e.opts.KickoffTimeout
	for trial := 0; ; trial++ {
		time.Sleep(poll)
		if time.Duration(trial)*poll > timeout {
			logger.Logf(e.tag, "disable autorefresh failed, transfer still ongoing")
			e.setState(StateNeedsHWReset)
			return
		}
		if !e.transferOngoing() {
			return
		}
	}
}

// disableSeq2 waits until the hardware reports autorefresh inactive,
// disabling it explicitly again.
func (e *Encoder) disableSeq2() {
	st := e.caps.AutorefreshStatus
	if st == nil {
		logger.Debugf(e.tag, "autorefresh status not supported")
		return
	}

	poll := e.opts.Seq2Poll
	active := st.AutorefreshActive()
	if !active {
		time.Sleep(poll)
		active = st.AutorefreshActive()
	}

	for trial := 0; active; trial++ {
		if trial == 0 {
			logger.Logf(e.tag, "autorefresh still active")
			e.writeAutorefresh(hw.AutorefreshConfig{})
		}

		time.Sleep(poll)
		if time.Duration(trial)*poll > e.opts.Seq2Timeout {
			logger.Logf(e.tag, "disable autorefresh failed")
			e.dump("autorefresh disable")
			e.opts.Fatal(e.tag + ": autorefresh disable failed")
			return
		}

		active = st.AutorefreshActive()
		if pr := e.caps.PointerReader; pr != nil {
			if info, err := pr.PointerPositions(); err != nil {
				logger.Logf(e.tag, "autorefresh active %v: %v", active, err)
			} else {
				logger.Logf(e.tag, "autorefresh active %v rd_ptr %d wr_ptr %d",
					active, info.ReadLine, info.WriteLine)
			}
		}
	}
}

// waitAutorefreshDone waits for the first autorefresh frame and double
// checks that it started with the write pointer.
func (e *Encoder) waitAutorefreshDone() error {
	if !e.IsMaster() {
		return nil
	}
	err := e.waitForIRQ(irq.AutorefreshDone, &e.autorefreshWQ, func() bool {
		return e.autorefreshKickoff.Load() == 0
	}, e.idleTimeout())
	if err != nil {
		return err
	}
	return e.WaitForPointerStart()
}
