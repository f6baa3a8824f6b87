package sim

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/tearcheck"
	"github.com/clktmr/cmdmode/vsync"
)

func (p *Panel) SetupTearCheck(cfg tearcheck.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("SetupTearCheck")
	p.tc = cfg
	return nil
}

func (p *Panel) EnableTearCheck(enable bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("EnableTearCheck")
	p.tcEnabled = enable
	return nil
}

func (p *Panel) UpdateTearCheck(cfg tearcheck.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("UpdateTearCheck")
	p.tc.SyncThresholdStart = cfg.SyncThresholdStart
	p.tc.SyncThresholdContinue = cfg.SyncThresholdContinue
	return nil
}

func (p *Panel) OverrideReadPointer(line uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("OverrideReadPointer")
	p.rdOverride = line
	return nil
}

func (p *Panel) PointerPositions() (hw.PointerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("PointerPositions")
	info := p.ptr
	if len(p.lines) > 0 {
		info.WriteLine = p.lines[0]
		p.lines = p.lines[1:]
	}
	return info, nil
}

func (p *Panel) PollWritePointer(timeout time.Duration) error {
	p.mu.Lock()
	p.count("PollWritePointer")
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for {
		p.mu.Lock()
		started, err := p.wrStarted, p.pollErr
		p.mu.Unlock()
		if err == nil && started {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return err
			}
			return ErrPollTimeout
		}
		time.Sleep(pollInterval)
	}
}

func (p *Panel) LineCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptr.ReadLine
}

func (p *Panel) ConnectExternalTE(connect bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("ConnectExternalTE")
	prev := p.teConnected
	p.teConnected = connect
	return prev
}

func (p *Panel) AutorefreshConfig() (hw.AutorefreshConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ar, nil
}

func (p *Panel) SetAutorefreshConfig(cfg hw.AutorefreshConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("SetAutorefreshConfig")
	p.ar = cfg
	if cfg.Enable {
		p.startPending = false
	}
	return nil
}

func (p *Panel) AutorefreshActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("AutorefreshActive")
	if p.ar.Enable {
		return true
	}
	if p.arSticky > 0 {
		p.arSticky--
		return true
	}
	return false
}

func (p *Panel) TriggerTransmission() error {
	p.mu.Lock()
	p.count("TriggerTransmission")
	p.startPending = true
	p.inFlight = true
	p.wrStarted = false
	auto := p.autoComplete
	p.mu.Unlock()

	if auto {
		go func() {
			p.StartFrame()
			p.FinishFrame()
		}()
	}
	return nil
}

func (p *Panel) ResetFrameCounter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("ResetFrameCounter")
	p.ptr.FrameCount = 0
	return nil
}

func (p *Panel) ConfigureWatchdogJitter(cfg vsync.WatchdogConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("ConfigureWatchdogJitter")
	p.watchdog = cfg
}

func (p *Panel) SelectVsyncSource(src vsync.Source, rate physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("SelectVsyncSource")
	p.source = src
	return nil
}

func (p *Panel) TriggerInFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

func (p *Panel) StartPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startPending
}

func (p *Panel) OverrideOutputFence() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("OverrideOutputFence")
}

// Reset brings the simulated hardware back to its power-on state, keeping
// attached handlers and fault injection.
func (p *Panel) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count("Reset")
	p.tc, p.tcEnabled = tearcheck.Config{}, false
	p.ar = hw.AutorefreshConfig{}
	p.arSticky = 0
	p.ptr = hw.PointerInfo{}
	p.lines = nil
	p.startPending, p.inFlight, p.wrStarted = false, false, false
	p.pending = [hw.NumIRQ]bool{}
	p.teConnected = true
	p.source = vsync.SourceExternal
	return nil
}

var (
	_ hw.TearCheckSetter          = (*Panel)(nil)
	_ hw.TearCheckEnabler         = (*Panel)(nil)
	_ hw.TearCheckUpdater         = (*Panel)(nil)
	_ hw.ReadPointerOverrider     = (*Panel)(nil)
	_ hw.PointerReader            = (*Panel)(nil)
	_ hw.WritePointerPoller       = (*Panel)(nil)
	_ hw.LineCounter              = (*Panel)(nil)
	_ hw.TEConnector              = (*Panel)(nil)
	_ hw.Autorefresher            = (*Panel)(nil)
	_ hw.AutorefreshStatus        = (*Panel)(nil)
	_ hw.Trigger                  = (*Panel)(nil)
	_ hw.FrameCounterResetter     = (*Panel)(nil)
	_ hw.WatchdogJitterConfigurer = (*Panel)(nil)
	_ hw.VsyncSelector            = (*Panel)(nil)
	_ hw.SchedulerStatus          = (*Panel)(nil)
	_ hw.StartState               = (*Panel)(nil)
	_ hw.FenceOverrider           = (*Panel)(nil)
	_ hw.Resetter                 = (*Panel)(nil)
	_ hw.IRQController            = (*Panel)(nil)
	_ hw.IRQStatus                = (*Panel)(nil)
)
