package hw

import "errors"

var ErrNoBlocks = errors.New("hw: missing controller or tear check block")

// TEPath selects the block serving tear check.
type TEPath uint8

const (
	PingPongTE TEPath = iota
	IntfTE
)

func (p TEPath) String() string {
	if p == IntfTE {
		return "intf"
	}
	return "pingpong"
}

// Caps are the capabilities of an encoder's blocks, resolved once.  A nil
// field means the capability is unsupported.
type Caps struct {
	Path TEPath

	// tear check block
	TearCheckSetter      TearCheckSetter
	TearCheckEnabler     TearCheckEnabler
	TearCheckUpdater     TearCheckUpdater
	ReadPointerOverrider ReadPointerOverrider
	PointerReader        PointerReader
	WritePointerPoller   WritePointerPoller
	LineCounter          LineCounter
	TEConnector          TEConnector
	Autorefresher        Autorefresher
	AutorefreshStatus    AutorefreshStatus
	FrameCounterResetter FrameCounterResetter

	// interface block
	WatchdogJitter WatchdogJitterConfigurer
	VsyncSelector  VsyncSelector

	// controller block
	Trigger         Trigger
	SchedulerStatus SchedulerStatus
	StartState      StartState
	FenceOverrider  FenceOverrider
	Resetter        Resetter
	IRQController   IRQController
	IRQStatus       IRQStatus

	// hardware interrupt lines of the TE related interrupts
	IRQRdPtr, IRQWrPtr, IRQAutorefresh int
}

// Resolve discovers the capabilities of b.
func Resolve(b Blocks) (c Caps, err error) {
	te := b.PingPong
	c.Path = PingPongTE
	c.IRQRdPtr, c.IRQWrPtr, c.IRQAutorefresh = IRQPingPongRdPtr, IRQPingPongWrPtr, IRQPingPongAutorefresh
	if b.HasIntfTE {
		te = b.Intf
		c.Path = IntfTE
		c.IRQRdPtr, c.IRQWrPtr, c.IRQAutorefresh = IRQIntfRdPtr, IRQIntfWrPtr, IRQIntfAutorefresh
	}
	if b.Ctl == nil || te == nil {
		return c, ErrNoBlocks
	}

	c.TearCheckSetter, _ = te.(TearCheckSetter)
	c.TearCheckEnabler, _ = te.(TearCheckEnabler)
	c.TearCheckUpdater, _ = te.(TearCheckUpdater)
	c.ReadPointerOverrider, _ = te.(ReadPointerOverrider)
	c.PointerReader, _ = te.(PointerReader)
	c.WritePointerPoller, _ = te.(WritePointerPoller)
	c.LineCounter, _ = te.(LineCounter)
	c.TEConnector, _ = te.(TEConnector)
	c.Autorefresher, _ = te.(Autorefresher)
	c.AutorefreshStatus, _ = te.(AutorefreshStatus)
	c.FrameCounterResetter, _ = te.(FrameCounterResetter)

	if b.Intf != nil {
		c.WatchdogJitter, _ = b.Intf.(WatchdogJitterConfigurer)
		c.VsyncSelector, _ = b.Intf.(VsyncSelector)
	}

	c.Trigger, _ = b.Ctl.(Trigger)
	c.SchedulerStatus, _ = b.Ctl.(SchedulerStatus)
	c.StartState, _ = b.Ctl.(StartState)
	c.FenceOverrider, _ = b.Ctl.(FenceOverrider)
	c.Resetter, _ = b.Ctl.(Resetter)
	c.IRQController, _ = b.Ctl.(IRQController)
	c.IRQStatus, _ = b.Ctl.(IRQStatus)
	return c, nil
}
