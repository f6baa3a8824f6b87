package cmdenc

import (
	"errors"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/vsync"
)

var (
	ErrTimeout           = errors.New("cmdenc: timeout")
	ErrPanelUnresponsive = errors.New("cmdenc: panel unresponsive")
	ErrNeedsHWReset      = errors.New("cmdenc: hardware reset required")
	ErrInvalidConfig     = errors.New("cmdenc: invalid configuration")
	ErrUnsupported       = errors.New("cmdenc: unsupported by hardware")
)

// Role of an encoder in a group of encoders driving one display.
type Role uint8

const (
	RoleSolo Role = iota
	RoleMaster
	RoleSlave
)

func (r Role) String() string {
	switch r {
	case RoleSolo:
		return "solo"
	case RoleMaster:
		return "master"
	case RoleSlave:
		return "slave"
	}
	return "unknown"
}

// State is the enable state of an encoder.
type State uint8

const (
	StateDisabled State = iota
	StateEnabled

	// StateNeedsHWReset is entered after a frame transfer timed out.  The
	// next kickoff resets the hardware first.
	StateNeedsHWReset
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateNeedsHWReset:
		return "needs-hw-reset"
	}
	return "unknown"
}

// TriggerMode selects how a commit waits for the frame transfer.
type TriggerMode uint8

const (
	// TriggerDefault waits for the previous frame before each kickoff.
	TriggerDefault TriggerMode = iota

	// TriggerPostedStart doesn't wait before kickoff, the pending counters
	// throttle the commits.
	TriggerPostedStart

	// TriggerSerialize waits for the transfer to complete before a commit
	// returns.
	TriggerSerialize
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerDefault:
		return "default"
	case TriggerPostedStart:
		return "posted-start"
	case TriggerSerialize:
		return "serialize"
	}
	return "unknown"
}

// FrameEvent flags are passed to Parent.HandleFrameDone.
type FrameEvent uint32

const (
	FrameEventDone FrameEvent = 1 << iota
	FrameEventError
	FrameEventSignalReleaseFence
	FrameEventSignalRetireFence
)

func (ev FrameEvent) String() string {
	names := []string{"done", "error", "release", "retire"}
	s := ""
	for i, n := range names {
		if ev&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// RecoveryEvent is passed to Parent.NotifyRecovery.
type RecoveryEvent uint8

const (
	RecoveryCapture RecoveryEvent = iota // hang detected, capture state
	RecoverySuccess                      // frames are flowing again
)

func (ev RecoveryEvent) String() string {
	if ev == RecoverySuccess {
		return "success"
	}
	return "capture"
}

// Parent is the display orchestrator owning an encoder.  Its methods are
// called from interrupt handlers and must not block.  Frame done and vblank
// callbacks of one encoder are never called concurrently.
type Parent interface {
	HandleFrameDone(e *Encoder, ev FrameEvent)
	HandleVblank(e *Encoder)

	// QsyncMinRate returns the variable refresh minimum rate, or zero if
	// variable refresh is off.
	QsyncMinRate() physic.Frequency

	// NotifyRecovery reports ev to a recovery listener.  It returns false
	// if there is none.
	NotifyRecovery(ev RecoveryEvent) bool

	PanelAlive() bool
	PanelDisconnected() bool
}

// DisplayInfo describes how the display wants its vsync generated.
type DisplayInfo struct {
	WatchdogTE bool // drive TE from the watchdog timer
	Jitter     vsync.WatchdogJitter
}

// Stats is a snapshot of an encoder's counters.
type Stats struct {
	State              State
	Role               Role
	PendingKickoff     int32
	PendingRetire      int32
	PendingVblank      int32
	AutorefreshKickoff int32
	TimeoutReports     int
	VblankRefs         int
	Kickoffs           uint64
	IRQs               map[string]uint64
}
