// Package irq provides the per-encoder interrupt plumbing: a table mapping
// logical interrupt slots to hardware interrupts, saturating counters shared
// with interrupt handlers and wait queues to block on them.
package irq

import (
	"errors"
	"sync"
)

// Index is a logical interrupt slot of an encoder.
type Index int

const (
	CtlStart        Index = iota // controller started a frame
	CtlDone                      // controller finished a frame
	PingPong                     // pingpong done, frame written to panel
	RdPtr                        // panel read pointer reached irq line, i.e. TE
	WrPtr                        // write pointer started, frame presented
	AutorefreshDone              // autorefresh frame done
	NumIndex
)

var indexNames = [NumIndex]string{
	"ctl_start", "ctl_done", "pp_done", "rd_ptr", "wr_ptr", "autorefresh_done",
}

func (i Index) String() string {
	if i < 0 || i >= NumIndex {
		return "invalid"
	}
	return indexNames[i]
}

var (
	ErrNotSetup      = errors.New("irq: slot not set up")
	ErrRegistered    = errors.New("irq: already registered")
	ErrNotRegistered = errors.New("irq: not registered")
)

// Attacher connects handlers to hardware interrupt lines.  Handlers may be
// called from any goroutine and must not block.
type Attacher interface {
	Attach(hwIdx int, fn func()) error
	Detach(hwIdx int)
}

type slot struct {
	hwIdx      int
	handler    func()
	setup      bool
	registered bool
	count      uint64
}

// Table maps the slots of a single encoder to hardware interrupts.
type Table struct {
	mu    sync.Mutex
	att   Attacher
	slots [NumIndex]slot
}

// NewTable returns an empty table.  If att is nil, interrupts are only
// delivered by calling Dispatch.
func NewTable(att Attacher) *Table {
	return &Table{att: att}
}

// Setup assigns the hardware interrupt and handler of slot idx.  The slot
// must not be registered.
func (t *Table) Setup(idx Index, hwIdx int, handler func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[idx]
	if s.registered {
		return ErrRegistered
	}
	*s = slot{hwIdx: hwIdx, handler: handler, setup: true}
	return nil
}

func (t *Table) Register(idx Index) error {
	t.mu.Lock()
	s := &t.slots[idx]
	switch {
	case !s.setup:
		t.mu.Unlock()
		return ErrNotSetup
	case s.registered:
		t.mu.Unlock()
		return ErrRegistered
	}
	s.registered = true
	hwIdx := s.hwIdx
	t.mu.Unlock()

	if t.att == nil {
		return nil
	}
	if err := t.att.Attach(hwIdx, func() { t.Dispatch(idx) }); err != nil {
		t.mu.Lock()
		s.registered = false
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Table) Unregister(idx Index) error {
	t.mu.Lock()
	s := &t.slots[idx]
	if !s.registered {
		t.mu.Unlock()
		return ErrNotRegistered
	}
	s.registered = false
	hwIdx := s.hwIdx
	t.mu.Unlock()

	if t.att != nil {
		t.att.Detach(hwIdx)
	}
	return nil
}

func (t *Table) Registered(idx Index) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[idx].registered
}

// HWIndex returns the hardware interrupt of slot idx, or -1 if the slot
// wasn't set up.
func (t *Table) HWIndex(idx Index) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.slots[idx].setup {
		return -1
	}
	return t.slots[idx].hwIdx
}

// Count returns how often the handler of slot idx was run.
func (t *Table) Count(idx Index) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[idx].count
}

// Dispatch runs the handler of slot idx.  Interrupts of unregistered slots
// are dropped.  The handler runs without the table's lock held, so it may
// register and unregister slots itself.
func (t *Table) Dispatch(idx Index) bool {
	t.mu.Lock()
	s := &t.slots[idx]
	if !s.registered || s.handler == nil {
		t.mu.Unlock()
		return false
	}
	s.count++
	handler := s.handler
	t.mu.Unlock()

	handler()
	return true
}
