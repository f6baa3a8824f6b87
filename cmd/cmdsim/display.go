package main

import (
	"fmt"
	"io"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/cmdenc"
	"github.com/clktmr/cmdmode/logger"
)

// display is the parent of the simulated encoders.  It counts what the
// encoders report and always accepts recovery events.
type display struct {
	mu       sync.Mutex
	minRate  physic.Frequency
	done     map[string]int
	errors   map[string]int
	retired  map[string]int
	vblanks  map[string]int
	recovery []cmdenc.RecoveryEvent
}

func newDisplay() *display {
	return &display{
		done:    make(map[string]int),
		errors:  make(map[string]int),
		retired: make(map[string]int),
		vblanks: make(map[string]int),
	}
}

func (d *display) HandleFrameDone(e *cmdenc.Encoder, ev cmdenc.FrameEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := e.String()
	if ev&cmdenc.FrameEventDone != 0 {
		d.done[name]++
	}
	if ev&cmdenc.FrameEventError != 0 {
		d.errors[name]++
	}
	if ev&cmdenc.FrameEventSignalRetireFence != 0 {
		d.retired[name]++
	}
}

func (d *display) HandleVblank(e *cmdenc.Encoder) {
	d.mu.Lock()
	d.vblanks[e.String()]++
	d.mu.Unlock()
}

func (d *display) QsyncMinRate() physic.Frequency {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.minRate
}

func (d *display) setMinRate(f physic.Frequency) {
	d.mu.Lock()
	d.minRate = f
	d.mu.Unlock()
}

func (d *display) NotifyRecovery(ev cmdenc.RecoveryEvent) bool {
	d.mu.Lock()
	d.recovery = append(d.recovery, ev)
	d.mu.Unlock()
	logger.Logf("display", "recovery %s", ev)
	return true
}

func (d *display) PanelAlive() bool        { return true }
func (d *display) PanelDisconnected() bool { return false }

func (d *display) framesDone(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done[name]
}

func (d *display) print(w io.Writer, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(w, "  frames done %d, errors %d, retired %d, vblanks %d\n",
		d.done[name], d.errors[name], d.retired[name], d.vblanks[name])
}
