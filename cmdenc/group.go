package cmdenc

import (
	"errors"

	"golang.org/x/sync/errgroup"
)

// Group is a set of encoders driving one display together.  The master
// drives the shared timing, slaves mirror it.
type Group struct {
	Master *Encoder
	Slaves []*Encoder
}

func (g *Group) all() []*Encoder {
	return append([]*Encoder{g.Master}, g.Slaves...)
}

// Enable enables the master before the slaves.
func (g *Group) Enable() error {
	var errs []error
	for _, e := range g.all() {
		errs = append(errs, e.Enable())
	}
	return errors.Join(errs...)
}

// Disable disables the slaves before the master.
func (g *Group) Disable() error {
	var errs []error
	all := g.all()
	for i := len(all) - 1; i >= 0; i-- {
		errs = append(errs, all[i].Disable())
	}
	return errors.Join(errs...)
}

// Kickoff prepares and triggers a frame on every encoder, then waits for
// all of them to complete concurrently.
func (g *Group) Kickoff() error {
	all := g.all()
	var errs []error
	for _, e := range all {
		err := e.PrepareForKickoff()
		if errors.Is(err, ErrNeedsHWReset) {
			return err
		}
		errs = append(errs, err)
	}
	for _, e := range all {
		if err := e.TriggerStart(); err != nil {
			return errors.Join(append(errs, err)...)
		}
	}

	var eg errgroup.Group
	for _, e := range all {
		eg.Go(e.WaitForCommitDone)
	}
	return errors.Join(append(errs, eg.Wait())...)
}
