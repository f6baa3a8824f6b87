package sim

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/clktmr/cmdmode/tearcheck"
)

// Run generates TE pulses at the mode's refresh rate until ctx is done.  A
// pending trigger starts a transfer with the next pulse, an enabled
// autorefresh transfers a frame every FrameCount pulses.  Transfers take a
// quarter of the frame period.
//
// Run must not be combined with SetAutoComplete.
func (p *Panel) Run(ctx context.Context) error {
	p.mu.Lock()
	period := tearcheck.Period(p.mode.Rate)
	seed := uint64(p.id)
	p.mu.Unlock()
	if period <= 0 {
		return tearcheck.ErrInvalidTiming
	}

	rng := rand.New(rand.NewPCG(seed, uint64(period)))
	timer := time.NewTimer(period)
	defer timer.Stop()

	var idle uint32 // pulses since the last transfer
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		p.mu.Lock()
		jitter := p.jitter
		p.mu.Unlock()
		next := period
		if jitter > 0 {
			d := int64(period) * int64(jitter) / 100
			next += time.Duration(rng.Int64N(2*d+1) - d)
		}
		timer.Reset(next)

		if !p.Vsync() {
			continue
		}
		idle++

		p.mu.Lock()
		start, ar := p.startPending, p.ar
		p.mu.Unlock()
		switch {
		case start:
			idle = 0
			p.StartFrame()
			p.finishAfter(ctx, period/4, false)
		case ar.Enable && ar.FrameCount > 0 && idle >= ar.FrameCount:
			idle = 0
			p.StartFrame()
			p.finishAfter(ctx, period/4, true)
		}
	}
}

func (p *Panel) finishAfter(ctx context.Context, d time.Duration, autorefresh bool) {
	time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		p.FinishFrame()
		if autorefresh {
			p.mu.Lock()
			_, _, ar := p.teLines()
			p.mu.Unlock()
			p.Raise(ar)
		}
	})
}
