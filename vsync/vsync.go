// Package vsync keeps the history of panel TE pulses and selects the source
// driving the tear check vsync counter.
package vsync

import (
	"errors"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/tearcheck"
)

// ProfileCount is the number of TE timestamps kept in a Ring.
const ProfileCount = 5

var ErrBounds = errors.New("vsync: jitter bounds not computable")

// Ring holds the most recent TE timestamps.  Pushing to a full ring
// overwrites the oldest entry.  A Ring is not safe for concurrent use.
type Ring struct {
	ts     [ProfileCount]time.Time
	cursor int // next slot to write
	n      int
}

func (r *Ring) Push(t time.Time) {
	r.ts[r.cursor] = t
	r.cursor = (r.cursor + 1) % len(r.ts)
	r.n = min(r.n+1, len(r.ts))
}

func (r *Ring) Len() int { return r.n }

// Latest returns the newest timestamp, or the zero time if r is empty.
func (r *Ring) Latest() time.Time {
	if r.n == 0 {
		return time.Time{}
	}
	return r.ts[(r.cursor+len(r.ts)-1)%len(r.ts)]
}

// Each calls fn for every timestamp from newest to oldest until fn returns
// false.
func (r *Ring) Each(fn func(t time.Time) bool) {
	for i := 1; i <= r.n; i++ {
		if !fn(r.ts[(r.cursor+len(r.ts)-i)%len(r.ts)]) {
			return
		}
	}
}

func (r *Ring) Reset() { *r = Ring{} }

// Check reports whether the TE period recorded in r left the jitter bounds
// of rate.  Only pulses after since are considered.
//
// If the bounds can't be computed ErrBounds is returned, which means the
// jitter can't be evaluated, not that there is none.
func Check(r *Ring, since time.Time, rate physic.Frequency, jitter tearcheck.Jitter) (bool, error) {
	lower, upper, ok := jitter.Bounds(rate)
	if !ok {
		return false, ErrBounds
	}

	var prev time.Time
	out := false
	r.Each(func(cur time.Time) bool {
		if !prev.IsZero() && cur.After(since) {
			if d := prev.Sub(cur); d < lower || d > upper {
				out = true
				return false
			}
		}
		prev = cur
		return true
	})
	return out, nil
}

// Source selects what drives the tear check vsync counter.
type Source uint8

const (
	SourceExternal Source = iota // panel TE pin
	SourceWatchdog               // internal watchdog timer
)

func (s Source) String() string {
	switch s {
	case SourceExternal:
		return "external"
	case SourceWatchdog:
		return "watchdog"
	}
	return "unknown"
}

// JitterType selects which jitter the watchdog timer emulates.
type JitterType uint8

const (
	InstantaneousJitter JitterType = 1 << iota
	LongTermJitter
)

// WatchdogJitter describes the jitter a watchdog generated TE should have
// to match the panel it replaces.  All jitter values are in percent.
type WatchdogJitter struct {
	Type                 JitterType
	InstNumer, InstDenom uint32
	LTJNumer, LTJDenom   uint32
	LTJTime              time.Duration // period of long term jitter
}

// WatchdogConfig is the register programming for the watchdog timer
// jitter.
type WatchdogConfig struct {
	Jitter   uint32 // instantaneous jitter, 1/1024 units
	LTJMax   uint32 // long term jitter maximum, in timer ticks
	LTJSlope uint32 // long term jitter increment per frame, 1/65536 units
}

const (
	WatchdogClock = 19200 * physic.KiloHertz
	tickCount     = 16 // timer ticks per watchdog clock cycle
)

// WatchdogParams converts the panel's jitter description to watchdog timer
// settings at refresh rate.
func WatchdogParams(rate physic.Frequency, wd WatchdogJitter) WatchdogConfig {
	var cfg WatchdogConfig
	fps := uint64(rate / physic.Hertz)
	if fps == 0 {
		return cfg
	}

	if wd.Type&InstantaneousJitter != 0 && wd.InstDenom != 0 {
		cfg.Jitter = uint32((1 << 10) * uint64(wd.InstNumer) / (uint64(wd.InstDenom) * 100))
	}

	secs := uint64(wd.LTJTime / time.Second)
	if wd.Type&LongTermJitter != 0 && wd.LTJDenom != 0 && secs != 0 {
		nominal := uint64(WatchdogClock/physic.Hertz) / fps * tickCount
		cfg.LTJMax = uint32(nominal * uint64(wd.LTJNumer) / (uint64(wd.LTJDenom) * 100))
		cfg.LTJSlope = uint32((1 << 16) * uint64(cfg.LTJMax) / (secs * fps))
	}
	return cfg
}
