package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/clktmr/cmdmode/cmdenc"
	"github.com/clktmr/cmdmode/logger"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return ret
}

const usageString = `Command mode panel simulator.

Usage: %s [flags] [script]

Runs commands against simulated command mode encoders.  Without a script,
commands are read from stdin.

The commands are:

	enable			enable the encoders
	disable			disable the encoders
	kickoff [n]		commit n frames
	autorefresh <frames>	self refresh every frames TE pulses, 0 disables
	qsync <fps>		variable refresh minimum rate, 0 disables
	lowpower on|off		low power panel mode
	drop <irq> <n>		drop the next n interrupts
	te on|off		panel TE output
	jitter <percent>	TE jitter
	vblank			wait for the next TE pulse
	stats			print the encoder counters
	log [n]			print the last n log entries
	sleep <duration>	pause the script
	quit			exit

Flags:
`

var (
	rate       = flag.Uint("rate", 60, "refresh rate in Hz")
	vdisplay   = flag.Uint("vdisplay", 2400, "active lines")
	vtotal     = flag.Uint("vtotal", 2450, "total lines")
	jitter     = flag.Uint("jitter", 10, "tolerated TE jitter in percent")
	timeout    = flag.Duration("timeout", cmdenc.DefaultOptions().KickoffTimeout, "kickoff timeout")
	disableSeq = flag.String("disable-seq", "none", "autorefresh disable sequence: none | two-phase")
	ctlDone    = flag.Bool("ctl-done", false, "frame done on controller done interrupt")
	intfTE     = flag.Bool("intf-te", false, "tear check on the interface block")
	dual       = flag.Bool("dual", false, "drive the display with a master and a slave encoder")
	verbose    = flag.Bool("v", false, "echo the log, including debug entries")
	statsAddr  = flag.String("statsview", "", "serve runtime stats on `addr`")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), usageString, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() > 1 {
		flag.Usage()
		os.Exit(1)
	}

	if *verbose {
		logger.SetEcho(os.Stderr)
		logger.SetVerbose(true)
	}
	if *statsAddr != "" {
		if err := launchStatsview(*statsAddr); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cfg := config{
		VDisplay:   uint32(*vdisplay),
		VTotal:     uint32(*vtotal),
		Rate:       *rate,
		Jitter:     uint32(*jitter),
		Timeout:    *timeout,
		DisableSeq: *disableSeq,
		CtlDone:    *ctlDone,
		IntfTE:     *intfTE,
		Dual:       *dual,
	}
	s := must(newSession(cfg, os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	wait := s.start(ctx)

	in, prompt := os.Stdin, term.IsTerminal(int(os.Stdin.Fd()))
	if flag.NArg() == 1 {
		in = must(os.Open(flag.Arg(0)))
		prompt = false
	}
	err := s.run(ctx, in, prompt)

	stop()
	if werr := wait(); err == nil {
		err = werr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// fatal is the encoders' last resort: print what led here and stop.
func fatal(msg string) {
	logger.Tail(os.Stderr, 50)
	fmt.Fprintln(os.Stderr, "fatal:", msg)
	os.Exit(2)
}
