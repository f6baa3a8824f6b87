package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/physic"

	"github.com/clktmr/cmdmode/cmdenc"
	"github.com/clktmr/cmdmode/hw"
	"github.com/clktmr/cmdmode/hw/sim"
	"github.com/clktmr/cmdmode/logger"
	"github.com/clktmr/cmdmode/tearcheck"
)

var (
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command")
	errQuit    = errors.New("quit")
)

type config struct {
	VDisplay, VTotal uint32
	Rate             uint
	Jitter           uint32
	Timeout          time.Duration
	DisableSeq       string
	CtlDone          bool
	IntfTE           bool
	Dual             bool
}

// session is a simulated display: one panel per encoder and the encoder
// group driving them.
type session struct {
	out      io.Writer
	disp     *display
	panels   []*sim.Panel
	group    *cmdenc.Group
	encoders []*cmdenc.Encoder
}

func newSession(cfg config, out io.Writer) (*session, error) {
	mode := tearcheck.Mode{
		VDisplay: cfg.VDisplay,
		VTotal:   cfg.VTotal,
		Rate:     physic.Frequency(cfg.Rate) * physic.Hertz,
		Jitter:   tearcheck.Jitter{Numer: cfg.Jitter, Denom: 1},
	}

	opts := cmdenc.DefaultOptions()
	opts.KickoffTimeout = cfg.Timeout
	opts.CtlDoneSupport = cfg.CtlDone
	opts.Fatal = fatal
	switch cfg.DisableSeq {
	case "", "none":
		opts.DisableSeq = cmdenc.DisableSeqNone
	case "two-phase":
		opts.DisableSeq = cmdenc.DisableSeqTwoPhase
	default:
		return nil, fmt.Errorf("unknown disable sequence %q", cfg.DisableSeq)
	}

	s := &session{out: out, disp: newDisplay()}
	roles := []cmdenc.Role{cmdenc.RoleSolo}
	if cfg.Dual {
		roles = []cmdenc.Role{cmdenc.RoleMaster, cmdenc.RoleSlave}
	}
	for i, role := range roles {
		p := sim.New(i, mode)
		opts.Role = role
		e, err := cmdenc.New(s.disp, p.Blocks(cfg.IntfTE), opts)
		if err != nil {
			return nil, err
		}
		e.ModeSet(mode)
		s.panels = append(s.panels, p)
		s.encoders = append(s.encoders, e)
	}
	s.group = &cmdenc.Group{Master: s.encoders[0], Slaves: s.encoders[1:]}
	return s, nil
}

// start runs the panels until ctx is done.  The returned function waits
// for them to stop.
func (s *session) start(ctx context.Context) (wait func() error) {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range s.panels {
		eg.Go(func() error { return p.Run(ctx) })
	}
	return eg.Wait
}

// run executes the commands read from r until quit, end of input or ctx
// is done.
func (s *session) run(ctx context.Context, r io.Reader, prompt bool) error {
	scanner := bufio.NewScanner(r)
	for {
		if prompt {
			fmt.Fprint(s.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.exec(scanner.Text())
		switch {
		case errors.Is(err, errQuit):
			return nil
		case err != nil && !prompt:
			return fmt.Errorf("%q: %w", scanner.Text(), err)
		case err != nil:
			fmt.Fprintln(s.out, err)
		}
	}
}

func (s *session) exec(line string) error {
	args, err := shellquote.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 || strings.HasPrefix(args[0], "#") {
		return nil
	}
	master := s.group.Master

	switch cmd, args := args[0], args[1:]; cmd {
	case "enable":
		return s.group.Enable()
	case "disable":
		return s.group.Disable()
	case "kickoff":
		n := 1
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil {
				return err
			}
		}
		for i := range n {
			if err := s.group.Kickoff(); err != nil {
				fmt.Fprintf(s.out, "kickoff %d: %v\n", i, err)
			}
		}
	case "autorefresh":
		frames, err := uintArg(args)
		if err != nil {
			return err
		}
		master.SetAutorefresh(uint32(frames))
	case "qsync":
		fps, err := uintArg(args)
		if err != nil {
			return err
		}
		s.disp.setMinRate(physic.Frequency(fps) * physic.Hertz)
	case "lowpower":
		on, err := onOff(args)
		if err != nil {
			return err
		}
		for _, e := range s.encoders {
			e.SetLowPower(on)
		}
	case "drop":
		if len(args) != 2 {
			return errUsage
		}
		hwIdx, err := irqByName(args[0])
		if err != nil {
			return err
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		for _, p := range s.panels {
			p.Drop(hwIdx, n)
		}
	case "te":
		on, err := onOff(args)
		if err != nil {
			return err
		}
		for _, p := range s.panels {
			p.SetTE(on)
		}
	case "jitter":
		percent, err := uintArg(args)
		if err != nil {
			return err
		}
		for _, p := range s.panels {
			p.SetJitter(int(percent))
		}
	case "vblank":
		if err := master.ControlVblankIRQ(true); err != nil {
			return err
		}
		defer master.ControlVblankIRQ(false)
		return master.WaitForVblank()
	case "stats":
		s.printStats()
	case "log":
		n := 20
		if len(args) > 0 {
			if n, err = strconv.Atoi(args[0]); err != nil {
				return err
			}
		}
		logger.Tail(s.out, n)
	case "sleep":
		if len(args) != 1 {
			return errUsage
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return err
		}
		time.Sleep(d)
	case "quit":
		return errQuit
	default:
		return fmt.Errorf("%w %s", errUnknown, cmd)
	}
	return nil
}

func (s *session) printStats() {
	for _, e := range s.encoders {
		st := e.Stats()
		fmt.Fprintf(s.out, "%s: %s %s, kickoffs %d, pending %d/%d, timeouts %d\n",
			e, st.Role, st.State, st.Kickoffs, st.PendingKickoff, st.PendingRetire, st.TimeoutReports)
		s.disp.print(s.out, e.String())
		for _, name := range slices.Sorted(maps.Keys(st.IRQs)) {
			fmt.Fprintf(s.out, "  irq %s %d\n", name, st.IRQs[name])
		}
	}
}

func uintArg(args []string) (uint64, error) {
	if len(args) != 1 {
		return 0, errUsage
	}
	return strconv.ParseUint(args[0], 10, 32)
}

func onOff(args []string) (bool, error) {
	if len(args) == 1 {
		switch args[0] {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
	}
	return false, errUsage
}

func irqByName(name string) (int, error) {
	for hwIdx := range hw.NumIRQ {
		if hw.IRQName(hwIdx) == name {
			return hwIdx, nil
		}
	}
	return 0, fmt.Errorf("unknown interrupt %q", name)
}
