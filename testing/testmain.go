// Package testing provides utilities for writing cmdmode tests.
package testing

import (
	"flag"
	"os"
	"testing"
	"time"

	"github.com/clktmr/cmdmode/logger"
)

// TestMain should be used as TestMain for all cmdmode tests.  In verbose
// mode the central log, including debug entries, is echoed to stderr.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Verbose() {
		logger.SetEcho(os.Stderr)
		logger.SetVerbose(true)
	}
	os.Exit(m.Run())
}

// Eventually polls cond until it returns true or timeout elapses.  It is
// meant for conditions changed by simulated interrupts on other goroutines.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout after %v: %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}
