//go:build statsview

package main

import (
	"fmt"
	"os"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
)

const statsviewPath = "/debug/statsview"

// launchStatsview serves runtime statistics of the simulator on addr.
func launchStatsview(addr string) error {
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(addr))
		mgr := statsview.New()
		mgr.Start()
	}()
	fmt.Fprintf(os.Stderr, "stats server available at %s%s\n", addr, statsviewPath)
	return nil
}
