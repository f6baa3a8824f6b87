//go:build !statsview

package main

import "errors"

func launchStatsview(addr string) error {
	return errors.New("statsview not available, build with -tags statsview")
}
