//go:build !linux

package main

import (
	"fmt"
	"runtime"
)

func cmdListDevices([]string) error {
	return fmt.Errorf("list-devices is not supported on %s", runtime.GOOS)
}

func cmdRecord([]string) error {
	return fmt.Errorf("record is not supported on %s", runtime.GOOS)
}
