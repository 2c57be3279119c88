//go:build !linux && !windows

package platform

import (
	"fmt"
	"runtime"
)

const nativeBackend = "none"

func defaultBackend() string { return "mock" }

func newNative(Options) (Backend, error) {
	return nil, &Error{Op: "select backend", Kind: KindNotAvailable,
		Err: fmt.Errorf("no native backend on %s", runtime.GOOS)}
}
