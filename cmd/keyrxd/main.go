// keyrxd - keyboard remapping daemon
//
// keyrxd captures keyboards below the application layer, runs every key
// event through the active keymap and injects the result:
//
//	keyrxd run            Run the remapping daemon
//	keyrxd list-devices   List keyboards the grab backend can see
//	keyrxd record         Record key events from one keyboard
package main

import (
	"errors"
	"fmt"
	"os"

	"keyrxd/internal/config"
	"keyrxd/internal/platform"
)

// Version is set at build time.
var Version = "dev"

// Exit codes.
const (
	exitOK         = 0
	exitRuntime    = 1
	exitConfig     = 2
	exitPermission = 3
)

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: exitConfig, err: err} }

// exitCode maps err to a process exit code. Permission failures from the
// platform layer win over the code the error was tagged with.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, platform.ErrPermissionDenied) {
		return exitPermission
	}
	if errors.Is(err, config.ErrInvalidConfig) {
		return exitConfig
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitRuntime
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitRuntime)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "run":
		err = cmdRun(os.Args[2:])
	case "list-devices":
		err = cmdListDevices(os.Args[2:])
	case "record":
		err = cmdRecord(os.Args[2:])
	case "version", "--version":
		fmt.Printf("keyrxd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(exitRuntime)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "keyrxd: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Println(`keyrxd - Keyboard remapping daemon

USAGE:
    keyrxd <command> [options]

COMMANDS:
    run                 Run the remapping daemon
    list-devices        List keyboards (Linux)
    record              Record key events into the recording database (Linux)
    version             Print the version
    help                Show this help message

RUN OPTIONS:
    -config <path>      Settings file (default: platform config dir)
    -keymap <path>      Keymap file, overrides the settings file
    -backend <name>     auto, grab, hook or mock
    -log-level <level>  debug, info, warn or error

SIGNALS:
    SIGINT, SIGTERM     Shut down
    SIGHUP              Reload the keymap from disk

EXIT CODES:
    0  clean shutdown
    1  runtime error
    2  invalid settings or keymap
    3  permission denied opening input devices

Use keyrxctl to query and control a running daemon.`)
}
