// keyrxctl is the control CLI for keyrxd.
package main

import (
	"flag"
	"fmt"
	"os"

	"keyrxd/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to settings file")
	socketPath = flag.String("socket", "", "control socket (default: from settings)")
	jsonOutput = flag.Bool("json", false, "print JSON instead of text")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	args := flag.Args()[1:]
	var err error
	switch cmd := flag.Arg(0); cmd {
	case "status":
		err = cmdStatus()
	case "ping":
		err = cmdPing()
	case "reload":
		err = cmdReload(args)
	case "shutdown":
		err = cmdShutdown(args)
	case "metrics":
		err = cmdMetrics(args)
	case "events":
		err = cmdEvents(args)
	case "compile":
		err = cmdCompile(args)
	case "verify":
		err = cmdVerify(args)
	case "replay":
		err = cmdReplay(args)
	case "recordings":
		err = cmdRecordings(args)
	case "version":
		fmt.Printf("keyrxctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keyrxctl - Control utility for keyrxd

Usage: keyrxctl [options] <command> [args]

Daemon commands:
  status                      Show daemon, keymap and device state
  ping                        Check that the daemon answers
  reload [-path FILE]         Reload the keymap (default: configured file)
  shutdown [-reason TEXT]     Stop the daemon
  metrics [-format F]         Print metrics (prometheus or json)
  events [-type T]            Stream processed events (processed, reload, all)

Offline commands:
  compile SRC -o OUT.krx      Compile a TOML/YAML/JSON keymap source
  verify FILE                 Load a keymap and print a summary
  replay -keymap FILE (-recording ID | -events FILE.json)
                              Run recorded events through a keymap
  recordings [list|show|export|delete] [ID]
                              Manage the recording database

Options:
  -config <path>   Settings file (default: platform config dir)
  -socket <path>   Control socket (default: from settings)
  -json            Print JSON`)
}

// loadConfig returns the settings, or defaults when none can be read.
func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		printWarning(fmt.Sprintf("settings not loaded, using defaults: %v", err))
		return config.DefaultConfig()
	}
	return cfg
}
