package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"keyrxd/internal/ipc"
)

func connect() (*ipc.IPCClient, error) {
	path := *socketPath
	if path == "" {
		path = loadConfig().IPC.SocketPath
	}

	cfg := ipc.DefaultClientConfig(path)
	cfg.ClientName = "keyrxctl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w\n  %sTip%s: start the daemon with: keyrxd run", err, c.Dim, c.Reset)
		}
		return nil, fmt.Errorf("cannot connect to daemon: %w", err)
	}
	return client, nil
}

func cmdPing() error {
	client, err := connect()
	if err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		return err
	}
	defer client.Close()

	start := time.Now()
	if err := client.Ping(); err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RESPONDING%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		return err
	}
	fmt.Printf("  %sDaemon%s  %s%sRUNNING%s (latency: %s)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset,
		time.Since(start).Round(time.Microsecond))
	return nil
}

func cmdStatus() error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	status, err := client.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}
	if *jsonOutput {
		return printJSON(status)
	}
	printStatus(status)
	return nil
}

func printStatus(status *ipc.StatusResponse) {
	e := status.Engine
	printSection("DAEMON")
	printField("Version", status.Version)
	printField("PID", status.PID)
	printField("Uptime", status.Uptime.Round(time.Second))
	printField("Session", e.SessionID)
	printField("Backend", e.Backend)
	printField("Clients", status.Clients)
	if status.ConfigPath != "" {
		printField("Settings", status.ConfigPath)
	}
	if e.Poisoned {
		printField("Locks", c.Yellow+"recovered from a panic"+c.Reset)
	}

	printSection("KEYMAP")
	printField("Name", e.Keymap.Name)
	printField("File", status.KeymapPath)
	printField("Fingerprint", e.Keymap.Fingerprint)
	printField("Layers", strings.Join(e.Keymap.Layers, ", "))
	printField("Bindings", e.Keymap.Entries)
	if !e.Keymap.CompiledAt.IsZero() {
		printField("Compiled", e.Keymap.CompiledAt.Format(time.RFC3339))
	}
	printField("Loaded", e.Keymap.LoadedAt.Format(time.RFC3339))

	printSection("DEVICES")
	if len(e.Devices) == 0 {
		fmt.Printf("  %snone%s\n", c.Dim, c.Reset)
	}
	for _, d := range e.Devices {
		fmt.Printf("  %s%s%s  %s\n", c.Cyan, d.Name, c.Reset, d.ID)
		printField("Layer", fmt.Sprintf("%s (%d)", d.LayerName, d.Layer))
		if len(d.Modifiers) > 0 {
			printField("Modifiers", d.Modifiers)
		}
		if len(d.Locks) > 0 {
			printField("Locks", d.Locks)
		}
		if d.OneShotLayer != nil {
			printField("One-shot", *d.OneShotLayer)
		}
		if d.PendingKey != "" {
			printField("Pending", d.PendingKey)
		}
		printField("Held keys", d.HeldKeys)
	}

	m := e.Metrics
	printSection("PIPELINE")
	printField("Queue", fmt.Sprintf("%d/%d", e.QueueLen, e.QueueCap))
	printField("Events", m.Events)
	printField("Outputs", m.Outputs)
	printField("Dropped", m.Dropped)
	printField("Unmapped", m.Unmapped)
	printField("Reloads", m.Reloads)
	printField("p99 latency", fmt.Sprintf("%.0fµs", m.LatencyP99Us))

	if len(e.Recent) > 0 {
		printSection("RECENT EVENTS")
		for _, pe := range e.Recent {
			printProcessed(pe.Device, pe.Tick, pe.Input.Key.String(), pe.Input.Kind.String(), outputsString(pe.Outputs), pe.LatencyUs)
		}
	}
	fmt.Println()
}

func cmdReload(args []string) error {
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	path := fs.String("path", "", "Keymap file to load instead of the configured one")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Reload(ipc.ReloadRequest{Path: *path})
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if *jsonOutput {
		return printJSON(resp)
	}
	if resp.Changed {
		fmt.Printf("%s%sReloaded%s keymap %q (%s)\n", c.Bold, c.Green, c.Reset, resp.Keymap, resp.Fingerprint)
	} else {
		fmt.Printf("Keymap %q unchanged (%s)\n", resp.Keymap, resp.Fingerprint)
	}
	return nil
}

func cmdShutdown(args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ExitOnError)
	reason := fs.String("reason", "keyrxctl shutdown", "Reason recorded in the daemon log")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Shutdown(*reason); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("Daemon is shutting down.")
	return nil
}

func cmdMetrics(args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ExitOnError)
	format := fs.String("format", "prometheus", "prometheus or json")
	fs.Parse(args)

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Metrics(*format)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	fmt.Print(resp.Text)
	return nil
}

func cmdEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	kind := fs.String("type", "all", "processed, reload or all")
	fs.Parse(args)

	var types []ipc.EventType
	switch *kind {
	case "all":
	case "processed":
		types = []ipc.EventType{ipc.EventProcessed}
	case "reload":
		types = []ipc.EventType{ipc.EventKeymapReloaded, ipc.EventDaemonShutdown}
	default:
		return fmt.Errorf("unknown event type %q", *kind)
	}

	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Subscribe(types...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	if !*jsonOutput {
		fmt.Fprintln(os.Stderr, "Streaming events. Press Ctrl+C to stop.")
	}
	for {
		select {
		case <-sig:
			return nil
		case ev, ok := <-client.Events():
			if !ok {
				return errors.New("daemon closed the connection")
			}
			if *jsonOutput {
				if err := printJSON(ev); err != nil {
					return err
				}
				continue
			}
			printEvent(ev)
			if ev.Type == ipc.EventDaemonShutdown {
				return nil
			}
		}
	}
}

func printEvent(ev *ipc.Event) {
	switch ev.Type {
	case ipc.EventProcessed:
		pe, err := ev.Processed()
		if err != nil {
			printWarning(fmt.Sprintf("bad event: %v", err))
			return
		}
		printProcessed(pe.Device, pe.Tick, pe.Input.Key.String(), pe.Input.Kind.String(), outputsString(pe.Outputs), pe.LatencyUs)
	default:
		fmt.Printf("%s[%s]%s %s%s%s %s\n", c.Dim, ev.Timestamp.Local().Format("15:04:05.000"), c.Reset,
			c.Yellow, eventTypeName(ev.Type), c.Reset, string(ev.Data))
	}
}

func printProcessed(device string, tick bool, key, kind, outputs string, latencyUs int64) {
	input := key + " " + kind
	if tick {
		input = "(timeout)"
	}
	fmt.Printf("  %-24s %-18s -> %-30s %s%dµs%s\n", device, input, outputs, c.Dim, latencyUs, c.Reset)
}

func eventTypeName(et ipc.EventType) string {
	switch et {
	case ipc.EventProcessed:
		return "Processed"
	case ipc.EventKeymapReloaded:
		return "KeymapReloaded"
	case ipc.EventDeviceChanged:
		return "DeviceChanged"
	case ipc.EventDaemonShutdown:
		return "DaemonShutdown"
	default:
		return fmt.Sprintf("Unknown(%d)", et)
	}
}
