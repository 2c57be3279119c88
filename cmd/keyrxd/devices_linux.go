package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keyrxd/internal/config"
	"keyrxd/internal/platform"
	"keyrxd/internal/recording"
)

func cmdListDevices(args []string) error {
	fs := flag.NewFlagSet("list-devices", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Output JSON")
	fs.Parse(args)

	devices, err := platform.ListKeyboards()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}

	if len(devices) == 0 {
		fmt.Println("No readable keyboards. Check membership of the input group.")
		return nil
	}
	for _, d := range devices {
		fmt.Printf("%-22s %04x:%04x  %s\n", d.Path, d.Vendor, d.Product, d.Name)
	}
	return nil
}

func cmdRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	device := fs.String("device", "", "Device path, e.g. /dev/input/event3")
	db := fs.String("db", "", "Recording database (default: from settings)")
	name := fs.String("name", "", "Recording name")
	duration := fs.Duration("duration", 0, "Stop after this long (default: until Ctrl+C)")
	configPath := fs.String("config", "", "Settings file")
	fs.Parse(args)

	if *device == "" {
		fmt.Fprintln(os.Stderr, "Usage: keyrxd record -device /dev/input/eventN [-db FILE] [-name NAME]")
		return configError(fmt.Errorf("-device is required"))
	}

	if *db == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return configError(err)
		}
		*db = cfg.Recording.Database
	}

	var deviceName string
	if devices, err := platform.ListKeyboards(); err == nil {
		for _, d := range devices {
			if d.Path == *device {
				deviceName = d.Name
			}
		}
	}

	store, err := recording.Open(*db)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	rec := recording.NewRecorder(*name, *device, deviceName)
	events := make(chan platform.RawEvent, 256)
	errc := make(chan error, 1)
	go func() {
		errc <- platform.Watch(ctx, *device, func(ev platform.RawEvent) { events <- ev })
		close(events)
	}()

	fmt.Printf("Recording %s. Press Ctrl+C to stop.\n", *device)
	for ev := range events {
		rec.Add(ev.Event())
		fmt.Printf("\r%d events", rec.Len())
	}
	fmt.Println()

	if err := <-errc; err != nil {
		return err
	}
	if err := store.Save(rec.Recording()); err != nil {
		return fmt.Errorf("save recording: %w", err)
	}

	r := rec.Recording()
	fmt.Printf("Saved recording %s (%d events, %s) to %s\n",
		r.ID, len(r.Events), r.Duration().Round(time.Millisecond), *db)
	return nil
}
