package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"keyrxd/internal/config"
	"keyrxd/internal/ipc"
	"keyrxd/internal/keymap"
	"keyrxd/internal/logging"
	"keyrxd/internal/metrics"
	"keyrxd/internal/pipeline"
	"keyrxd/internal/platform"
)

const shutdownTimeout = 5 * time.Second

// daemon wires settings, the remapping engine and the control server.
type daemon struct {
	loader  *config.Loader
	log     *logging.Logger
	crash   *logging.CrashHandler
	metrics *metrics.RemapMetrics
	engine  *pipeline.Engine
	server  *ipc.Server
	handler *ipc.DaemonHandler

	// overrides reapplies command-line flags to reloaded settings.
	overrides func(*config.Config)
	watcher   *fileWatcher

	mu         sync.Mutex
	cfg        *config.Config
	keymapPath string

	stop chan string
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Settings file")
	keymapPath := fs.String("keymap", "", "Keymap file (overrides settings)")
	backend := fs.String("backend", "", "Capture backend: auto, grab, hook, mock")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.Parse(args)

	if *configPath == "" {
		*configPath = config.FindConfigFile()
	}
	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		return configError(fmt.Errorf("load settings: %w", err))
	}

	overrides := func(c *config.Config) {
		if *keymapPath != "" {
			c.Keymap.Path = *keymapPath
		}
		if *backend != "" {
			c.Input.Backend = *backend
		}
		if *logLevel != "" {
			c.Logging.Level = *logLevel
		}
		if abs, err := filepath.Abs(c.Keymap.Path); err == nil {
			c.Keymap.Path = abs
		}
	}
	overrides(cfg)
	if err := cfg.Validate(); err != nil {
		return configError(err)
	}

	d := &daemon{
		loader:     loader,
		overrides:  overrides,
		cfg:        cfg,
		keymapPath: cfg.Keymap.Path,
		stop:       make(chan string, 1),
	}
	return d.run()
}

// newLogger builds the daemon logger from the logging section.
func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAgeDays,
		Compress:   lc.Compress,
		RedactKeys: lc.RedactKeys,
		Component:  "keyrxd",
	})
}

func (d *daemon) run() error {
	cfg := d.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return configError(fmt.Errorf("logging: %w", err))
	}
	defer logger.Close()
	logging.SetDefault(logger)
	d.log = logger.WithComponent("daemon")

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(config.PlatformLogDir(), "crashes"),
		Version:   Version,
		Component: "daemon",
		Logger:    d.log,
	})

	// A keymap that does not load is fatal at startup.
	data, err := keymap.ReadEncoded(d.keymapPath)
	if err != nil {
		d.log.Error("keymap unreadable", "path", d.keymapPath, "error", err)
		return configError(fmt.Errorf("read keymap: %w", err))
	}
	km, err := keymap.Load(data)
	if err != nil {
		d.log.Error("keymap rejected", "path", d.keymapPath, "error", err)
		return configError(fmt.Errorf("load keymap %s: %w", d.keymapPath, err))
	}

	backend, err := platform.New(platform.Options{
		Backend:           cfg.Input.Backend,
		Include:           cfg.Input.Include,
		Exclude:           cfg.Input.Exclude,
		VirtualDeviceName: cfg.Input.VirtualDeviceName,
		WatchHotplug:      cfg.Input.Hotplug,
		WatchSleep:        cfg.Power.WatchSleep,
		Logger:            logger,
	})
	if err != nil {
		d.log.Error("no capture backend", "backend", cfg.Input.Backend, "error", err)
		return err
	}
	if ok, reason := backend.Available(); !ok {
		d.log.Error("capture backend unavailable", "backend", backend.Name(), "reason", reason)
		return &exitError{code: exitRuntime, err: fmt.Errorf("backend %s unavailable: %s", backend.Name(), reason)}
	}

	d.metrics = metrics.NewRemapMetrics(metrics.NewRegistry("keyrxd", ""))
	d.engine, err = pipeline.NewEngine(km, pipeline.Options{
		Backend:      backend,
		QueueSize:    cfg.Input.QueueSize,
		TickInterval: time.Duration(cfg.Input.TickIntervalMs) * time.Millisecond,
		RecentEvents: cfg.Input.RecentEvents,
		Metrics:      d.metrics,
		Logger:       logger,
		Crash:        d.crash,
	})
	if err != nil {
		return err
	}
	d.crash.SetSessionID(d.engine.ID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.engine.Start(ctx); err != nil {
		d.log.Error("capture failed to start", "backend", backend.Name(), "error", err)
		return err
	}
	d.log.Info("keyrxd started",
		"version", Version,
		"session", d.engine.ID(),
		"backend", backend.Name(),
		"keymap", km.Metadata.Name,
		"fingerprint", d.engine.Fingerprint().String(),
	)

	if cfg.IPC.Enabled {
		if err := d.startControl(ctx); err != nil {
			d.shutdown("control socket failed")
			return err
		}
	}

	if cfg.Keymap.Watch {
		w, err := watchFile(d.currentKeymapPath, config.DebounceDelay, func() { d.reloadKeymap("keymap file changed") }, d.log)
		if err != nil {
			d.log.Warn("keymap watch disabled", "error", err)
		} else {
			d.watcher = w
			defer w.Close()
		}
	}

	d.loader.OnChange(d.settingsChanged)
	if err := d.loader.Watch(); err != nil {
		d.log.Debug("settings watch disabled", "path", d.loader.Path(), "error", err)
	} else {
		go d.logLoaderErrors(ctx)
	}
	defer d.loader.Close()

	if cfg.Metrics.StatsIntervalSec > 0 {
		go d.statsLoop(ctx, time.Duration(cfg.Metrics.StatsIntervalSec)*time.Second)
	}

	return d.wait()
}

func (d *daemon) startControl(ctx context.Context) error {
	cfg := d.cfg.IPC
	d.handler = ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Engine:     d.engine,
		Metrics:    d.metrics,
		Version:    Version,
		ConfigPath: d.loader.Path(),
		KeymapPath: d.currentKeymapPath(),
		Logger:     d.log,
	})

	scfg := ipc.DefaultServerConfig(cfg.SocketPath)
	scfg.Version = Version
	scfg.MaxConnections = cfg.MaxConnections
	scfg.ReadTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	scfg.Logger = d.log
	scfg.OnShutdown = d.requestStop

	server, err := ipc.NewServer(scfg, d.handler)
	if err != nil {
		return err
	}
	d.handler.Attach(server)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	d.server = server
	go d.handler.Forward(ctx)
	return nil
}

// requestStop asks the main loop to shut down. Only the first reason is kept.
func (d *daemon) requestStop(reason string) {
	select {
	case d.stop <- reason:
	default:
	}
}

func (d *daemon) wait() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				d.reloadKeymap("SIGHUP")
				continue
			}
			d.shutdown("signal " + sig.String())
			return nil

		case reason := <-d.stop:
			d.shutdown(reason)
			return nil

		case <-d.engine.Done():
			d.log.Error("engine stopped unexpectedly")
			d.shutdown("engine stopped")
			return errors.New("engine stopped unexpectedly")
		}
	}
}

func (d *daemon) shutdown(reason string) {
	d.log.Info("shutting down", "reason", reason)
	if d.handler != nil {
		d.handler.NotifyShutdown(reason)
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.log.Warn("control socket stop failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.engine.Shutdown(ctx); err != nil {
		d.log.Warn("engine shutdown incomplete", "error", err)
	}
	d.log.Info("keyrxd stopped", d.metrics.Summary().LogArgs()...)
}

func (d *daemon) currentKeymapPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keymapPath
}

// reloadKeymap re-reads the keymap file. A failed reload keeps the current
// keymap.
func (d *daemon) reloadKeymap(reason string) {
	path := d.currentKeymapPath()
	data, err := keymap.ReadEncoded(path)
	if err != nil {
		d.metrics.RecordReload(err)
		d.log.Error("keymap reload failed, keeping current keymap", "reason", reason, "path", path, "error", err)
		return
	}

	before := d.engine.Fingerprint()
	if err := d.engine.ReloadConfig(data); err != nil {
		return
	}
	if d.engine.Fingerprint() != before && d.handler != nil {
		d.handler.NotifyReload()
	}
}

// settingsChanged applies a settings reload. Only the keymap path is applied
// live; the other sections take effect on restart.
func (d *daemon) settingsChanged(cfg *config.Config) {
	cfg = cfg.Clone()
	d.overrides(cfg)

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	changed := cfg.Keymap.Path != d.keymapPath
	d.keymapPath = cfg.Keymap.Path
	d.mu.Unlock()

	d.log.Info("settings reloaded", "path", d.loader.Path())
	if changed {
		if d.handler != nil {
			d.handler.SetKeymapPath(cfg.Keymap.Path)
		}
		if d.watcher != nil {
			if err := d.watcher.Retarget(); err != nil {
				d.log.Warn("keymap watch not moved", "path", cfg.Keymap.Path, "error", err)
			}
		}
		d.reloadKeymap("keymap path changed")
	}
	if old.Input.Backend != cfg.Input.Backend || old.IPC.SocketPath != cfg.IPC.SocketPath {
		d.log.Warn("backend and socket changes apply after restart")
	}
}

func (d *daemon) logLoaderErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-d.loader.Errors():
			d.log.Error("settings reload failed, keeping current settings", "error", err)
		}
	}
}

func (d *daemon) statsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateUptime()
			d.log.Info("stats", d.metrics.Summary().LogArgs()...)
		}
	}
}
