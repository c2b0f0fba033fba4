// Package daemon implements the event-builder process lifecycle: config
// load, logging init, metrics server, the aggregation core, the control
// plane, and graceful shutdown on signal or command.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/na62exp/eventbuilder/internal/command"
	"github.com/na62exp/eventbuilder/internal/config"
	"github.com/na62exp/eventbuilder/internal/event"
	"github.com/na62exp/eventbuilder/internal/eventbuilder"
	logpkg "github.com/na62exp/eventbuilder/internal/log"
	"github.com/na62exp/eventbuilder/internal/metrics"
)

// Daemon manages the event-builder process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	builder           *eventbuilder.Builder
	collector         *event.UnfinishedEventsCollector
	metricsCollector  *metrics.Collector
	cmdHandler        *command.CommandHandler
	udsServer         *command.UDSServer
	metricsServer     *metrics.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configuration and builds a Daemon instance.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components: logging, the
// aggregation core, its background sweepers, the metrics server, and the
// UDS control plane. It does not block; call Run afterward.
func (d *Daemon) Start() error {
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("daemon: init logging: %w", err)
	}

	slog.Info("starting event-builder daemon",
		"config", d.configPath,
		"socket", d.socketPath,
		"event_pool_size", d.config.EventBuilder.EventPoolSize,
	)

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	if err := d.startMetricsServer(); err != nil {
		return fmt.Errorf("daemon: start metrics server: %w", err)
	}

	builder, err := eventbuilder.New(d.config, nil)
	if err != nil {
		return fmt.Errorf("daemon: build event-builder core: %w", err)
	}
	d.builder = builder

	sweepInterval, err := time.ParseDuration(d.config.EventBuilder.UnfinishedSweepInterval)
	if err != nil || sweepInterval <= 0 {
		slog.Warn("invalid event_builder.unfinished_sweep_interval, defaulting to 1s",
			"value", d.config.EventBuilder.UnfinishedSweepInterval)
		sweepInterval = time.Second
	}
	d.collector = event.NewUnfinishedEventsCollector(builder.Pool(), sweepInterval)
	go d.collector.Run(d.ctx)

	d.metricsCollector = metrics.NewCollector(builder.SourceIDManager(), builder.Counters(), builder.Pool(), sweepInterval)
	go d.metricsCollector.Run(d.ctx)

	go func() {
		if err := builder.Run(d.ctx); err != nil && d.ctx.Err() == nil {
			slog.Error("event-builder core stopped with error", "error", err)
		}
	}()

	d.cmdHandler = command.NewCommandHandler(builder, d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via control plane")
		close(d.shutdownChan)
	})

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			slog.Error("uds server failed", "error", err)
		}
	}()

	slog.Info("daemon started successfully")
	return nil
}

// TriggerShutdown requests shutdown the same way the control plane's
// shutdown command does, for use by supervisors and tests that don't want
// to send an OS signal.
func (d *Daemon) TriggerShutdown() {
	select {
	case <-d.shutdownChan:
	default:
		close(d.shutdownChan)
	}
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	slog.Info("initiating graceful shutdown")

	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing pid file", "error", err)
	}

	slog.Info("daemon stopped gracefully")
}

// Run blocks until shutdown is triggered by an OS signal, a control-plane
// shutdown command, or context cancellation. SIGHUP triggers a config
// reload instead of shutting down.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil
			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				} else {
					slog.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads logging configuration from the config file. The
// aggregation core's shape (source table, pool size, expected fragment
// counts) is cold-only: changing it mid-run would invalidate every Event
// slot's preallocated Subevent arrays, so those fields are read at Start
// and ignored here, matching the teacher's hot/cold reload split.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("daemon: load new config: %w", err)
	}

	oldConfig := d.config
	oldLevel, oldFormat := oldConfig.Log.Level, oldConfig.Log.Format
	d.config = newConfig
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != oldLevel || newConfig.Log.Format != oldFormat {
		slog.Info("log configuration hot-reloaded")
	}

	requiresRestart := []string{}
	if newConfig.EventBuilder.EventPoolSize != oldConfig.EventBuilder.EventPoolSize {
		requiresRestart = append(requiresRestart, "event_builder.event_pool_size")
	}
	if newConfig.Metrics.Listen != oldConfig.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if len(requiresRestart) > 0 {
		slog.Warn("configuration changes require a restart to take effect", "fields", requiresRestart)
	}

	return nil
}

func (d *Daemon) initLogging() error {
	fileCfg := (*logpkg.FileOutput)(nil)
	if d.config.Log.File != nil {
		fileCfg = &logpkg.FileOutput{
			Filename:   d.config.Log.File.Filename,
			MaxSizeMB:  d.config.Log.File.MaxSizeMB,
			MaxBackups: d.config.Log.File.MaxBackups,
			MaxAgeDays: d.config.Log.File.MaxAgeDays,
			Compress:   d.config.Log.File.Compress,
		}
	}
	return logpkg.Init(logpkg.Config{
		Level:   d.config.Log.Level,
		Format:  d.config.Log.Format,
		Console: d.config.Log.Console,
		File:    fileCfg,
	})
}

func (d *Daemon) startMetricsServer() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return err
	}
	slog.Info("metrics server started", "addr", d.config.Metrics.Listen, "path", d.config.Metrics.Path)
	return nil
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("write pid file %s: %w", d.pidFile, err)
	}
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", d.pidFile, err)
	}
	return nil
}
