package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luoyjx/tidesync/cache"
	"github.com/luoyjx/tidesync/config"
	"github.com/luoyjx/tidesync/connectivity"
	"github.com/luoyjx/tidesync/offline"
	"github.com/luoyjx/tidesync/redisprotocol"
	"github.com/luoyjx/tidesync/remote"
	"github.com/luoyjx/tidesync/storage"
	"github.com/luoyjx/tidesync/syncer"
	"github.com/luoyjx/tidesync/telemetry"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatalf("Failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("Tracing shutdown: %v", err)
		}
	}()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}
	defer d.Close()

	ln, err := net.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", cfg.AdminAddr, err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Serve(ln)
	}()

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		logger.Println("Shutting down gracefully...")
	case err := <-errChan:
		logger.Printf("Admin server error: %v", err)
	}
}

// loadConfig reads the file, then lets the environment override it
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*log.Logger, func(), error) {
	flags := log.LstdFlags | log.Lmicroseconds
	if cfg.LogLevel == "debug" {
		flags |= log.Lshortfile
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	return log.New(out, "", flags), closeFn, nil
}

// daemon keeps the local cache of the remote tables warm and serves the
// admin endpoint
type daemon struct {
	cfg    *config.Config
	logger *log.Logger
	layer  *offline.Layer
	admin  *redisprotocol.RedisServer
	client *remote.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDaemon(cfg *config.Config, logger *log.Logger) (*daemon, error) {
	if cfg.Driver != storage.DriverMemory && cfg.Driver != storage.DriverRedis {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	device, err := storage.Open(storage.Options{
		Driver:      cfg.Driver,
		DataDir:     cfg.DataDir,
		Path:        cfg.GetDevicePath(),
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", cfg.Driver, err)
	}

	var source connectivity.Source
	if cfg.ManualOnline {
		source = connectivity.NewManualSource(false)
	} else {
		source = connectivity.NewDialSource(cfg.GetProbeAddress(), cfg.ProbeTimeout, cfg.ProbeInterval)
	}

	var client *remote.Client
	appliers := syncer.Appliers{}
	if cfg.RemoteURL != "" {
		client, err = remote.NewClient(remote.Config{
			BaseURL:   cfg.RemoteURL,
			APIKey:    cfg.RemoteAPIKey,
			JWTSecret: cfg.RemoteJWTSecret,
			Role:      cfg.RemoteRole,
			Timeout:   cfg.RemoteTimeout,
			Logger:    logger,
		})
		if err != nil {
			device.Close()
			return nil, err
		}
		appliers = client.Appliers()
	} else {
		logger.Printf("No remote configured; queued actions stay pending")
	}

	mode, err := offline.ParseWriteMode(cfg.WriteMode)
	if err != nil {
		device.Close()
		return nil, err
	}

	layer := offline.New(device, source, appliers, offline.Options{
		Cache: cache.Config{
			DefaultTTL:    cfg.DefaultTTL,
			NamespaceTTLs: cfg.CacheTTLs,
		},
		WriteMode:     mode,
		RemoteTimeout: cfg.RemoteTimeout,
		ApplyTimeout:  cfg.ApplyTimeout,
		Logger:        logger,
		Debug:         cfg.LogLevel == "debug",
	})

	ctx, cancel := context.WithCancel(context.Background())
	d := &daemon{
		cfg:    cfg,
		logger: logger,
		layer:  layer,
		admin:  redisprotocol.NewRedisServer(layer, logger),
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	d.start()
	return d, nil
}

func (d *daemon) start() {
	// subscribe before the layer starts so the first online event is seen
	events, unsubscribe := d.layer.Monitor.Subscribe()
	d.layer.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-d.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev == connectivity.EventOnline {
					d.warm(d.ctx)
				}
			}
		}
	}()
}

// warm refreshes the cached copy of every remote table
func (d *daemon) warm(ctx context.Context) {
	if d.client == nil {
		return
	}
	for _, table := range remote.Tables {
		acc := offline.NewAccessor(d.layer, cache.NewKey(table), d.client.Rows(table))
		res, err := acc.Get(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.logger.Printf("Warm %s: %v", table, err)
			}
			continue
		}
		d.logger.Printf("Warm %s: %d rows from %s", table, len(res.Value), res.Source)
	}
}

// Serve runs the admin endpoint on ln until Close
func (d *daemon) Serve(ln net.Listener) error {
	d.logger.Printf("Starting admin server on %s (driver %s, write mode %s)", ln.Addr(), d.cfg.Driver, d.layer.WriteMode())
	return d.admin.Serve(ln)
}

func (d *daemon) Close() error {
	d.cancel()
	d.admin.Close()
	d.wg.Wait()
	return d.layer.Close()
}
