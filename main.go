package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"lumos-proxy/work/buffer"
	"lumos-proxy/work/catalog"
	"lumos-proxy/work/client"
	"lumos-proxy/work/config"
	"lumos-proxy/work/decoder"
	"lumos-proxy/work/handlers"
	"lumos-proxy/work/logger"
	"lumos-proxy/work/middleware"
	"lumos-proxy/work/relay"
	"lumos-proxy/work/session"
	"lumos-proxy/work/store"
	"lumos-proxy/work/utils"
)

var Version = "v0.1.0"

const (
	deadStreamTTL     = 24 * time.Hour
	maintenanceTicker = time.Hour
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the JSON config file")
	examplePath := flag.String("write-example", "", "write an example config to this path and exit")
	hashToken := flag.String("hash-token", "", "print the bcrypt hash of an admin token and exit")
	flag.Parse()

	if *examplePath != "" {
		if err := config.CreateExampleConfig(*examplePath); err != nil {
			fmt.Fprintf(os.Stderr, "cannot write example config: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *hashToken != "" {
		hash, err := middleware.HashToken(*hashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	if err := run(*configPath); err != nil {
		logger.Error("{main - main} %v", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.LoadConfig(configPath)
	logger.SetLogLevel(cfg.LogLevel)
	log := logger.Default()

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer workerPool.Release()

	httpClient := client.NewHeaderSettingClient("")
	cat := catalog.New(cfg, httpClient, workerPool, st, log)

	limiters := decoder.NewHostLimiters(10)
	for _, src := range cfg.Sources {
		if u, err := url.Parse(src.URL); err == nil && u.Host != "" {
			limiters.SetRate(u.Host, src.RequestsPerSecond)
		}
	}
	bufferSize := cfg.BufferSizePerStream * 1024 * 1024
	decoderOpts := decoder.Options{
		Client:         httpClient,
		Limiters:       limiters,
		Variants:       decoder.NewVariantCache(1024, cfg.CacheDuration),
		Buffers:        buffer.NewBufferPool(bufferSize),
		RequestTimeout: cfg.StreamTimeout,
		StallTimeout:   cfg.Playback.StallTimeout,
		SegmentRetries: cfg.Playback.SegmentRetries,
		Config:         cfg,
		Logger:         log,
	}

	relays, err := relay.NewManager(relay.Options{
		Config:  cfg,
		Catalog: cat,
		Store:   st,
		Decoders: func(id string) session.DecoderFactory {
			opts := decoderOpts
			opts.Channel = id
			return decoder.Factory(opts)
		},
		Capabilities: session.ProbeCapabilities(relay.NewDisplay(cfg.Playback.Fullscreen)),
		Policy: session.RecoveryPolicy{
			Cooldown:        cfg.Playback.RecoveryCooldown,
			MaxAttempts:     cfg.Playback.MaxRecoveryAttempts,
			ResetOnCooldown: cfg.Playback.ResetRecoveryOnCooldown,
		},
		FallbackDelay: cfg.Playback.FallbackDelay,
		IdleTimeout:   cfg.Playback.IdleTimeout,
		BufferSize:    bufferSize,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	logger.Info("{main - run} starting lumos-proxy %s", Version)
	logger.Info("{main - run}   base URL: %s", cfg.BaseURL)
	logger.Info("{main - run}   listen: %s", cfg.ListenAddr)
	logger.Info("{main - run}   sources: %d, worker threads: %d", len(cfg.Sources), cfg.WorkerThreads)
	logger.Info("{main - run}   buffer per session: %s", utils.FormatBytes(bufferSize))
	logger.Info("{main - run}   recovery: %d attempts per %s, stall timeout %s",
		cfg.Playback.MaxRecoveryAttempts, cfg.Playback.RecoveryCooldown, cfg.Playback.StallTimeout)
	logger.Info("{main - run}   refresh: %s, URL obfuscation: %v", cfg.ImportRefreshInterval, cfg.ObfuscateUrls)

	if err := cat.Import(context.Background()); err != nil {
		logger.Error("{main - run} initial import failed: %v", err)
	}
	cat.StartRefresh()
	relays.StartSweeper(cfg.Playback.IdleTimeout / 2)

	maintenanceDone := make(chan struct{})
	stopMaintenance := make(chan struct{})
	go maintain(st, stopMaintenance, maintenanceDone)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.New(cfg, cat, relays, st, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-serveErr:
			shutdown(cat, relays, stopMaintenance, maintenanceDone)
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Info("{main - run} SIGHUP received, re-importing sources")
				if err := cat.Import(context.Background()); err != nil {
					logger.Error("{main - run} re-import failed: %v", err)
				}
				continue
			}

			logger.Info("{main - run} %s received, shutting down", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			// viewers hold their requests open, so dispose sessions first
			relays.Shutdown()
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("{main - run} server shutdown: %v", err)
			}
			cancel()
			shutdown(cat, relays, stopMaintenance, maintenanceDone)
			return nil
		}
	}
}

func shutdown(cat *catalog.Catalog, relays *relay.Manager, stopMaintenance, maintenanceDone chan struct{}) {
	cat.Stop()
	cat.Wait()
	relays.Shutdown()
	relays.Wait()
	close(stopMaintenance)
	<-maintenanceDone
}

// maintain drops dead stream marks older than deadStreamTTL so streams get
// another chance after a provider outage.
func maintain(st *store.Store, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(maintenanceTicker)
	defer ticker.Stop()

	for {
		if n, err := st.CleanupOldDeadStreams(deadStreamTTL); err != nil {
			logger.Warn("{main - maintain} dead stream cleanup failed: %v", err)
		} else if n > 0 {
			logger.Info("{main - maintain} revived %d streams marked dead over %s ago", n, deadStreamTTL)
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
