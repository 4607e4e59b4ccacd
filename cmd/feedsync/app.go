package main

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/mschirtzinger/feedsync/internal/ingest"
	"github.com/mschirtzinger/feedsync/internal/reconcile"
	"github.com/mschirtzinger/feedsync/internal/scheduler"
	"github.com/mschirtzinger/feedsync/internal/store/db"
	"github.com/mschirtzinger/feedsync/internal/transport/httpsync"
)

// app is the composed local stack shared by the commands.
type app struct {
	store    *db.DB
	client   *httpsync.Client
	sched    *scheduler.Scheduler
	engine   *reconcile.Engine
	ingester *ingest.Ingester
}

// openApp opens the store and wires the engine. With background set, a
// scheduler backed by host conditions runs deferred pushes; otherwise
// pushes only happen during explicit sync cycles.
func openApp(background bool) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, err
	}

	client, err := httpsync.New(httpsync.Config{
		ServerURL:         cfg.Sync.ServerURL,
		Timeout:           cfg.Sync.Timeout,
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		Logger:            newLogger("httpsync"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{store: store, client: client}

	ecfg := &reconcile.Config{
		ServerURL:           cfg.Sync.ServerURL,
		PushDelay:           cfg.Sync.PushDelay,
		PushBatchSize:       cfg.Sync.PushBatchSize,
		OnlyOnUnmetered:     cfg.Sync.OnlyOnWifi,
		OnlyWhenCharging:    cfg.Sync.OnlyWhenCharging,
		PendingMarkMaxAge:   cfg.Sync.PendingMarkMaxAge,
		RemoteMarkMaxAge:    cfg.Sync.RemoteMarkMaxAge,
		SyncedMarkRetention: cfg.Sync.SyncedMarkRetention,
		Logger:              newLogger("reconcile"),
	}
	if background {
		a.sched = scheduler.New(&scheduler.Config{
			Retry: scheduler.RetryConfig{
				MaxRetries:   cfg.Retry.MaxRetries,
				InitialDelay: cfg.Retry.InitialDelay,
				MaxDelay:     cfg.Retry.MaxDelay,
				Multiplier:   cfg.Retry.Multiplier,
			},
			Conditions:  &scheduler.HostConditions{ProbeAddr: probeAddr(cfg.Sync.ServerURL)},
			ShouldRetry: reconcile.ShouldRetry,
			Logger:      newLogger("scheduler"),
		})
		ecfg.Scheduler = a.sched
	}
	a.engine = reconcile.New(store, store, client, ecfg)

	a.ingester = ingest.New(store, &ingest.Config{
		KeepPerFeed: cfg.Items.KeepPerFeed,
		Applier:     a.engine,
		Logger:      newLogger("ingest"),
	})
	return a, nil
}

func (a *app) Close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	a.store.Close()
}

// probeAddr is the host:port dialed to decide whether the network is up.
func probeAddr(serverURL string) string {
	u, err := url.Parse(serverURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
