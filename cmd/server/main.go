package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autobuy/internal/browser"
	"autobuy/internal/config"
	"autobuy/internal/engine"
	"autobuy/internal/hotreload"
	"autobuy/internal/httpapi"
	"autobuy/internal/logbus"
	"autobuy/internal/notify"
	"autobuy/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	autostart := flag.Bool("autostart", true, "start all engines on boot")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, sqlite.Options{
		Path:       cfg.Storage.SQLitePath,
		MaxHistory: cfg.Storage.MaxHistory,
	})
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	events := logbus.NewEventLog(cfg.Storage.EventDir)

	sites, err := config.LoadSites(cfg.Sites.Dir, cfg.Sites.OverridePath, bus)
	if err != nil {
		log.Fatalf("load sites: %v", err)
	}
	if len(sites) == 0 {
		bus.Log("warn", "no site configs found", map[string]any{"dir": cfg.Sites.Dir})
	}

	chrome := browser.NewManager(store, bus)
	defer chrome.Close()

	email := notify.NewEmailNotifier(store, bus)
	notifier := notify.Multi{notify.NewWebhook(store, bus), email}

	manager := engine.NewManager(engine.ManagerOptions{
		Sites:     sites,
		Store:     store,
		Bus:       bus,
		Events:    events,
		Notifier:  notifier,
		Login:     chrome.Login,
		Limiter:   cfg.Limits.LimiterOptions(),
		GlobalQPS: cfg.Limits.GlobalQPS,
		Burst:     cfg.Limits.GlobalBurst,
		Proxy:     cfg.Proxy.Global,
	})

	watchCtx, stopWatcher := context.WithCancel(ctx)
	watcher := hotreload.NewWatcher(cfg.Sites.OverridePath, bus)
	for _, st := range sites {
		watcher.Subscribe(st.ID, st)
	}
	watcher.Start(watchCtx)

	api := httpapi.New(httpapi.Options{
		Cfg:     cfg,
		Bus:     bus,
		Store:   store,
		Events:  events,
		Manager: manager,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	if *autostart {
		if err := manager.StartAll(ctx); err != nil {
			bus.Log("error", "autostart failed", map[string]any{"error": err.Error()})
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopWatcher()
	_ = manager.StopAll(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)
	_ = email.Close(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}
