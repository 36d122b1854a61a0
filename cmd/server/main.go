package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/session"
	"github.com/syncline/syncline/internal/core/world"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	logger := log.New(log.LevelInfo)

	cfg := session.DefaultConfig()
	if *configPath != "" {
		loaded, err := session.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	events := bus.New()
	defer events.Close()
	store := world.NewStore(events)
	registry := component.NewDefaultRegistry()

	srv, err := session.NewServer(cfg, store, registry, events, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", log.Error(err))
		os.Exit(1)
	}
}
