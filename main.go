package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrexodia/procwatch/loop"
)

func main() {
	configPath := flag.String("config", "jobs.yaml", "path to the jobs file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := run(*configPath); err != nil {
		log.WithError(err).Error("procwatch failed")
		os.Exit(1)
	}
	log.Info("procwatch stopped")
}

func run(configPath string) error {
	globalConfig, err := LoadGlobalConfig(configPath)
	if err != nil {
		return fmt.Errorf("load global config: %w", err)
	}
	level, err := log.ParseLevel(globalConfig.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	log.SetLevel(level)

	if err := os.MkdirAll(globalConfig.LogDir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	lock := flock.New(filepath.Join(globalConfig.LogDir, "procwatch.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock log directory: %w", err)
	}
	if !locked {
		return errors.New("another instance is already using " + globalConfig.LogDir)
	}
	defer lock.Unlock()

	l, err := loop.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}
	defer l.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The loop outlives the signal context: shutdown still needs it to
	// kill and reap the jobs.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(loopCtx) }()

	manager := NewJobManager(globalConfig, l)
	configManager := NewConfigManager(configPath)

	g, gctx := errgroup.WithContext(ctx)
	if err := configManager.StartWatching(gctx, manager); err != nil {
		stopLoop()
		<-loopDone
		return fmt.Errorf("start config watcher: %w", err)
	}
	log.WithField("config", configPath).Info("watching for changes")

	server := NewServer(manager, configManager)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		configManager.Stop()
		manager.StopAll()
		return nil
	})

	err = g.Wait()
	stopLoop()
	<-loopDone
	return err
}
