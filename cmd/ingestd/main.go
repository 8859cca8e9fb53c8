package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/masa23/newsfunnel/admin"
	"github.com/masa23/newsfunnel/app"
	"github.com/masa23/newsfunnel/config"
	"github.com/masa23/newsfunnel/mailconn"
	"github.com/masa23/newsfunnel/monitor"
	"github.com/masa23/newsfunnel/registry"
)

var version = "dev"

func main() {
	var confPath string
	var showVersion bool
	var debug bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.BoolVar(&debug, "debug", false, "Dump IMAP traffic to stderr")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logFd, err := app.SetupLog(conf.LogFile)
	if err != nil {
		log.Fatal(err)
	}
	defer logFd.Close()

	log.Printf("start ingestd version=%s pid=%d", version, os.Getpid())

	a, err := app.Open(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	logger := log.Default()
	pipeline, err := a.Pipeline(logger)
	if err != nil {
		log.Fatal(err)
	}

	factory := &mailconn.IMAPFactory{DialTimeout: conf.Reconnect.DialTimeout, Logger: logger}
	if debug {
		factory.Debug = os.Stderr
	}
	manager := monitor.NewManager(factory, pipeline,
		monitor.WithBackoff(conf.Reconnect.BaseDelay, conf.Reconnect.MaxAttempts),
		monitor.WithLogger(logger),
	)
	reg := registry.New(manager, a.Store, registry.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.RegisterAll(ctx); err != nil {
		log.Fatal(err)
	}

	adminOpts := []admin.Option{admin.WithMessages(a.Store)}
	if a.Archive != nil {
		adminOpts = append(adminOpts, admin.WithArchive(a.Archive))
	}
	srv := admin.New(reg, adminOpts...)
	go func() {
		log.Printf("admin listening on %s", conf.Admin.Listen)
		if err := srv.Start(conf.Admin.Listen); err != nil {
			log.Printf("admin server: %v", err)
		}
	}()

	ticker := time.NewTicker(conf.SyncInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ticker.C:
			if err := reg.Sync(ctx); err != nil {
				log.Printf("sync accounts: %v", err)
			}
		case <-ctx.Done():
			break loop
		}
	}

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin shutdown: %v", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown: %v", err)
	}
}
