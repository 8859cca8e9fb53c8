package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/masa23/newsfunnel/app"
	"github.com/masa23/newsfunnel/config"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/store"
)

var version = "dev"

// backfill runs extraction again for messages that never got metadata.
func backfill(ctx context.Context, st *store.Store, p *mailope.Pipeline, limit int) (map[mailope.Outcome]int, error) {
	messages, err := st.ListMessagesWithoutMetadata(ctx, limit)
	if err != nil {
		return nil, err
	}

	counts := map[mailope.Outcome]int{}
	for i := range messages {
		if ctx.Err() != nil {
			break
		}
		msg := &messages[i]
		log.Printf("Processing message ID %d (account %d)", msg.ID, msg.AccountID)
		outcome := p.Reprocess(ctx, msg)
		counts[outcome]++
	}
	return counts, nil
}

func main() {
	var confPath string
	var showVersion bool
	var limit int
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.IntVar(&limit, "limit", 100, "Maximum number of messages to process, 0 for all")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}

	exePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}

	dir := filepath.Dir(exePath)
	if err := os.Chdir(dir); err != nil {
		log.Fatal(err)
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	a, err := app.Open(conf)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer a.Close()

	pipeline, err := a.Pipeline(log.Default())
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counts, err := backfill(ctx, a.Store, pipeline, limit)
	if err != nil {
		log.Fatalf("Error listing messages without metadata: %v", err)
	}
	log.Printf("Done: ingested=%d not_newsletter=%d failed=%d",
		counts[mailope.Ingested], counts[mailope.NotNewsletter], counts[mailope.Failed])
}
