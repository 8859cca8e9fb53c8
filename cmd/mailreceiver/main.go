package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/masa23/newsfunnel/app"
	"github.com/masa23/newsfunnel/config"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/mailparser"
)

var version = "dev"

func main() {
	var confPath string
	var showVersion bool
	var accountID uint64
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Uint64Var(&accountID, "account", 0, "ID of the account the message belongs to")
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}
	if accountID == 0 {
		log.Fatal("-account is required")
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

	// logfile
	logFd, err := app.SetupLog(conf.LogFile)
	if err != nil {
		log.Fatalf("Error opening log file: %v", err)
	}
	defer logFd.Close()

	log.Printf("start mail receive process pid=%d", os.Getpid())

	raw, err := mailparser.ParseRFC822(os.Stdin)
	if err != nil {
		log.Fatalf("Error reading message: %v", err)
	}

	a, err := app.Open(conf)
	if err != nil {
		log.Fatalf("Error connecting to database: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	account, err := a.Store.FindAccount(ctx, accountID)
	if err != nil {
		log.Fatalf("Error finding account %d: %v", accountID, err)
	}

	pipeline, err := a.Pipeline(log.Default())
	if err != nil {
		log.Fatal(err)
	}

	msg := mailparser.Parse(raw)
	msg.AccountID = account.ID
	if !mailparser.Valid(&msg) {
		log.Fatalf("Message has neither header fields nor body")
	}

	// no source connection, nothing to mark seen
	outcome := pipeline.Ingest(ctx, &msg, raw.Raw, nil)
	log.Printf("Message for %s: %s", account, outcome)
	if outcome == mailope.Rejected || outcome == mailope.Failed {
		os.Exit(1)
	}
}
