package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/masa23/newsfunnel/accounts"
	"github.com/masa23/newsfunnel/app"
	"github.com/masa23/newsfunnel/config"
)

var version = "dev"

func main() {
	var confPath string
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "Show version")
	flag.StringVar(&confPath, "conf", "./config.yaml", "Path to the configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if showVersion {
		log.Printf("Version: %s", version)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	conf, err := config.Load(confPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	a, err := app.Open(conf)
	if err != nil {
		log.Fatal(err)
	}
	defer a.Close()

	opts := []accounts.Option{}
	if a.Archive != nil {
		opts = append(opts, accounts.WithArchive(a.Archive))
	}
	svc := accounts.New(a.Store, opts...)

	if err := run(context.Background(), svc, flag.Args(), os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		log.Fatal(err)
	}
}
