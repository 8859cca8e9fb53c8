// Package app wires the configured components shared by the binaries.
package app

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"gorm.io/gorm"

	"github.com/masa23/newsfunnel/analysis"
	"github.com/masa23/newsfunnel/config"
	"github.com/masa23/newsfunnel/extractor"
	"github.com/masa23/newsfunnel/mailope"
	"github.com/masa23/newsfunnel/objectstorage"
	"github.com/masa23/newsfunnel/store"
)

type App struct {
	Conf  *config.Config
	DB    *gorm.DB
	Store *store.Store
	// Archive is nil unless ObjectStorage is enabled.
	Archive *objectstorage.Archive
}

// Open connects to the database and, when enabled, object storage.
func Open(conf *config.Config) (*App, error) {
	db, err := store.Open(conf.Database)
	if err != nil {
		return nil, err
	}
	a := &App{Conf: conf, DB: db, Store: store.New(db)}

	if conf.ObjectStorage.Enabled {
		client, err := objectstorage.NewClient(conf.ObjectStorage)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Archive = objectstorage.NewArchive(client, conf.ObjectStorage.Bucket)
	}
	return a, nil
}

// Pipeline builds the ingestion pipeline backed by the analysis service.
func (a *App) Pipeline(logger *log.Logger) (*mailope.Pipeline, error) {
	if a.Conf.Analysis.APIKey == "" {
		return nil, errors.New("Analysis.APIKey is required (or ANTHROPIC_API_KEY)")
	}
	client := analysis.New(a.Conf.Analysis)
	coordinator := extractor.New(client, a.Store,
		extractor.WithMaxAttempts(a.Conf.Extraction.MaxAttempts),
		extractor.WithLogger(logger),
	)

	opts := []mailope.Option{mailope.WithLogger(logger)}
	if a.Archive != nil {
		opts = append(opts, mailope.WithArchive(a.Archive))
	}
	if a.Conf.Extraction.Summarize {
		opts = append(opts, mailope.WithSummarizer(client))
	}
	return mailope.NewPipeline(a.Store, coordinator, opts...), nil
}

func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SetupLog sends the default logger to path. An empty path keeps stderr.
func SetupLog(path string) (io.Closer, error) {
	if path == "" {
		return io.NopCloser(nil), nil
	}
	logFd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	log.SetOutput(logFd)
	return logFd, nil
}
