package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/purity-labs/puregeo/internal/dataset"
	"github.com/purity-labs/puregeo/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "puregeo.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// loadSamples reads the raw sample table from the configured source. Flags
// override the config values when set.
func loadSamples(source, path string) (dataset.Table, error) {
	if source == "" {
		source = cfg.Data.Source
	}
	if path == "" {
		path = cfg.Data.Path
	}

	switch source {
	case "flickr":
		return dataset.LoadFlickrCSV(path, cfg.Data.Charset)
	case "exif":
		return dataset.ExtractEXIFDir(path)
	case "custom":
		return dataset.LoadCustom(path, cfg.Data.Charset)
	default:
		return nil, eris.Errorf("unknown data source: %q (want flickr, exif, or custom)", source)
	}
}

// collectTable loads, filters, caps, and (for sources with URLs) downloads
// the sample table, returning only rows whose image is present on disk.
func collectTable(ctx context.Context, source, path string, maxImages int) (dataset.Table, error) {
	table, err := loadSamples(source, path)
	if err != nil {
		return nil, err
	}

	table = table.FilterValid()
	if maxImages <= 0 {
		maxImages = cfg.Data.MaxImages
	}
	table = table.Cap(maxImages, cfg.Data.Seed)

	if needsDownload(table) {
		dl := dataset.NewDownloader(downloadOptions())
		table, err = dl.Download(ctx, table, cfg.Data.ImageDir, maxImages)
		if err != nil {
			return nil, err
		}
	}

	if len(table) == 0 {
		return nil, eris.New("no usable samples after filtering and download")
	}
	zap.L().Info("collected samples", zap.Int("count", len(table)))
	return table, nil
}

// downloadOptions maps the download config section onto downloader options.
func downloadOptions() dataset.DownloadOptions {
	return dataset.DownloadOptions{
		Timeout:     time.Duration(cfg.Download.TimeoutSecs) * time.Second,
		MaxRetries:  cfg.Download.MaxRetries,
		Workers:     cfg.Download.Workers,
		UserAgent:   cfg.Download.UserAgent,
		RatePerHost: rate.Limit(cfg.Download.RatePerHost),
		Burst:       cfg.Download.Burst,
	}
}

func needsDownload(table dataset.Table) bool {
	for _, s := range table {
		if s.URL != "" {
			return true
		}
	}
	return false
}
