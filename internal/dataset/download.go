package dataset

import (
	"context"
	"image"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DownloadOptions configures the image downloader.
type DownloadOptions struct {
	Timeout     time.Duration // per-request timeout
	MaxRetries  int
	Workers     int
	UserAgent   string
	RatePerHost rate.Limit
	Burst       int
}

// Downloader fetches remote image URLs into a local directory. Downloads are
// best-effort: a failed fetch or an unopenable downloaded file drops the
// sample with a warning, never failing the batch.
type Downloader struct {
	client *http.Client
	opts   DownloadOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDownloader creates a Downloader with the given options.
func NewDownloader(opts DownloadOptions) *Downloader {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Workers == 0 {
		opts.Workers = 8
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "puregeo/1.0"
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 20
	}
	if opts.Burst == 0 {
		opts.Burst = 20
	}
	return &Downloader{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Download fetches up to maxImages samples into destDir and returns the
// table of samples whose image file exists and decodes. Samples already on
// disk are kept without refetching.
func (d *Downloader) Download(ctx context.Context, table Table, destDir string, maxImages int) (Table, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "dataset: create image dir")
	}
	if maxImages > 0 && len(table) > maxImages {
		table = table[:maxImages]
	}

	log := zap.L().With(zap.String("component", "dataset.download"))
	log.Info("downloading images", zap.Int("count", len(table)), zap.String("dest", destDir))

	results := make([]*Sample, len(table))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)

	for i, s := range table {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			got, ok := d.fetchOne(gctx, s, destDir)
			if ok {
				results[i] = &got
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "dataset: download cancelled")
	}

	downloaded := make(Table, 0, len(table))
	for _, s := range results {
		if s != nil {
			downloaded = append(downloaded, *s)
		}
	}

	log.Info("download complete",
		zap.Int("requested", len(table)),
		zap.Int("downloaded", len(downloaded)),
		zap.Int("dropped", len(table)-len(downloaded)),
	)
	return downloaded, nil
}

// fetchOne downloads a single sample. The returned bool reports whether the
// sample should be kept.
func (d *Downloader) fetchOne(ctx context.Context, s Sample, destDir string) (Sample, bool) {
	if s.ImagePath == "" {
		if s.ImageID != "" {
			s.ImagePath = s.ImageID + ".jpg"
		} else {
			s.ImagePath = filepath.Base(s.URL)
		}
	}
	dest := filepath.Join(destDir, s.ImagePath)

	if _, err := os.Stat(dest); err == nil {
		return s, true
	}
	if s.URL == "" {
		return s, false
	}

	var err error
	u, parseErr := url.Parse(s.URL)
	if parseErr != nil {
		zap.L().Warn("skipping sample with bad url", zap.String("url", s.URL), zap.Error(parseErr))
		return s, false
	}
	if u.Scheme == "ftp" {
		err = d.fetchFTP(ctx, u, dest)
	} else {
		err = d.fetchHTTP(ctx, s.URL, dest)
	}
	if err != nil {
		zap.L().Warn("dropping sample after failed download",
			zap.String("url", s.URL),
			zap.Error(err),
		)
		return s, false
	}

	// Verify the downloaded bytes decode as an image before accepting.
	if err := verifyImage(dest); err != nil {
		zap.L().Warn("dropping undecodable download", zap.String("path", dest), zap.Error(err))
		_ = os.Remove(dest)
		return s, false
	}
	return s, true
}

func (d *Downloader) fetchHTTP(ctx context.Context, rawURL, dest string) error {
	var lastErr error
	for attempt := range d.opts.MaxRetries {
		if err := d.limiterFor(rawURL).Wait(ctx); err != nil {
			return eris.Wrap(err, "dataset: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return eris.Wrap(err, "dataset: create request")
		}
		req.Header.Set("User-Agent", d.opts.UserAgent)

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			d.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("dataset: http %d from %s", resp.StatusCode, rawURL)
			d.backoff(ctx, attempt)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return eris.Errorf("dataset: http %d from %s", resp.StatusCode, rawURL)
		}

		err = writeBody(dest, resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return err
		}
		return nil
	}
	return eris.Wrapf(lastErr, "dataset: download %s failed after %d attempts", rawURL, d.opts.MaxRetries)
}

func (d *Downloader) fetchFTP(ctx context.Context, u *url.URL, dest string) error {
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "21")
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(d.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return eris.Wrap(err, "dataset: ftp dial")
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return eris.Wrap(err, "dataset: ftp login")
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return eris.Wrap(err, "dataset: ftp retrieve")
	}
	defer resp.Close()

	return writeBody(dest, resp)
}

func (d *Downloader) limiterFor(rawURL string) *rate.Limiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(d.opts.RatePerHost, d.opts.Burst)
		d.limiters[host] = lim
	}
	return lim
}

func (d *Downloader) backoff(ctx context.Context, attempt int) {
	base := 500 * time.Millisecond
	maxBackoff := 15 * time.Second
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if wait > maxBackoff {
		wait = maxBackoff
	}
	wait += time.Duration(rand.Int64N(int64(wait) / 2))

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func writeBody(dest string, body io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return eris.Wrap(err, "dataset: create image file")
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return eris.Wrap(err, "dataset: write image file")
	}
	return nil
}

func verifyImage(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "dataset: open downloaded file")
	}
	defer f.Close()

	if _, _, err := image.DecodeConfig(f); err != nil {
		return eris.Wrap(err, "dataset: decode downloaded image")
	}
	return nil
}
