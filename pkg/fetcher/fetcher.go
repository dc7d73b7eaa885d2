// Package fetcher downloads single documents over HTTP, streaming the
// payload to a caller supplied path.
package fetcher

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
)

const progressLogPeriod = 1 * time.Second

type Config struct {
	BufferSize int           `yaml:"buffer_size"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	MaxRetries int           `yaml:"max_retries"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.BufferSize, "fetcher.buffer-size", 32*1024, "Download buffer size in bytes.")
	f.DurationVar(&c.MinBackoff, "fetcher.min-backoff", 500*time.Millisecond, "Minimum delay between download retries.")
	f.DurationVar(&c.MaxBackoff, "fetcher.max-backoff", 10*time.Second, "Maximum delay between download retries.")
	f.IntVar(&c.MaxRetries, "fetcher.max-retries", 3, "Download attempts per entry before giving up.")
}

type Fetcher struct {
	grabClient *grab.Client
	cfg        Config
	log        log.Logger
}

func New(cfg Config, logger log.Logger) *Fetcher {
	c := grab.NewClient()
	c.BufferSize = cfg.BufferSize

	return &Fetcher{
		grabClient: c,
		cfg:        cfg,
		log:        logger,
	}
}

// Fetch streams the document at url to dest. The write is not atomic:
// callers pass a temporary path and rename after verifying the payload.
// Cancelling ctx aborts the transfer mid-flight.
func (f *Fetcher) Fetch(ctx context.Context, url string, dest string) (int64, error) {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: f.cfg.MinBackoff,
		MaxBackoff: f.cfg.MaxBackoff,
		MaxRetries: f.cfg.MaxRetries,
	})

	var lastErr error
	for boff.Ongoing() {
		n, err := f.fetchOnce(ctx, url, dest)
		if err == nil {
			return n, nil
		}

		lastErr = err
		level.Warn(f.log).Log("msg", "download attempt failed", "url", url, "err", err)
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}

	return 0, errors.Wrapf(lastErr, "fetch %s", url)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, dest string) (int64, error) {
	req, err := grab.NewRequest(dest, url)
	if err != nil {
		return 0, errors.Wrap(err, "fetcher create request")
	}

	req = req.WithContext(ctx)
	req.NoResume = true

	level.Debug(f.log).Log("msg", fmt.Sprintf("start downloading file: %s", url))

	resp := f.grabClient.Do(req)

	t := time.NewTicker(progressLogPeriod)
	defer t.Stop()

Loop:
	for {
		select {
		case <-t.C:
			level.Debug(f.log).Log("msg", fmt.Sprintf("transferred %d / %d bytes (%.2f%%)",
				resp.BytesComplete(),
				resp.Size(),
				100*resp.Progress()))
		case <-resp.Done:
			break Loop
		}
	}

	if err := resp.Err(); err != nil {
		return 0, errors.Wrap(err, "fetcher download")
	}

	return resp.BytesComplete(), nil
}
