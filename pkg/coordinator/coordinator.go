// Package coordinator drives a run: it fans manifest entries out over
// a bounded worker pool, decides per entry whether the archive needs an
// update, and promotes successful downloads atomically.
package coordinator

import (
	"context"
	"flag"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/ValerySidorin/yoink/pkg/archive"
	"github.com/ValerySidorin/yoink/pkg/fetcher"
	"github.com/ValerySidorin/yoink/pkg/fingerprint"
	"github.com/ValerySidorin/yoink/pkg/manifest"
	"github.com/ValerySidorin/yoink/pkg/namer"
	"github.com/ValerySidorin/yoink/pkg/notifier"
	"github.com/ValerySidorin/yoink/pkg/progress"
)

const (
	OutcomeUnchanged = "unchanged"
	OutcomeUpdated   = "updated"
	OutcomeFailed    = "failed"

	defaultWorkers = 4
)

// Result is the per-entry outcome of a run. Err is set only for
// OutcomeFailed.
type Result struct {
	Entry       manifest.Entry
	Outcome     string
	Bytes       int64
	Path        string
	Fingerprint string
	Err         error
}

type Config struct {
	Workers        int `yaml:"workers"`
	ProgressBuffer int `yaml:"progress_buffer"`

	Resolver fetcher.ResolverConfig `yaml:"resolver"`
	Fetcher  fetcher.Config         `yaml:"fetcher"`
	Archive  archive.Config         `yaml:"archive"`
	Notifier notifier.Config        `yaml:"notifier"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.Workers, "workers", defaultWorkers, "Max concurrent downloads.")
	f.IntVar(&c.ProgressBuffer, "progress-buffer", 0, "Progress event buffer size. 0 sizes it to the entry count.")
	f.DurationVar(&c.Resolver.Timeout, "resolver.timeout", 30*time.Second, "Timeout for PDF URL resolution requests.")
	f.IntVar(&c.Resolver.RetryMax, "resolver.retry-max", 5, "Max retries for PDF URL resolution requests.")

	c.Fetcher.RegisterFlags(f)
	c.Archive.RegisterFlags(f)
	c.Notifier.RegisterFlags(f)
}

type urlResolver interface {
	Resolve(baseURL string, item string) (string, error)
}

type docFetcher interface {
	Fetch(ctx context.Context, url string, dest string) (int64, error)
}

type storeFactory func(folder string) (archive.Store, error)

type metrics struct {
	entriesProcessed *prometheus.CounterVec
	fetchedBytes     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		entriesProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "yoink",
			Name:      "entries_processed_total",
			Help:      "Processed manifest entries by outcome.",
		}, []string{"outcome"}),
		fetchedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "yoink",
			Name:      "fetched_bytes_total",
			Help:      "Total bytes downloaded, including discarded unchanged payloads.",
		}),
	}
}

type Coordinator struct {
	cfg Config
	log log.Logger

	fs       afero.Fs
	resolver urlResolver
	fetcher  docFetcher
	namer    *namer.Namer
	newStore storeFactory
	notifier *notifier.Notifier

	metrics *metrics
}

func New(cfg Config, reg prometheus.Registerer, logger log.Logger) (*Coordinator, error) {
	var ntf *notifier.Notifier
	if cfg.Notifier.Enabled() {
		var err error
		ntf, err = notifier.New(cfg.Notifier, logger)
		if err != nil {
			return nil, errors.Wrap(err, "coordinator init notifier")
		}
	}

	newStore := func(folder string) (archive.Store, error) {
		return archive.NewStore(cfg.Archive, folder, logger)
	}

	return newCoordinator(cfg, afero.NewOsFs(),
		fetcher.NewResolver(cfg.Resolver),
		fetcher.New(cfg.Fetcher, logger),
		newStore, ntf, reg, logger), nil
}

func newCoordinator(cfg Config, afs afero.Fs, resolver urlResolver, docFetcher docFetcher,
	newStore storeFactory, ntf *notifier.Notifier, reg prometheus.Registerer, logger log.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	return &Coordinator{
		cfg:      cfg,
		log:      log.With(logger, "component", "coordinator"),
		fs:       afs,
		resolver: resolver,
		fetcher:  docFetcher,
		namer:    namer.New(logger),
		newStore: newStore,
		notifier: ntf,
		metrics:  newMetrics(reg),
	}
}

// Close releases external connections held by the coordinator.
func (c *Coordinator) Close() {
	if c.notifier != nil {
		c.notifier.Close()
	}
}

// Run processes all entries and returns one Result per entry, in input
// order. It returns an error only for failures that prevent the run
// from starting at all (archive store initialization); per-entry
// failures are isolated into their Result.
func (c *Coordinator) Run(ctx context.Context, entries []manifest.Entry) ([]Result, error) {
	stores := make(map[string]archive.Store)
	for _, folder := range lo.Uniq(lo.Map(entries, func(e manifest.Entry, _ int) string { return e.Folder })) {
		store, err := c.newStore(folder)
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator open archive store %s", folder)
		}
		stores[folder] = store
	}

	claims := namer.NewClaims()

	reporter := progress.NewReporter(len(entries), c.cfg.ProgressBuffer, c.log)
	reporter.Start()

	results := make([]Result, len(entries))

	p := pool.New().WithMaxGoroutines(c.cfg.Workers)
	for i := range entries {
		i := i
		e := entries[i]

		p.Go(func() {
			res := c.processEntry(ctx, e, stores[e.Folder], claims)
			results[i] = res

			reporter.Publish(progress.Event{
				ID:      e.ID(),
				Outcome: res.Outcome,
				Bytes:   res.Bytes,
			})
		})
	}
	p.Wait()

	reporter.Stop()

	c.finalize(results, claims)

	return results, nil
}

// finalize demotes both sides of every naming conflict, announces
// updates and records metrics from the settled outcomes.
func (c *Coordinator) finalize(results []Result, claims *namer.Claims) {
	for i := range results {
		res := &results[i]

		if res.Outcome != OutcomeFailed && claims.Conflicted(res.Entry.ID()) {
			res.Outcome = OutcomeFailed
			res.Err = errors.Wrapf(namer.ErrNamingConflict, "%s resolves to a contested filename", res.Entry.ID())
		}

		c.metrics.entriesProcessed.WithLabelValues(res.Outcome).Inc()
		c.metrics.fetchedBytes.Add(float64(res.Bytes))

		if res.Outcome == OutcomeUpdated && c.notifier != nil {
			c.notifier.NotifyUpdated(notifier.UpdateEvent{
				ID:          res.Entry.ID(),
				Fingerprint: res.Fingerprint,
				Path:        res.Path,
				FetchedAt:   time.Now().UTC(),
			})
		}
	}

	counts := lo.CountValuesBy(results, func(r Result) string { return r.Outcome })
	level.Info(c.log).Log("msg", "run finished",
		"unchanged", counts[OutcomeUnchanged],
		"updated", counts[OutcomeUpdated],
		"failed", counts[OutcomeFailed],
	)

	for _, res := range results {
		if res.Outcome == OutcomeFailed {
			level.Error(c.log).Log("msg", "entry failed",
				"category", res.Entry.Category, "item", res.Entry.Item, "err", res.Err)
		}
	}
}

func (c *Coordinator) processEntry(ctx context.Context, e manifest.Entry, store archive.Store, claims *namer.Claims) Result {
	logger := log.With(c.log, "category", e.Category, "item", e.Item)
	level.Info(logger).Log("msg", "checking")

	failed := func(err error) Result {
		return Result{Entry: e, Outcome: OutcomeFailed, Err: err}
	}

	url, err := c.resolver.Resolve(e.BaseURL, e.Item)
	if err != nil {
		return failed(err)
	}

	// Temp names embed the category so two entries sharing a folder
	// never race on the same temporary file.
	tmpPath := filepath.Join(e.Folder, e.Category+"_"+e.Item+"_new.pdf")

	n, err := c.fetcher.Fetch(ctx, url, tmpPath)
	if err != nil {
		_ = c.fs.Remove(tmpPath)
		return failed(err)
	}

	discard := func() {
		if err := c.fs.Remove(tmpPath); err != nil {
			level.Warn(logger).Log("msg", "remove temp file", "err", err)
		}
	}

	fp, err := fingerprint.FromFile(c.fs, tmpPath)
	if err != nil {
		discard()
		return failed(err)
	}

	name, err := c.namer.Name(e, tmpPath)
	if err != nil {
		discard()
		return failed(err)
	}

	if err := claims.Claim(filepath.Join(e.Folder, name), e.ID()); err != nil {
		discard()
		return failed(err)
	}

	cur, found, err := store.ReadCurrent(ctx, e.ID())
	if err != nil {
		discard()
		return failed(err)
	}

	if found && cur.Fingerprint == fp {
		discard()
		level.Info(logger).Log("msg", "up to date")
		return Result{Entry: e, Outcome: OutcomeUnchanged, Bytes: n, Path: cur.Path, Fingerprint: fp}
	}

	path, err := store.Promote(ctx, e.ID(), tmpPath, fp, name)
	if err != nil {
		discard()
		return failed(err)
	}

	if found {
		level.Info(logger).Log("msg", "updated, old version archived")
	} else {
		level.Info(logger).Log("msg", "downloaded")
	}

	return Result{Entry: e, Outcome: OutcomeUpdated, Bytes: n, Path: path, Fingerprint: fp}
}
