// Package notifier publishes archive update events to a message queue
// so downstream systems can react to new document versions without
// polling the archive.
package notifier

import (
	"encoding/json"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/ValerySidorin/yoink/pkg/queue"
)

type Config struct {
	Subject string       `yaml:"subject"`
	Queue   queue.Config `yaml:"queue"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Subject, "notify.subject", "yoink.updates", "Queue subject for update notifications.")
	c.Queue.RegisterFlags(f)
}

// Enabled reports whether a queue is configured at all. Notifications
// are strictly optional.
func (c *Config) Enabled() bool {
	return c.Queue.Type != ""
}

// UpdateEvent is the payload published for every promoted entry.
type UpdateEvent struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	FetchedAt   time.Time `json:"fetched_at"`
}

type Notifier struct {
	cfg Config
	pub queue.Publisher
	log log.Logger
}

func New(cfg Config, logger log.Logger) (*Notifier, error) {
	pub, err := queue.NewPublisher(cfg.Queue, logger)
	if err != nil {
		return nil, errors.Wrap(err, "notifier connect to queue")
	}

	return &Notifier{
		cfg: cfg,
		pub: pub,
		log: log.With(logger, "component", "notifier"),
	}, nil
}

// NotifyUpdated announces a promoted entry. Failures are logged, never
// propagated: a broken broker must not fail the run.
func (n *Notifier) NotifyUpdated(ev UpdateEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		level.Error(n.log).Log("msg", "marshal update event", "id", ev.ID, "err", err)
		return
	}

	if err := n.pub.Pub(n.cfg.Subject, data); err != nil {
		level.Error(n.log).Log("msg", "publish update event", "id", ev.ID, "err", err)
	}
}

func (n *Notifier) Close() {
	n.pub.Close()
}
