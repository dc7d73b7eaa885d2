// Package queue abstracts the message broker used to announce archive
// updates to downstream consumers.
package queue

import (
	"flag"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/ValerySidorin/yoink/pkg/queue/nats"
)

type Config struct {
	Type string      `yaml:"type"`
	Nats nats.Config `yaml:"nats"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Type, "notify.queue", "", "Queue type for update notifications (nats). Empty disables notifications.")
	c.Nats.RegisterFlags(f)
}

type Publisher interface {
	Pub(subject string, data []byte) error
	Close()
}

func NewPublisher(cfg Config, logger log.Logger) (Publisher, error) {
	switch cfg.Type {
	case "nats":
		return nats.NewClient(cfg.Nats, logger)
	default:
		return nil, errors.Errorf("invalid queue type: %s", cfg.Type)
	}
}
