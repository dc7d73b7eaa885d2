package nats

import (
	"flag"

	"github.com/go-kit/log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type Config struct {
	Url string `yaml:"url"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Url, "notify.nats.url", nats.DefaultURL, "NATS connection URL.")
}

type Client struct {
	conn *nats.Conn
	log  log.Logger
}

func NewClient(cfg Config, logger log.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.Url)
	if err != nil {
		return nil, errors.Wrap(err, "initialize nats connection")
	}

	return &Client{
		conn: conn,
		log:  logger,
	}, nil
}

func (c *Client) Pub(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, "nats publish")
	}

	return nil
}

func (c *Client) Close() {
	// Flush so buffered notifications are not lost on process exit.
	_ = c.conn.Flush()
	c.conn.Close()
}
