// Package archive persists the current file per entry plus historical
// versions, keyed by entry identifier.
package archive

import (
	"context"
	"flag"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ValerySidorin/yoink/pkg/archive/fs"
	"github.com/ValerySidorin/yoink/pkg/archive/minio"
	"github.com/ValerySidorin/yoink/pkg/archive/record"
)

type Config struct {
	Store string       `yaml:"store"`
	Minio minio.Config `yaml:"minio"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Store, "archive.store", "fs", "Archive store backend (fs, minio).")
	c.Minio.RegisterFlags(f)
}

// Store is a durable mapping from identifier to current file,
// fingerprint and history.
type Store interface {
	// ReadCurrent returns the current record for id, or found=false
	// when the entry has never been archived.
	ReadCurrent(ctx context.Context, id string) (rec *record.Record, found bool, err error)

	// Promote moves the fully written payload at srcPath into the
	// current slot for id, demoting the prior current version (if any)
	// into history. The move is atomic with respect to crashes: a
	// crash mid-promote orphans at most the temporary file.
	Promote(ctx context.Context, id string, srcPath string, fingerprint string, name string) (path string, err error)

	// ListHistory returns superseded versions, most recent first.
	ListHistory(ctx context.Context, id string) ([]record.Version, error)
}

func NewStore(cfg Config, dir string, logger log.Logger) (Store, error) {
	switch cfg.Store {
	case "", "fs":
		return fs.New(afero.NewOsFs(), dir, logger)
	case "minio":
		return minio.New(cfg.Minio, dir, logger)
	}

	return nil, errors.Errorf("invalid archive store: %s", cfg.Store)
}
