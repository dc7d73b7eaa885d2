// Package minio implements the archive store on a MinIO bucket, for
// deployments that want the document archive off the local machine.
// Object puts are atomic on the server side, so the temp-then-rename
// discipline of the fs backend maps to put-then-index here.
package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/ValerySidorin/yoink/pkg/archive/record"
)

const (
	ArchivePrefix = "archive"
	IndexObjName  = ".yoink_index.json"

	timestampLayout = "20060102_150405"
)

type Config struct {
	Endpoint          string `yaml:"endpoint"`
	MinioRootUser     string `yaml:"minio_root_user"`
	MinioRootPassword string `yaml:"minio_root_password"`
	Secure            bool   `yaml:"secure"`
	Bucket            string `yaml:"bucket"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.Endpoint, "archive.minio.endpoint", "", "MinIO endpoint.")
	f.StringVar(&c.MinioRootUser, "archive.minio.root-user", "", "MinIO root user.")
	f.StringVar(&c.MinioRootPassword, "archive.minio.root-password", "", "MinIO root password.")
	f.BoolVar(&c.Secure, "archive.minio.secure", false, "Use TLS for MinIO connections.")
	f.StringVar(&c.Bucket, "archive.minio.bucket", "yoinkarchive", "MinIO bucket name.")
}

type Store struct {
	client *minio.Client
	bucket string
	prefix string
	log    log.Logger

	mu    sync.Mutex
	index map[string]*record.Record
}

func New(cfg Config, dir string, logger log.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioRootUser, cfg.MinioRootPassword, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize minio client")
	}

	found, err := client.BucketExists(context.Background(), cfg.Bucket)
	if err != nil {
		return nil, errors.Wrap(err, "check minio bucket exists")
	}

	if !found {
		if err := client.MakeBucket(context.Background(), cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "make minio bucket")
		}
	}

	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: objectPrefix(dir),
		log:    log.With(logger, "component", "archive", "bucket", cfg.Bucket),
	}

	if err := s.loadIndex(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

// objectPrefix normalizes a manifest folder into an object key prefix.
func objectPrefix(dir string) string {
	p := path.Clean(filepath.ToSlash(dir))
	p = strings.TrimPrefix(p, "./")
	return strings.Trim(p, "/")
}

func (s *Store) key(parts ...string) string {
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Store) loadIndex(ctx context.Context) error {
	s.index = make(map[string]*record.Record)

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(IndexObjName), minio.GetObjectOptions{})
	if err != nil {
		return errors.Wrap(err, "minio store get index")
	}
	defer obj.Close()

	buf, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return errors.Wrap(err, "minio store read index")
	}

	if err := json.Unmarshal(buf, &s.index); err != nil {
		return errors.Wrap(err, "minio store index corrupted")
	}

	return nil
}

func (s *Store) ReadCurrent(_ context.Context, id string) (*record.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[id]
	if !ok {
		return nil, false, nil
	}

	return rec.Clone(), true, nil
}

func (s *Store) Promote(ctx context.Context, id string, srcPath string, fingerprint string, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	finalKey := s.key(name)

	var history []record.Version
	if prev, ok := s.index[id]; ok {
		history = prev.History

		archivedKey := s.key(ArchivePrefix, archivedName(prev.Path, now))
		if _, err := s.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: s.bucket, Object: archivedKey},
			minio.CopySrcOptions{Bucket: s.bucket, Object: prev.Path},
		); err != nil {
			return "", errors.Wrap(err, "minio store archive previous")
		}

		history = append([]record.Version{{
			Fingerprint: prev.Fingerprint,
			Path:        archivedKey,
			ArchivedAt:  now,
		}}, history...)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", errors.Wrap(err, "minio store open payload")
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "minio store stat payload")
	}

	if _, err := s.client.PutObject(ctx, s.bucket, finalKey, f, stat.Size(), minio.PutObjectOptions{
		ContentType: "application/pdf",
	}); err != nil {
		return "", errors.Wrap(err, "minio store put payload")
	}

	s.index[id] = &record.Record{
		ID:          id,
		Fingerprint: fingerprint,
		Path:        finalKey,
		FetchedAt:   now,
		History:     history,
	}

	if err := s.writeIndex(ctx); err != nil {
		return "", err
	}

	if err := os.Remove(srcPath); err != nil {
		return "", errors.Wrap(err, "minio store remove payload temp")
	}

	return finalKey, nil
}

func archivedName(currentKey string, now time.Time) string {
	base := strings.TrimSuffix(path.Base(currentKey), path.Ext(currentKey))
	return fmt.Sprintf("%s_%s.pdf", base, now.Format(timestampLayout))
}

func (s *Store) writeIndex(ctx context.Context) error {
	buf, err := json.Marshal(s.index)
	if err != nil {
		return errors.Wrap(err, "minio store marshal index")
	}

	if _, err := s.client.PutObject(ctx, s.bucket, s.key(IndexObjName),
		bytes.NewReader(buf), int64(len(buf)), minio.PutObjectOptions{
			ContentType: "application/json",
		}); err != nil {
		return errors.Wrap(err, "minio store put index")
	}

	return nil
}

func (s *Store) ListHistory(_ context.Context, id string) ([]record.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[id]
	if !ok {
		return nil, nil
	}

	out := make([]record.Version, len(rec.History))
	copy(out, rec.History)

	return out, nil
}
