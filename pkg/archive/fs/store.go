// Package fs implements the archive store on a local filesystem.
// Promotions use write-temp-then-rename, so a crash mid-promote leaves
// at most an orphaned temporary file and never corrupts the current
// version.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/ValerySidorin/yoink/pkg/archive/record"
)

const (
	ArchiveDirName = "archive"
	IndexFileName  = ".yoink_index.json"

	timestampLayout = "20060102_150405"
)

type Store struct {
	fs  afero.Fs
	dir string
	log log.Logger

	mu    sync.Mutex
	index map[string]*record.Record
}

func New(afs afero.Fs, dir string, logger log.Logger) (*Store, error) {
	if err := afs.MkdirAll(filepath.Join(dir, ArchiveDirName), 0o755); err != nil {
		return nil, errors.Wrap(err, "fs store create dirs")
	}

	s := &Store{
		fs:  afs,
		dir: dir,
		log: log.With(logger, "component", "archive", "dir", dir),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) loadIndex() error {
	s.index = make(map[string]*record.Record)

	buf, err := afero.ReadFile(s.fs, s.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrap(err, "fs store read index")
	}

	// A corrupt index is reported, not silently rebuilt: rebuilding
	// would turn every entry into a spurious update.
	if err := json.Unmarshal(buf, &s.index); err != nil {
		return errors.Wrap(err, "fs store index corrupted")
	}

	return nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, IndexFileName)
}

func (s *Store) ReadCurrent(_ context.Context, id string) (*record.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.index[id]
	if !ok {
		return nil, false, nil
	}

	exists, err := afero.Exists(s.fs, rec.Path)
	if err != nil {
		return nil, false, errors.Wrap(err, "fs store stat current")
	}

	if !exists {
		level.Warn(s.log).Log("msg", "current file missing, will be re-fetched", "id", id, "path", rec.Path)
		return nil, false, nil
	}

	return rec.Clone(), true, nil
}

func (s *Store) Promote(_ context.Context, id string, srcPath string, fingerprint string, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	finalPath := filepath.Join(s.dir, name)
	now := time.Now().UTC()

	var history []record.Version
	if prev, ok := s.index[id]; ok {
		history = prev.History

		exists, err := afero.Exists(s.fs, prev.Path)
		if err != nil {
			return "", errors.Wrap(err, "fs store stat previous")
		}

		if exists {
			archivedPath, err := s.archivedPath(prev, now)
			if err != nil {
				return "", err
			}
			if err := s.fs.Rename(prev.Path, archivedPath); err != nil {
				return "", errors.Wrap(err, "fs store archive previous")
			}

			history = append([]record.Version{{
				Fingerprint: prev.Fingerprint,
				Path:        archivedPath,
				ArchivedAt:  now,
			}}, history...)
		}
	}

	if err := s.fs.Rename(srcPath, finalPath); err != nil {
		return "", errors.Wrap(err, "fs store promote rename")
	}

	s.index[id] = &record.Record{
		ID:          id,
		Fingerprint: fingerprint,
		Path:        finalPath,
		FetchedAt:   now,
		History:     history,
	}

	if err := s.writeIndex(); err != nil {
		return "", err
	}

	return finalPath, nil
}

func (s *Store) archivedPath(prev *record.Record, now time.Time) (string, error) {
	base := strings.TrimSuffix(filepath.Base(prev.Path), filepath.Ext(prev.Path))
	path := filepath.Join(s.dir, ArchiveDirName,
		fmt.Sprintf("%s_%s.pdf", base, now.Format(timestampLayout)))

	// Two promotions of the same entry within one second would collide
	// on the timestamp alone.
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return "", errors.Wrap(err, "fs store stat archived")
	}
	if exists {
		path = filepath.Join(s.dir, ArchiveDirName,
			fmt.Sprintf("%s_%s_%s.pdf", base, now.Format(timestampLayout), shortFingerprint(prev.Fingerprint)))
	}

	return path, nil
}

func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}

// writeIndex persists the index with the same temp-then-rename
// discipline used for payloads.
func (s *Store) writeIndex() error {
	buf, err := json.Marshal(s.index)
	if err != nil {
		return errors.Wrap(err, "fs store marshal index")
	}

	tmpPath := s.indexPath() + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, buf, 0o644); err != nil {
		return errors.Wrap(err, "fs store write index")
	}

	if err := s.fs.Rename(tmpPath, s.indexPath()); err != nil {
		// Some filesystems refuse to replace an existing file on
		// rename. Losing atomicity there is acceptable: the index can
		// be re-derived from a re-run, payload files cannot.
		if removeErr := s.fs.Remove(s.indexPath()); removeErr != nil {
			return errors.Wrap(err, "fs store rename index")
		}
		if err := s.fs.Rename(tmpPath, s.indexPath()); err != nil {
			return errors.Wrap(err, "fs store rename index")
		}
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
