// Package manifest loads and validates the YAML download manifest.
package manifest

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

const (
	SupportedVersion = 1

	FilenameModeItem  = "item"
	FilenameModeTitle = "title"
)

type Config struct {
	Version   int                       `yaml:"version"`
	Downloads map[string]CategoryConfig `yaml:"downloads"`
}

type CategoryConfig struct {
	Folder       string   `yaml:"folder"`
	BaseURL      string   `yaml:"base_url"`
	FilenameMode string   `yaml:"filename_mode"`
	Items        []string `yaml:"items"`
}

// Entry is one unit of work for the coordinator: a single document to
// resolve, fetch and archive. Entries are immutable once loaded.
type Entry struct {
	Category     string
	Item         string
	BaseURL      string
	Folder       string
	FilenameMode string
}

// ID returns the unique identifier of the entry. Uniqueness across the
// whole manifest is enforced by Validate, which in turn guarantees that
// at most one worker ever promotes a given identifier per run.
func (e Entry) ID() string {
	return e.Category + "/" + e.Item
}

// Load reads, parses and validates a manifest file. It fails closed:
// any schema violation is an error before any download is dispatched.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "manifest read file")
	}

	return Parse(buf)
}

// Parse parses and validates raw manifest bytes.
func Parse(buf []byte) (*Config, error) {
	cfg := Config{}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return nil, errors.Wrap(err, "manifest unmarshal")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return errors.Errorf("unsupported manifest version: %d", c.Version)
	}

	if len(c.Downloads) == 0 {
		return errors.New("manifest has no downloads section")
	}

	for category, settings := range c.Downloads {
		if settings.Folder == "" {
			return errors.Errorf("category %s is missing folder", category)
		}

		if settings.BaseURL == "" {
			return errors.Errorf("category %s is missing base_url", category)
		}

		if settings.FilenameMode != "" &&
			settings.FilenameMode != FilenameModeItem &&
			settings.FilenameMode != FilenameModeTitle {
			return errors.Errorf("category %s has invalid filename_mode: %s", category, settings.FilenameMode)
		}

		if len(settings.Items) == 0 {
			return errors.Errorf("category %s has no items", category)
		}

		for _, item := range settings.Items {
			if item == "" {
				return errors.Errorf("category %s contains an empty item", category)
			}
		}
	}

	return nil
}

// Entries flattens the manifest into the work list. Category order is
// stabilized so runs are reproducible; duplicate identifiers are an
// error here rather than a race later.
func (c *Config) Entries() ([]Entry, error) {
	categories := lo.Keys(c.Downloads)
	sort.Strings(categories)

	entries := make([]Entry, 0)
	for _, category := range categories {
		settings := c.Downloads[category]

		mode := settings.FilenameMode
		if mode == "" {
			mode = FilenameModeItem
		}

		for _, item := range settings.Items {
			entries = append(entries, Entry{
				Category:     category,
				Item:         item,
				BaseURL:      settings.BaseURL,
				Folder:       settings.Folder,
				FilenameMode: mode,
			})
		}
	}

	dups := lo.FindDuplicatesBy(entries, func(e Entry) string {
		return e.ID()
	})
	if len(dups) > 0 {
		return nil, errors.Errorf("manifest contains duplicate item: %s", dups[0].ID())
	}

	return entries, nil
}
