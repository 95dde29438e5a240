package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Keyed is a small file-backed list cache for per-category fetches, one
// JSON file per key with an embedded timestamp and a short TTL (hours, not
// days). Entries past the TTL read as absent.
type Keyed struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	now func() time.Time
}

type keyedEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Items     []string  `json:"items"`
	Count     int       `json:"count"`
}

// NewKeyed opens (and creates if needed) the keyed cache directory.
func NewKeyed(dir string, ttl time.Duration, logger *zap.Logger) (*Keyed, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Keyed{dir: dir, ttl: ttl, logger: logger, now: time.Now}, nil
}

func (c *Keyed) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the cached list if present and fresh.
func (c *Keyed) Get(key string) ([]string, bool) {
	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}
	var entry keyedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("corrupt cache entry, treating as miss",
			zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if c.now().Sub(entry.Timestamp) > c.ttl {
		return nil, false
	}
	return entry.Items, true
}

// Set stores the list under key with the current timestamp.
func (c *Keyed) Set(key string, items []string) error {
	entry := keyedEntry{
		Timestamp: c.now(),
		Items:     items,
		Count:     len(items),
	}
	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := os.WriteFile(c.path(key), raw, 0o644); err != nil {
		return fmt.Errorf("write cache entry %s: %w", key, err)
	}
	return nil
}

// Clear removes entries whose key starts with prefix; an empty prefix
// removes everything.
func (c *Keyed) Clear(prefix string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key := strings.TrimSuffix(name, ".json")
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			return fmt.Errorf("remove cache entry %s: %w", key, err)
		}
	}
	return nil
}
