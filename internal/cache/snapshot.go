package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Snapshot is the file-backed tier for full category snapshots. Each
// (universe, depth) pair maps to one JSON document of bucket -> titles plus
// a sibling metadata document carrying creation time and TTL. Expired or
// unreadable entries are treated as absent; files are removed only by
// Invalidate.
type Snapshot struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	now func() time.Time
}

// SnapshotMeta describes one stored snapshot.
type SnapshotMeta struct {
	Universe      string    `json:"universe"`
	Depth         int       `json:"depth"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TotalArticles int       `json:"total_articles"`
	Buckets       int       `json:"buckets"`
}

// NewSnapshot opens (and creates if needed) the snapshot directory.
func NewSnapshot(dir string, ttl time.Duration, logger *zap.Logger) (*Snapshot, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshot{dir: dir, ttl: ttl, logger: logger, now: time.Now}, nil
}

func (s *Snapshot) dataPath(universe string, depth int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_depth%d.json", universe, depth))
}

func (s *Snapshot) metaPath(universe string, depth int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_depth%d_meta.json", universe, depth))
}

func (s *Snapshot) readMeta(universe string, depth int) (SnapshotMeta, bool) {
	raw, err := os.ReadFile(s.metaPath(universe, depth))
	if err != nil {
		return SnapshotMeta{}, false
	}
	var meta SnapshotMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.logger.Warn("corrupt snapshot metadata, treating as miss",
			zap.String("universe", universe), zap.Int("depth", depth), zap.Error(err))
		return SnapshotMeta{}, false
	}
	return meta, true
}

// IsValid reports whether a fresh snapshot exists for (universe, depth).
func (s *Snapshot) IsValid(universe string, depth int) bool {
	if _, err := os.Stat(s.dataPath(universe, depth)); err != nil {
		return false
	}
	meta, ok := s.readMeta(universe, depth)
	if !ok {
		return false
	}
	return s.now().Sub(meta.CreatedAt) <= s.ttl
}

// Load returns the snapshot if present and fresh. Corrupt payloads count
// as a miss, never as an error.
func (s *Snapshot) Load(universe string, depth int) (map[string][]string, bool) {
	if !s.IsValid(universe, depth) {
		return nil, false
	}
	raw, err := os.ReadFile(s.dataPath(universe, depth))
	if err != nil {
		return nil, false
	}
	var data map[string][]string
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("corrupt snapshot payload, treating as miss",
			zap.String("universe", universe), zap.Int("depth", depth), zap.Error(err))
		return nil, false
	}
	return data, true
}

// Save writes the snapshot and its metadata. The payload is written first
// so a crash between the two writes leaves an entry IsValid rejects.
func (s *Snapshot) Save(universe string, depth int, data map[string][]string) error {
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(s.dataPath(universe, depth), payload, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	total := 0
	for _, titles := range data {
		total += len(titles)
	}
	created := s.now()
	meta := SnapshotMeta{
		Universe:      universe,
		Depth:         depth,
		CreatedAt:     created,
		ExpiresAt:     created.Add(s.ttl),
		TotalArticles: total,
		Buckets:       len(data),
	}
	rawMeta, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(universe, depth), rawMeta, 0o644); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}

	s.logger.Info("snapshot saved",
		zap.String("universe", universe),
		zap.Int("depth", depth),
		zap.Int("articles", total))
	return nil
}

// LoadStale returns the snapshot payload regardless of freshness, for
// callers that prefer stale data over no data. Corrupt payloads still
// count as a miss.
func (s *Snapshot) LoadStale(universe string, depth int) (map[string][]string, bool) {
	raw, err := os.ReadFile(s.dataPath(universe, depth))
	if err != nil {
		return nil, false
	}
	var data map[string][]string
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn("corrupt snapshot payload, treating as miss",
			zap.String("universe", universe), zap.Int("depth", depth), zap.Error(err))
		return nil, false
	}
	return data, true
}

// Invalidate removes the snapshot and its metadata. Missing files are not
// an error.
func (s *Snapshot) Invalidate(universe string, depth int) error {
	for _, path := range []string{s.dataPath(universe, depth), s.metaPath(universe, depth)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// Stats returns the metadata of a stored snapshot regardless of freshness.
func (s *Snapshot) Stats(universe string, depth int) (SnapshotMeta, bool) {
	return s.readMeta(universe, depth)
}
