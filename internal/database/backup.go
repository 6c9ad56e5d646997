package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"migranthub/internal/config"

	"github.com/rs/zerolog"
)

const (
	snapshotPrefix   = "queue_"
	snapshotExt      = ".db"
	snapshotStamp    = "20060102T150405.000"
	snapshotInterval = 24 * time.Hour
)

// Snapshotter copies the operation store aside on a schedule so a corrupted
// queue file can be replaced by the last good one.
type Snapshotter struct {
	db       *DB
	dir      string
	interval time.Duration
	keep     time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func NewSnapshotter(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *Snapshotter {
	s := &Snapshotter{
		db:       db,
		dir:      cfg.StoragePath,
		interval: snapshotInterval,
		keep:     time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	if logger != nil {
		s.log = logger.With().Str("component", "snapshots").Logger()
	}
	if cfg.Schedule != "" {
		if d, err := time.ParseDuration(cfg.Schedule); err == nil && d > 0 {
			s.interval = d
		} else {
			s.log.Warn().Str("schedule", cfg.Schedule).Dur("fallback", s.interval).Msg("bad snapshot schedule")
		}
	}
	return s
}

// Run takes one snapshot immediately and then one per interval until ctx ends.
func (s *Snapshotter) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Str("dir", s.dir).Msg("snapshots enabled")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("snapshot failed")
		}
		if removed := s.Prune(); removed > 0 {
			s.log.Info().Int("removed", removed).Msg("pruned snapshots")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot writes a consistent copy of the store with VACUUM INTO. The copy is
// built under a temporary name and renamed, so readers never see a partial file.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot dir: %w", err)
	}

	final := filepath.Join(s.dir, snapshotPrefix+s.now().UTC().Format(snapshotStamp)+snapshotExt)
	tmp := final + ".tmp"
	_ = os.Remove(tmp)

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("vacuum into %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish snapshot: %w", err)
	}

	s.log.Debug().Str("path", final).Msg("snapshot written")
	return final, nil
}

// Snapshots lists snapshot paths, oldest first.
func (s *Snapshotter) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if _, ok := snapshotTime(e.Name()); ok && !e.IsDir() {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	// The timestamp layout sorts lexically.
	sort.Strings(paths)
	return paths, nil
}

// Prune removes snapshots whose embedded timestamp is older than the retention
// window. The newest snapshot always survives. It returns how many were removed.
func (s *Snapshotter) Prune() int {
	if s.keep <= 0 {
		return 0
	}
	paths, err := s.Snapshots()
	if err != nil {
		s.log.Warn().Err(err).Msg("list snapshots")
		return 0
	}

	cutoff := s.now().Add(-s.keep)
	removed := 0
	for i, path := range paths {
		if i == len(paths)-1 {
			break
		}
		taken, _ := snapshotTime(filepath.Base(path))
		if !taken.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("remove snapshot")
			continue
		}
		removed++
	}
	return removed
}

func snapshotTime(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotExt) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotExt)
	t, err := time.ParseInLocation(snapshotStamp, stamp, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
