// Recovery pass (spec §4.4), grounded on original_source/src/master.py's
// fixJobsList (marker + shadow repair) and restartFailedJobs (retry
// reset, red->grey demotion), reshaped into the teacher's
// load-then-classify two-step recovery style
// (internal/controller.Controller.loadSnapshot + replayWAL).
package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gridtree/jobtree/pkg/types"
)

const recordSuffix = ".json"

// Recover repairs the on-disk record directory and returns the initial
// controller work set: every surviving record whose colour is not
// Blue (spec §4.4 step 4). retryCount is the configured default
// retry budget every surviving record is reset to.
//
// Recover is idempotent (spec L2): running it twice in a row produces
// the same on-disk state and the same work set both times, because
// step 1 and step 2 are no-ops once no marker or orphaned shadow
// remains, and step 3's retry reset/demotion is itself idempotent.
func (s *Store) Recover(dir string, retryCount int) ([]*types.Record, error) {
	if err := s.repairMarkers(dir); err != nil {
		return nil, err
	}
	if err := s.promoteOrphanedShadows(dir); err != nil {
		return nil, err
	}

	canonicalPaths, err := listCanonicalRecords(dir)
	if err != nil {
		return nil, err
	}

	var workSet []*types.Record
	for _, path := range canonicalPaths {
		rec, err := s.ReadRecord(path)
		if err != nil {
			return nil, fmt.Errorf("store: recover %s: %w", path, err)
		}

		rec.RemainingRetryCount = retryCount
		if rec.Colour == types.Red {
			rec.Colour = types.Grey
		}
		if err := s.WriteRecord(rec); err != nil {
			return nil, fmt.Errorf("store: recover checkpoint %s: %w", path, err)
		}

		if rec.Colour != types.Blue {
			workSet = append(workSet, rec)
		}
	}

	return workSet, nil
}

// repairMarkers implements spec §4.4 step 1: every interrupted
// multi-file write is voided by discarding its (possibly partial) set
// of .new shadows and removing the marker. The canonical files it
// referenced are left untouched — they remain authoritative, per the
// crash-recovery description in spec §4.1 ("original files remain
// authoritative"); original_source/src/master.py's fixJobsList never
// deletes a canonical file either.
func (s *Store) repairMarkers(dir string) error {
	markers, err := findBySuffix(dir, ".updating")
	if err != nil {
		return err
	}

	for _, marker := range markers {
		payload, err := os.ReadFile(marker)
		if err != nil {
			return fmt.Errorf("store: read marker %s: %w", marker, err)
		}
		for _, shadow := range strings.Fields(string(payload)) {
			if _, err := os.Stat(shadow); err == nil {
				if err := os.Remove(shadow); err != nil {
					return fmt.Errorf("store: void shadow %s: %w", shadow, err)
				}
			}
		}
		if err := os.Remove(marker); err != nil {
			return fmt.Errorf("store: remove marker %s: %w", marker, err)
		}
		slog.Info("recovery: voided interrupted update", "marker", marker)
	}
	return nil
}

// promoteOrphanedShadows implements spec §4.4 step 2: a .new file
// with no marker means the commit reached step 4 but crashed before
// (or during) the final rename; it is safe to promote.
func (s *Store) promoteOrphanedShadows(dir string) error {
	shadows, err := findBySuffix(dir, ".new")
	if err != nil {
		return err
	}

	for _, shadow := range shadows {
		canonical := strings.TrimSuffix(shadow, ".new")
		if _, err := os.Stat(canonical); err == nil {
			if err := os.Remove(canonical); err != nil {
				return fmt.Errorf("store: remove stale %s: %w", canonical, err)
			}
		}
		if err := os.Rename(shadow, canonical); err != nil {
			return fmt.Errorf("store: promote orphan %s: %w", shadow, err)
		}
		slog.Info("recovery: promoted committed update", "file", canonical)
	}
	return nil
}

func findBySuffix(dir string, suffix string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, suffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: walk %s: %w", dir, err)
	}
	return matches, nil
}

func listCanonicalRecords(dir string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, recordSuffix) {
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("store: walk %s: %w", dir, err)
	}
	return matches, nil
}
