// Package store implements the durable store protocol of spec §4.1:
// atomic multi-record updates over a directory of job record files
// using an `.updating` marker and `.new` shadow files.
//
// Grounded on the teacher's internal/snapshot.Manager.Write (temp file
// + os.Rename atomic commit), generalized from one file to the N-file
// marker protocol original_source/src/master.py's writeJobs performs,
// and serialized with encoding/json the way the teacher's snapshot
// manager serializes its snapshot file.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gridtree/jobtree/pkg/types"
)

var (
	// ErrUpdatingExists is returned when a write is attempted while a
	// previous update for the same batch is still in flight — this
	// should never happen in a correctly single-threaded controller
	// and signals an InvariantViolation (spec §7) to the caller.
	ErrUpdatingExists = errors.New("store: .updating marker already exists")
	// ErrShadowExists mirrors ErrUpdatingExists for the per-record
	// .new shadow file precondition in step 3 of the protocol.
	ErrShadowExists = errors.New("store: .new shadow already exists")
)

func updatingPath(canonical string) string { return canonical + ".updating" }
func shadowPath(canonical string) string   { return canonical + ".new" }

// Store writes and reads job records under the durable-store protocol.
// A single Store is safe for concurrent use; callers outside this
// process (e.g. a harness subprocess writing its own record) coordinate
// purely through the filesystem, since the controller never touches a
// record it has issued until a completion or rescue returns it.
type Store struct {
	mu sync.Mutex
}

// New returns a ready-to-use Store.
func New() *Store {
	return &Store{}
}

// ReadRecord deserializes the canonical record file at path.
func (s *Store) ReadRecord(path string) (*types.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	var rec types.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return &rec, nil
}

// WriteRecord durably writes a single record, a degenerate one-element
// call to WriteRecords (spec §4.1: "writes for a single record use the
// same protocol degenerately").
func (s *Store) WriteRecord(r *types.Record) error {
	return s.WriteRecords([]*types.Record{r})
}

// WriteRecords atomically commits a batch of records via the
// marker + shadow + rename protocol:
//
//  1. choose U = first(records).File + ".updating"; it must not exist.
//  2. write into U the space-separated list of each record's .new path.
//  3. write each record's full serialization to its .new shadow.
//  4. remove U.
//  5. for each record, remove the canonical file if present and rename
//     its .new shadow over it.
//
// Any failure between steps 1 and 4 leaves the canonical files as the
// authoritative state; a later store.Recover call discards the
// half-written shadows. A failure after step 4 is completed by
// promoting any surviving .new files on the next Recover call.
func (s *Store) WriteRecords(records []*types.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, dup := seen[r.File]; dup {
			return fmt.Errorf("store: duplicate record %s in one write batch", r.File)
		}
		seen[r.File] = struct{}{}
	}

	marker := updatingPath(records[0].File)
	if _, err := os.Stat(marker); err == nil {
		return ErrUpdatingExists
	}

	shadows := make([]string, len(records))
	for i, r := range records {
		shadows[i] = shadowPath(r.File)
	}
	if err := os.WriteFile(marker, []byte(strings.Join(shadows, " ")), 0o644); err != nil {
		return fmt.Errorf("store: write marker %s: %w", marker, err)
	}

	for i, r := range records {
		if _, err := os.Stat(shadows[i]); err == nil {
			return fmt.Errorf("%w: %s", ErrShadowExists, shadows[i])
		}
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("store: marshal %s: %w", r.File, err)
		}
		if err := os.WriteFile(shadows[i], data, 0o644); err != nil {
			return fmt.Errorf("store: write shadow %s: %w", shadows[i], err)
		}
	}

	if err := os.Remove(marker); err != nil {
		return fmt.Errorf("store: remove marker %s: %w", marker, err)
	}

	for i, r := range records {
		if _, err := os.Stat(r.File); err == nil {
			if err := os.Remove(r.File); err != nil {
				return fmt.Errorf("store: remove stale %s: %w", r.File, err)
			}
		}
		if err := os.Rename(shadows[i], r.File); err != nil {
			return fmt.Errorf("store: promote %s: %w", shadows[i], err)
		}
	}

	return nil
}

// DeleteRecord removes a dead record's canonical file from disk
// (invariant I4: deletion only happens once a record has reached dead
// and its parent has absorbed the completion).
func (s *Store) DeleteRecord(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s: %w", path, err)
	}
	return nil
}
