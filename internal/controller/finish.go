package controller

import (
	"fmt"
	"os"

	"github.com/gridtree/jobtree/pkg/types"
)

// Finish implements the Finish Protocol (spec §4.6): given a
// (jobID, exitStatus) pair reaped from the backend, reconcile the
// on-disk state with what the backend reported and add the record's
// file back to the work set.
//
// Grounded line-for-line on original_source/src/master.py's
// processFinishedJob, which this renames to the error-kind language of
// spec §7 (PartialWriteDetected downgraded to a retry, via `red`).
func (c *Controller) Finish(jobID int, exitStatus int, workSet map[string]struct{}) error {
	entry, err := c.batcher.RemoveJobID(jobID)
	if err != nil {
		panic(fmt.Sprintf("controller: invariant violation: finish called for unknown job id %d: %v", jobID, err))
	}
	file := entry.File

	updating := file + ".updating"
	shadow := file + ".new"
	updatingPresent := fileExists(updating)
	shadowPresent := fileExists(shadow)

	if exitStatus == 0 && updatingPresent {
		c.logger.Error("controller: backend reported success but .updating is present", "file", file)
	}
	if exitStatus == 0 && shadowPresent {
		c.logger.Error("controller: backend reported success but .new is present", "file", file)
	}

	if exitStatus != 0 || shadowPresent || updatingPresent {
		if updatingPresent {
			if shadowPresent {
				if err := os.Remove(shadow); err != nil {
					return fmt.Errorf("controller: finish %s: remove incomplete shadow: %w", file, err)
				}
			}
			if err := os.Remove(updating); err != nil {
				return fmt.Errorf("controller: finish %s: remove marker: %w", file, err)
			}

			rec, err := c.store.ReadRecord(file)
			if err != nil {
				return fmt.Errorf("controller: finish %s: original must still be present: %w", file, err)
			}
			if len(rec.Children) != 0 || rec.BlackChildCount != rec.ChildCount {
				panic(fmt.Sprintf("controller: invariant violation: %s cannot reflect the crashed update's end state", file))
			}
			rec.Colour = types.Red
			if err := c.store.WriteRecord(rec); err != nil {
				return fmt.Errorf("controller: finish %s: %w", file, err)
			}
			c.logger.Error("controller: reverted interrupted update and marked failed", "file", file)
		} else if shadowPresent {
			if fileExists(file) {
				if err := os.Remove(file); err != nil {
					return fmt.Errorf("controller: finish %s: remove stale canonical: %w", file, err)
				}
			}
			if err := os.Rename(shadow, file); err != nil {
				return fmt.Errorf("controller: finish %s: promote shadow: %w", file, err)
			}

			rec, err := c.store.ReadRecord(file)
			if err != nil {
				return fmt.Errorf("controller: finish %s: %w", file, err)
			}
			if rec.Colour == types.Grey {
				rec.Colour = types.Red
				if err := c.store.WriteRecord(rec); err != nil {
					return fmt.Errorf("controller: finish %s: %w", file, err)
				}
			}
			if rec.Colour != types.Black && rec.Colour != types.Red {
				panic(fmt.Sprintf("controller: invariant violation: %s in unexpected colour %q after promoting shadow", file, rec.Colour))
			}
		} else {
			rec, err := c.store.ReadRecord(file)
			if err != nil {
				return fmt.Errorf("controller: finish %s: %w", file, err)
			}
			if rec.Colour == types.Black {
				c.logger.Warn("controller: backend reported failure but job appears to have completed", "file", file)
			} else {
				if len(rec.Children) != 0 || rec.BlackChildCount != rec.ChildCount {
					panic(fmt.Sprintf("controller: invariant violation: %s has live children at finish time", file))
				}
				if rec.Colour == types.Grey {
					rec.Colour = types.Red
					if err := c.store.WriteRecord(rec); err != nil {
						return fmt.Errorf("controller: finish %s: %w", file, err)
					}
				}
				c.logger.Error("controller: reverted and marked failed", "file", file)
			}
		}
	}

	if _, already := workSet[file]; already {
		panic(fmt.Sprintf("controller: invariant violation: %s added to the work set twice in one pass", file))
	}
	workSet[file] = struct{}{}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
