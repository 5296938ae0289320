package controller

import "context"

// killAfterNTimesMissing mirrors master.py's constant of the same
// purpose: a job id has to vanish from the backend's own issued-id
// listing this many consecutive sweeps before the controller gives up
// waiting for it and force-fails it.
const killAfterNTimesMissing = 3

// sixteenWeeksSeconds is the "this can't possibly be real" ceiling
// master.py uses to skip the over-long-job sweep when the configured
// thresholds are absurdly high (e.g. left at a default meant for a
// batch system with week-long queue waits).
const sixteenWeeksSeconds = 16 * 7 * 24 * 3600

// reissueOverLongJobs implements spec §4.7's first rescue sweep:
// kill and fail any backend job that has been running longer than its
// allowed duration, so a hung process doesn't block the tree forever.
func (c *Controller) reissueOverLongJobs(ctx context.Context, workSet map[string]struct{}) error {
	threshold := c.cfg.MaxJobDuration
	if floor := c.cfg.JobTime * 10; floor > threshold {
		threshold = floor
	}
	if threshold <= 0 || threshold >= sixteenWeeksSeconds {
		return nil
	}

	running, err := c.backend.GetRunningJobIDs(ctx)
	if err != nil {
		return err
	}

	for id, elapsed := range running {
		if elapsed < threshold {
			continue
		}
		entry, err := c.batcher.GetJob(id)
		if err != nil {
			// Already reaped by a concurrent Finish; nothing to do.
			continue
		}
		c.logger.Warn("controller: killing over-long job", "job_id", id, "file", entry.File, "elapsed_seconds", elapsed)
		if err := c.backend.KillJobs(ctx, []int{id}); err != nil {
			return err
		}
		if err := c.Finish(id, 1, workSet); err != nil {
			return err
		}
		if c.metricsCollector != nil {
			c.metricsCollector.RecordRescue()
		}
	}
	return nil
}

// reissueMissingJobs implements spec §4.7's second rescue sweep:
// compare the backend's own notion of which ids it still has issued
// against the batcher's bookkeeping, and fail any id that has been
// issued to the batcher but absent from the backend's listing for
// killAfterNTimesMissing consecutive sweeps — the backend lost track
// of it. Returns whether the miss table is now empty, so the caller
// can back off the sweep frequency while nothing is missing.
func (c *Controller) reissueMissingJobs(ctx context.Context, workSet map[string]struct{}) (bool, error) {
	issued, err := c.backend.GetIssuedJobIDs(ctx)
	if err != nil {
		return false, err
	}
	known := make(map[int]struct{}, len(issued))
	for _, id := range issued {
		known[id] = struct{}{}
	}

	for _, id := range c.batcher.GetJobIDs() {
		if _, ok := known[id]; ok {
			delete(c.missingCounts, id)
			continue
		}
		c.missingCounts[id]++
		if c.missingCounts[id] < killAfterNTimesMissing {
			continue
		}
		delete(c.missingCounts, id)
		entry, err := c.batcher.GetJob(id)
		if err != nil {
			continue
		}
		c.logger.Error("controller: job missing from backend, giving up on it", "job_id", id, "file", entry.File)
		_ = c.backend.KillJobs(ctx, []int{id})
		if err := c.Finish(id, 1, workSet); err != nil {
			return false, err
		}
		if c.metricsCollector != nil {
			c.metricsCollector.RecordRescue()
		}
	}

	stillIssued := make(map[int]struct{}, len(c.missingCounts))
	for _, id := range c.batcher.GetJobIDs() {
		stillIssued[id] = struct{}{}
	}
	for id := range c.missingCounts {
		if _, ok := stillIssued[id]; !ok {
			delete(c.missingCounts, id)
		}
	}

	return len(c.missingCounts) == 0, nil
}
