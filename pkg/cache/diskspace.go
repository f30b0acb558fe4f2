package cache

import (
	"time"
)

const bytesPerMB = 1 << 20

// FreeSpaceFunc reports the free megabytes of the volume holding path.
type FreeSpaceFunc func(path string) (uint64, error)

// waitForSpace blocks until the cache volume can take dumpBytes while keeping
// MinFreeMB free. It polls until external pruning reclaims space and never fails.
// Callers hold c.mu.
func (c *FrameCache) waitForSpace(dumpBytes int) {
	if c.cfg.MinFreeMB < 0 || c.FreeSpace == nil {
		return
	}
	floor := uint64(c.cfg.MinFreeMB)
	need := uint64((dumpBytes + bytesPerMB - 1) / bytesPerMB)

	start := time.Now()
	for attempt := 0; ; attempt++ {
		free, err := c.FreeSpace(c.cfg.Dir)
		if err != nil {
			c.logger.Warn().Err(err).Str("dir", c.cfg.Dir).Msg("Failed to query free disk space")
			return
		}
		if free > floor && free >= need+floor {
			if attempt > 0 {
				c.logger.Info().
					Uint64("free_mb", free).
					Dur("stalled", time.Since(start)).
					Msg("Disk space reclaimed, resuming cache dump")
			}
			return
		}

		c.Metrics.RecordDiskStall()
		if attempt%10 == 0 {
			c.logger.Error().
				Bool("critical", true).
				Uint64("free_mb", free).
				Uint64("dump_mb", need).
				Uint64("min_free_mb", floor).
				Int("attempt", attempt+1).
				Msg("Disk space low, waiting for the cache volume to be pruned")
		}
		time.Sleep(c.cfg.PollInterval)
	}
}
