package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStartupSpread caps the first-run delay of interval jobs.
const maxStartupSpread = 30 * time.Second

// delayedFirst holds back the first activation of base until first.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// spreadOffset maps (salt, id) onto [0, window). The same backend keeps a job
// on one slot; backends with different salts land apart.
func spreadOffset(salt, id string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return time.Duration(h.Sum64() % uint64(window))
}

// spreadInterval schedules an every-interval job whose first run lands at
// now+every+offset, offset below min(every, maxStartupSpread).
func spreadInterval(every time.Duration, now time.Time, salt, id string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxStartupSpread)
	offset := spreadOffset(salt, id, window)
	if offset == 0 {
		return base, 0
	}
	return delayedFirst{base: base, first: now.Add(every + offset)}, offset
}
