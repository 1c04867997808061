package settler

import (
	"sync"
	"time"

	"github.com/raulk/clock"
)

// completionScheduler runs one deferred job per key. A job is marked
// cancelled before its timer is stopped, and a firing timer checks the mark
// under the same lock before running, so a cancel that races a firing timer
// always wins.
type completionScheduler struct {
	clock clock.Clock

	lk   sync.Mutex
	jobs map[string]*scheduledJob
	wg   sync.WaitGroup
}

type scheduledJob struct {
	at        time.Time
	timer     *clock.Timer
	cancelled bool
}

func newCompletionScheduler(clk clock.Clock) *completionScheduler {
	return &completionScheduler{clock: clk, jobs: map[string]*scheduledJob{}}
}

// Schedule arms fn to run at at, replacing any job under key.
func (cs *completionScheduler) Schedule(key string, at time.Time, fn func()) {
	cs.lk.Lock()
	defer cs.lk.Unlock()

	cs.cancelLocked(key)

	job := &scheduledJob{at: at}
	cs.jobs[key] = job
	cs.wg.Add(1)
	job.timer = cs.clock.AfterFunc(at.Sub(cs.clock.Now()), func() {
		defer cs.wg.Done()

		cs.lk.Lock()
		if job.cancelled || cs.jobs[key] != job {
			cs.lk.Unlock()
			return
		}
		delete(cs.jobs, key)
		cs.lk.Unlock()

		fn()
	})
}

// Cancel reports whether a pending job was cancelled.
func (cs *completionScheduler) Cancel(key string) bool {
	cs.lk.Lock()
	defer cs.lk.Unlock()
	return cs.cancelLocked(key)
}

func (cs *completionScheduler) cancelLocked(key string) bool {
	job, ok := cs.jobs[key]
	if !ok {
		return false
	}
	job.cancelled = true
	if job.timer.Stop() {
		cs.wg.Done()
	}
	delete(cs.jobs, key)
	return true
}

// Deadline returns when the job under key is due.
func (cs *completionScheduler) Deadline(key string) (time.Time, bool) {
	cs.lk.Lock()
	defer cs.lk.Unlock()
	job, ok := cs.jobs[key]
	if !ok {
		return time.Time{}, false
	}
	return job.at, true
}

// Stop cancels every pending job and waits for running ones.
func (cs *completionScheduler) Stop() {
	cs.lk.Lock()
	for key := range cs.jobs {
		cs.cancelLocked(key)
	}
	cs.lk.Unlock()
	cs.wg.Wait()
}
