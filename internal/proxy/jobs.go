package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is a download job's lifecycle position.
type JobState string

const (
	JobRunning   JobState = "running"
	JobDone      JobState = "done"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Progress is one job update delivered to subscribers.
type Progress struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
	Bytes int64    `json:"bytes"`
	Total int64    `json:"total,omitempty"`
	Error string   `json:"error,omitempty"`
}

// progressInterval throttles mid-flight updates; terminal states always
// emit.
const progressInterval = 500 * time.Millisecond

// Job is one in-flight or finished media download.
type Job struct {
	ID   string
	Name string
	Dest string

	cancel context.CancelFunc

	mu         sync.Mutex
	state      JobState
	bytes      int64
	total      int64
	err        error
	lastEmit   time.Time
	finishedAt time.Time
	subs       map[chan Progress]struct{}
}

func newJob(name, dest string, cancel context.CancelFunc) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Name:   name,
		Dest:   dest,
		cancel: cancel,
		state:  JobRunning,
		subs:   make(map[chan Progress]struct{}),
	}
}

// Cancel aborts a running job. Terminal jobs ignore it.
func (j *Job) Cancel() {
	j.cancel()
}

// Status returns the job's current progress.
func (j *Job) Status() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressLocked()
}

func (j *Job) progressLocked() Progress {
	p := Progress{JobID: j.ID, State: j.state, Bytes: j.bytes, Total: j.total}
	if j.err != nil {
		p.Error = j.err.Error()
	}
	return p
}

// Subscribe returns a progress channel plus a detach func. The channel gets
// an immediate snapshot and closes once the job reaches a terminal state.
func (j *Job) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 8)

	j.mu.Lock()
	ch <- j.progressLocked()
	terminal := j.state != JobRunning
	if terminal {
		close(ch)
	} else {
		j.subs[ch] = struct{}{}
	}
	j.mu.Unlock()

	cancel := func() {
		j.mu.Lock()
		if _, ok := j.subs[ch]; ok {
			delete(j.subs, ch)
			close(ch)
		}
		j.mu.Unlock()
	}
	if terminal {
		return ch, func() {}
	}
	return ch, cancel
}

func (j *Job) setTotal(total int64) {
	j.mu.Lock()
	j.total = total
	j.mu.Unlock()
}

// advance records bytes and emits a throttled update.
func (j *Job) advance(n int64) {
	j.mu.Lock()
	j.bytes += n
	now := time.Now()
	if now.Sub(j.lastEmit) < progressInterval {
		j.mu.Unlock()
		return
	}
	j.lastEmit = now
	j.emitLocked()
	j.mu.Unlock()
}

func (j *Job) finish(state JobState, err error) {
	j.mu.Lock()
	if j.state != JobRunning {
		j.mu.Unlock()
		return
	}
	j.state = state
	j.err = err
	j.finishedAt = time.Now()
	j.emitLocked()
	for ch := range j.subs {
		close(ch)
	}
	j.subs = make(map[chan Progress]struct{})
	j.mu.Unlock()
}

func (j *Job) emitLocked() {
	p := j.progressLocked()
	for ch := range j.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// jobRetention bounds how long terminal jobs stay listed when no client
// ever removes them.
const jobRetention = 15 * time.Minute

// JobRegistry tracks downloads by id. Finished jobs stay visible until the
// client removes them or the retention window passes, so a UI can still
// poll final status.
type JobRegistry struct {
	retention time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewJobRegistry() *JobRegistry {
	return &JobRegistry{retention: jobRetention, jobs: make(map[string]*Job)}
}

// sweepLocked drops terminal jobs that overstayed the retention window.
func (r *JobRegistry) sweepLocked() {
	cutoff := time.Now().Add(-r.retention)
	for id, j := range r.jobs {
		j.mu.Lock()
		expired := j.state != JobRunning && j.finishedAt.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(r.jobs, id)
		}
	}
}

func (r *JobRegistry) add(j *Job) {
	r.mu.Lock()
	r.sweepLocked()
	r.jobs[j.ID] = j
	r.mu.Unlock()
}

// Get looks a job up by id.
func (r *JobRegistry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	j, ok := r.jobs[id]
	return j, ok
}

// List returns all tracked jobs.
func (r *JobRegistry) List() []Progress {
	r.mu.Lock()
	r.sweepLocked()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	out := make([]Progress, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

// Remove forgets a terminal job.
func (r *JobRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok && j.Status().State != JobRunning {
		delete(r.jobs, id)
	}
}

// CancelAll aborts every running job. Wired to logout.
func (r *JobRegistry) CancelAll() {
	r.mu.Lock()
	jobs := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		jobs = append(jobs, j)
	}
	r.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
}
