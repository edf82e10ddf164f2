package ingest

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle of a scrape job. Per-listing work happens
// inside StateProcessing; the per-listing stages are reflected in the
// counters, not in the job state.
type JobState string

const (
	StatePending             JobState = "pending"
	StateFetchingIndex       JobState = "fetching_index"
	StateExtracting          JobState = "extracting"
	StateProcessing          JobState = "processing"
	StateCompleted           JobState = "completed"
	StateCompletedWithErrors JobState = "completed_with_errors"
	StateFailed              JobState = "failed"
)

// Counts tracks per-listing outcomes within a job.
type Counts struct {
	Found    int `json:"found"`
	Analyzed int `json:"analyzed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Job is one background scrape run. All mutation goes through the
// methods; readers take a Snapshot.
type Job struct {
	mu sync.Mutex

	ID        string
	URL       string
	Limit     int
	State     JobState
	Counts    Counts
	Error     string
	Errors    []string
	StartedAt time.Time
	EndedAt   time.Time
}

// Snapshot is the JSON shape served by the job status endpoint.
type Snapshot struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	State     JobState   `json:"state"`
	Counts    Counts     `json:"counts"`
	Error     string     `json:"error,omitempty"`
	Errors    []string   `json:"listing_errors,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (j *Job) setState(state JobState) {
	j.mu.Lock()
	j.State = state
	j.mu.Unlock()
}

func (j *Job) setFound(n int) {
	j.mu.Lock()
	j.Counts.Found = n
	j.mu.Unlock()
}

func (j *Job) markAnalyzed() {
	j.mu.Lock()
	j.Counts.Analyzed++
	j.mu.Unlock()
}

func (j *Job) markSkipped() {
	j.mu.Lock()
	j.Counts.Skipped++
	j.mu.Unlock()
}

// markFailed records a per-listing failure. The error list is capped so
// a pathological page cannot grow the job record without bound.
func (j *Job) markFailed(msg string) {
	j.mu.Lock()
	j.Counts.Failed++
	if len(j.Errors) < 20 {
		j.Errors = append(j.Errors, msg)
	}
	j.mu.Unlock()
}

// finish resolves the terminal state from the counters.
func (j *Job) finish() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.EndedAt = time.Now()
	if j.Counts.Failed > 0 {
		j.State = StateCompletedWithErrors
	} else {
		j.State = StateCompleted
	}
}

// completeEmpty ends a job whose index page yielded zero recognizable
// listings: not a hard failure, but flagged so the caller can tell it
// apart from a productive run.
func (j *Job) completeEmpty() {
	j.mu.Lock()
	j.State = StateCompletedWithErrors
	j.Error = "no listings extracted from index page"
	j.EndedAt = time.Now()
	j.mu.Unlock()
}

// fail marks the whole job failed (index fetch or extraction broke
// before any per-listing work).
func (j *Job) fail(err error) {
	j.mu.Lock()
	j.State = StateFailed
	j.Error = err.Error()
	j.EndedAt = time.Now()
	j.mu.Unlock()
}

// terminal reports whether the job has reached a final state.
func (j *Job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.State {
	case StateCompleted, StateCompletedWithErrors, StateFailed:
		return true
	}
	return false
}

func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:        j.ID,
		URL:       j.URL,
		State:     j.State,
		Counts:    j.Counts,
		Error:     j.Error,
		StartedAt: j.StartedAt,
	}
	snap.Errors = append(snap.Errors, j.Errors...)
	if !j.EndedAt.IsZero() {
		ended := j.EndedAt
		snap.EndedAt = &ended
	}
	return snap
}

// maxTrackedJobs bounds the tracker; the oldest finished jobs are
// evicted first.
const maxTrackedJobs = 50

// Tracker holds in-flight and recently finished jobs for status
// polling. Jobs are in-memory only and do not survive a restart.
type Tracker struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*Job)}
}

// Start registers a new pending job.
func (t *Tracker) Start(url string, limit int) *Job {
	job := &Job{
		ID:        uuid.New().String()[:8],
		URL:       url,
		Limit:     limit,
		State:     StatePending,
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
	t.order = append(t.order, job.ID)
	for len(t.order) > maxTrackedJobs {
		t.evictLocked()
	}
	return job
}

// evictLocked drops one tracked job, preferring the oldest finished one
// so a still-running job keeps its poll handle. Caller holds t.mu.
func (t *Tracker) evictLocked() {
	for i, id := range t.order {
		if t.jobs[id].terminal() {
			delete(t.jobs, id)
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
	delete(t.jobs, t.order[0])
	t.order = t.order[1:]
}

func (t *Tracker) Get(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	return job, ok
}

// Running reports whether any job is still in a non-terminal state.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, job := range t.jobs {
		if !job.terminal() {
			return true
		}
	}
	return false
}
