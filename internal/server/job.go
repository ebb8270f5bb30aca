package server

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/cwbudde/lmcirclefit/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// JobConfig is the fit request of a job, shared with the checkpoint format
type JobConfig = store.JobConfig

// Job is a fit running or finished in the background. Circle is the last
// accepted model; while running it is updated after every accepted step.
type Job struct {
	ID     string    `json:"id"`
	State  JobState  `json:"state"`
	Config JobConfig `json:"config"`

	Circle       store.CircleState `json:"circle"`
	Code         int               `json:"code"`
	Status       string            `json:"status,omitempty"`
	InitialSigma float64           `json:"initialSigma"`
	Attempts     int               `json:"attempts"`

	// Live progress of the current attempt
	Outer  int     `json:"outer"`
	Inner  int     `json:"inner"`
	Lambda float64 `json:"lambda"`

	Cached    bool       `json:"cached,omitempty"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Error     string     `json:"error,omitempty"`

	key uint64
}

// JobManager tracks jobs and caches completed results by request key
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	byKey       map[uint64]string // request key -> job ID
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		byKey:       make(map[uint64]string),
		broadcaster: NewEventBroadcaster(),
	}
}

// requestKey hashes every field of config that influences the fit result.
func requestKey(config JobConfig) uint64 {
	h := xxhash.New()
	var buf [8]byte
	putFloat := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putBool := func(v bool) {
		if v {
			putInt(1)
		} else {
			putInt(0)
		}
	}

	putInt(int64(len(config.Points)))
	for _, p := range config.Points {
		putFloat(p.X)
		putFloat(p.Y)
	}
	for _, g := range config.Guess {
		putFloat(g)
	}
	h.WriteString(config.Strategy)
	putFloat(config.Lambda)
	putInt(int64(config.Retries))
	putBool(config.Center)
	putBool(config.Scale)
	putInt(config.Seed)
	putInt(int64(config.Iters))
	putInt(int64(config.PopSize))
	return h.Sum64()
}

// CreateJob registers a pending job for config
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		Lambda:    config.Lambda,
		StartTime: time.Now(),
		key:       requestKey(config),
	}

	jm.jobs[job.ID] = job
	if _, exists := jm.byKey[job.key]; !exists {
		jm.byKey[job.key] = job.ID
	}
	return snapshot(job)
}

// FindCompleted returns a completed job with an identical request, if any.
func (jm *JobManager) FindCompleted(config JobConfig) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	id, ok := jm.byKey[requestKey(config)]
	if !ok {
		return nil, false
	}
	job := jm.jobs[id]
	if job == nil || job.State != StateCompleted {
		return nil, false
	}
	return snapshot(job), true
}

// GetJob returns a copy of the job with the given ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return snapshot(job), true
}

// ListJobs returns copies of all jobs, oldest first
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, snapshot(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)

	// A failed or cancelled job must not serve as a cached result; let the
	// next identical request run again.
	switch job.State {
	case StateFailed, StateCancelled:
		if jm.byKey[job.key] == job.ID {
			delete(jm.byKey, job.key)
		}
	case StateCompleted:
		if cached, ok := jm.jobs[jm.byKey[job.key]]; !ok || cached.State != StateCompleted {
			jm.byKey[job.key] = job.ID
		}
	}
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	running := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			running = append(running, snapshot(job))
		}
	}
	return running
}

func snapshot(job *Job) *Job {
	c := *job
	if job.EndTime != nil {
		end := *job.EndTime
		c.EndTime = &end
	}
	return &c
}
