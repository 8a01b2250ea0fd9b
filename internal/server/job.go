package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/clhost/internal/store"
	"github.com/google/uuid"
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

// Terminal reports whether a job in this state will not change again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// BuildRequest is the body of POST /api/v1/builds.
type BuildRequest struct {
	// Source is kernel text. When empty, SourcePath is read on the server.
	Source       string   `json:"source,omitempty"`
	SourcePath   string   `json:"sourcePath,omitempty"`
	BuildOptions string   `json:"buildOptions,omitempty"`
	Kernels      []string `json:"kernels,omitempty"`
	DeviceType   string   `json:"deviceType,omitempty"`
	// Verify executes every kernel on Elements inputs and checks the output.
	Verify   bool `json:"verify,omitempty"`
	Elements int  `json:"elements,omitempty"`
}

// Job is one build request and its outcome.
type Job struct {
	ID        string               `json:"id"`
	State     JobState             `json:"state"`
	Request   BuildRequest         `json:"request"`
	Status    store.Status         `json:"status,omitempty"`
	Device    string               `json:"device,omitempty"`
	Kernels   []string             `json:"kernels,omitempty"`
	Output    string               `json:"output,omitempty"`
	BuildLog  string               `json:"buildLog,omitempty"`
	Results   []store.KernelResult `json:"results,omitempty"`
	ReportID  string               `json:"reportId,omitempty"`
	StartTime time.Time            `json:"startTime"`
	EndTime   *time.Time           `json:"endTime,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job for the request.
func (jm *JobManager) CreateJob(req BuildRequest) Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Request:   req,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.snapshot()
}

// GetJob returns a copy of the job with the given ID.
func (jm *JobManager) GetJob(id string) (Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return job.snapshot(), true
}

// ListJobs returns copies of all jobs, oldest first.
func (jm *JobManager) ListJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
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
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.snapshot())
		}
	}
	return runningJobs
}

func (j *Job) snapshot() Job {
	c := *j
	c.Request.Kernels = append([]string(nil), j.Request.Kernels...)
	c.Kernels = append([]string(nil), j.Kernels...)
	c.Results = append([]store.KernelResult(nil), j.Results...)
	if j.EndTime != nil {
		end := *j.EndTime
		c.EndTime = &end
	}
	return c
}
