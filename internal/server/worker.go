package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cwbudde/clhost/internal/cl"
	"github.com/cwbudde/clhost/internal/host"
	"github.com/cwbudde/clhost/internal/store"
)

const (
	defaultElements  = 1024
	defaultTolerance = 1e-5
	inputSeed        = 1
)

// Worker runs build jobs against a driver. Jobs run one at a time because
// runtime handles of one driver are not shared between sessions.
type Worker struct {
	jobs   *JobManager
	driver cl.Driver
	store  store.Store

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewWorker creates a worker. The store may be nil to skip saving reports.
func NewWorker(jm *JobManager, driver cl.Driver, st store.Store) *Worker {
	return &Worker{
		jobs:   jm,
		driver: driver,
		store:  st,
	}
}

// Submit runs the job in the background.
func (w *Worker) Submit(ctx context.Context, jobID string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.runJob(ctx, jobID); err != nil {
			slog.Debug("Job ended with error", "job_id", jobID, "error", err)
		}
	}()
}

// Wait blocks until all submitted jobs have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// runJob executes one build job and records its outcome.
func (w *Worker) runJob(ctx context.Context, jobID string) error {
	job, exists := w.jobs.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		markJobCancelled(w.jobs, jobID)
		return err
	}

	opts, err := sessionOptions(job.Request)
	if err != nil {
		markJobFailed(w.jobs, jobID, err)
		return err
	}

	if err := w.jobs.UpdateJob(jobID, func(j *Job) { j.State = StateRunning }); err != nil {
		return err
	}
	w.jobs.broadcaster.Broadcast(JobEvent{JobID: jobID, State: StateRunning, Timestamp: time.Now()})
	slog.Info("Starting build job", "job_id", jobID, "driver", w.driver.Name(), "source", opts.SourcePath)

	var out bytes.Buffer
	sess := host.NewSession(w.driver, opts, &out)

	stage := host.StageBuild
	if job.Request.Verify || len(job.Request.Kernels) > 0 {
		stage = host.StageKernels
	}
	runErr := sess.Run(ctx, stage)

	if runErr == nil && job.Request.Verify {
		elements := job.Request.Elements
		if elements <= 0 {
			elements = defaultElements
		}
		for _, name := range sess.Kernels() {
			if ctx.Err() != nil {
				break
			}
			res := sess.VerifyKernel(name, elements, inputSeed, defaultTolerance, 0)
			slog.Debug("Kernel verified", "job_id", jobID, "kernel", name, "passed", res.Passed, "duration", res.Duration)
		}
	}
	sess.Close()

	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) || ctx.Err() != nil {
		markJobCancelled(w.jobs, jobID)
		return ctx.Err()
	}

	report := sess.Report()
	report.ID = jobID
	reportID := ""
	if w.store != nil {
		if err := w.store.SaveReport(report); err != nil {
			slog.Error("Failed to save report", "job_id", jobID, "error", err)
		} else {
			reportID = report.ID
		}
	}

	state := StateCompleted
	if report.Status == store.StatusFailed {
		state = StateFailed
	}

	endTime := time.Now()
	err = w.jobs.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Status = report.Status
		j.Device = report.Device.Name
		j.Kernels = report.Kernels
		j.Output = out.String()
		j.BuildLog = report.BuildLog
		j.Results = report.Results
		j.ReportID = reportID
		j.Error = report.Error
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Build job finished",
		"job_id", jobID,
		"state", state,
		"status", report.Status,
		"device", report.Device.Name,
		"elapsed", endTime.Sub(job.StartTime),
	)

	w.jobs.broadcaster.Broadcast(JobEvent{
		JobID:     jobID,
		State:     state,
		Status:    report.Status,
		Message:   report.Error,
		Timestamp: endTime,
	})
	w.jobs.broadcaster.CleanupJob(jobID)

	if state == StateFailed {
		return errors.New(report.Error)
	}
	return nil
}

// sessionOptions translates a request into session options.
func sessionOptions(req BuildRequest) (host.Options, error) {
	opts := host.DefaultOptions()
	opts.Source = req.Source
	opts.SourcePath = req.SourcePath
	opts.BuildOptions = req.BuildOptions
	opts.Kernels = req.Kernels
	opts.SearchAll = true
	opts.Fallback = req.DeviceType == ""

	if req.DeviceType != "" {
		t, err := cl.ParseDeviceType(req.DeviceType)
		if err != nil {
			return opts, err
		}
		opts.DeviceType = t
	}
	return opts, nil
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Status = store.StatusFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(JobEvent{JobID: jobID, State: StateFailed, Status: store.StatusFailed, Message: err.Error(), Timestamp: endTime})
	jm.broadcaster.CleanupJob(jobID)
	slog.Error("Job failed", "job_id", jobID, "error", err)
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.EndTime = &endTime
	})
	jm.broadcaster.Broadcast(JobEvent{JobID: jobID, State: StateCancelled, Timestamp: endTime})
	jm.broadcaster.CleanupJob(jobID)
	slog.Info("Job cancelled", "job_id", jobID)
}
