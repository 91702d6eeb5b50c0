package coordinator

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one generation unit: one audio file driven against one avatar.
// Callers hold the handle and Await the terminal state.
type Job struct {
	ID          string
	AvatarID    string
	AudioPath   string
	OutputName  string
	SubmittedAt time.Time

	mu        sync.Mutex
	status    JobStatus
	detached  bool
	artifact  string
	err       error
	done      chan struct{}
}

func newJob(avatarID, audioPath, outputName string) *Job {
	return &Job{
		ID:          uuid.NewString(),
		AvatarID:    avatarID,
		AudioPath:   audioPath,
		OutputName:  outputName,
		SubmittedAt: time.Now().UTC(),
		status:      JobQueued,
		done:        make(chan struct{}),
	}
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Await blocks until the job reaches a terminal state and returns the
// artifact path or the failure.
func (j *Job) Await(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-j.done:
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.artifact, j.err
}

// Cancel is only effective while the job is queued: a queued job never
// transitions to running. Cancelling a running job detaches it; the engine
// process runs to completion but the result is discarded. Cancelling a
// completed job whose artifact was never collected removes the artifact.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case JobQueued:
		j.status = JobCancelled
		j.err = ErrCancelled
		close(j.done)
		return true
	case JobRunning:
		j.detached = true
	case JobCompleted:
		if j.artifact != "" {
			os.Remove(j.artifact)
			j.artifact = ""
			j.err = ErrCancelled
		}
	}
	return false
}

// tryStart moves queued→running; returns false if the job was cancelled
// while waiting.
func (j *Job) tryStart() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobQueued {
		return false
	}
	j.status = JobRunning
	return true
}

func (j *Job) complete(artifact string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = JobCompleted
	j.artifact = artifact
	if j.detached {
		// Result is not deliverable to a cancelled caller; reap the file.
		os.Remove(artifact)
		j.artifact = ""
		j.err = ErrCancelled
	}
	close(j.done)
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == JobCancelled {
		return
	}
	j.status = JobFailed
	j.err = err
	close(j.done)
}
