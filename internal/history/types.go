package history

import (
	"context"
	"time"
)

// Record is one finished generation job, kept for the /jobs audit surface.
type Record struct {
	ID          string        `json:"job_id"`
	AvatarID    string        `json:"avatar_id"`
	OutputName  string        `json:"output_name"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Duration    time.Duration `json:"duration"`
}

// Store persists finished jobs. Implementations must be safe for concurrent
// use by the coordinator's workers.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
