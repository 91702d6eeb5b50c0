package avatar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avstream/avatarstream/internal/invoker"
)

type Status string

const (
	StatusUnprepared Status = "unprepared"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
	// StatusDegraded means repeated generation failures; the avatar must be
	// re-initialized before it accepts new jobs.
	StatusDegraded Status = "degraded"
)

var (
	ErrNotFound       = errors.New("avatar not found")
	ErrDuplicate      = errors.New("avatar id already registered")
	ErrInvalidSource  = errors.New("avatar source video missing or unreadable")
	ErrInvalidVersion = errors.New("avatar version must be v1 or v15")
)

// Avatar is a prepared identity derived from a source video. Owned by the
// Registry; callers only ever see clones.
type Avatar struct {
	ID                  string    `json:"avatar_id"`
	SourcePath          string    `json:"source_path"`
	Version             string    `json:"version"`
	Status              Status    `json:"status"`
	CacheDir            string    `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
	PreparedAt          time.Time `json:"prepared_at,omitzero"`
	ConsecutiveFailures int       `json:"-"`
}

func (a *Avatar) Ready() bool { return a.Status == StatusReady }

type entry struct {
	// prepareMu serializes preparation per avatar so concurrent initialize
	// requests for the same id cannot race on the cache dir.
	prepareMu sync.Mutex
	avatar    *Avatar
}

// Registry maps avatar ids to prepared state and drives the engine's
// preparation mode.
type Registry struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	cacheRoot         string
	engine            invoker.Engine
	degradedThreshold int
}

func NewRegistry(cacheRoot string, engine invoker.Engine, degradedThreshold int) *Registry {
	if degradedThreshold < 1 {
		degradedThreshold = 3
	}
	return &Registry{
		entries:           make(map[string]*entry),
		cacheRoot:         cacheRoot,
		engine:            engine,
		degradedThreshold: degradedThreshold,
	}
}

// Register records a new avatar in unprepared state. With replace=false an
// existing id is an error; with replace=true the previous entry is
// invalidated first and its cache discarded.
func (r *Registry) Register(id, sourcePath, version string, replace bool) (*Avatar, error) {
	if version != "v1" && version != "v15" {
		return nil, ErrInvalidVersion
	}
	if fi, err := os.Stat(sourcePath); err != nil || fi.IsDir() {
		return nil, ErrInvalidSource
	}
	if strings.TrimSpace(id) == "" {
		id = "avatar_" + uuid.NewString()[:8]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		if !replace {
			return nil, ErrDuplicate
		}
		// Take the old entry out of ready before the swap so in-flight
		// references observe the invalidation.
		old.avatar.Status = StatusFailed
		_ = os.RemoveAll(old.avatar.CacheDir)
	}

	a := &Avatar{
		ID:         id,
		SourcePath: sourcePath,
		Version:    version,
		Status:     StatusUnprepared,
		CacheDir:   filepath.Join(r.cacheRoot, id),
		CreatedAt:  time.Now().UTC(),
	}
	r.entries[id] = &entry{avatar: a}
	return clone(a), nil
}

// Prepare runs the one-time extraction/caching pass. Calling it on a ready
// avatar is a no-op; a failed run removes partial cache artifacts.
func (r *Registry) Prepare(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.prepareMu.Lock()
	defer e.prepareMu.Unlock()

	r.mu.Lock()
	if e.avatar.Status == StatusReady {
		r.mu.Unlock()
		return nil
	}
	e.avatar.Status = StatusPreparing
	req := invoker.PrepareRequest{
		AvatarID:  e.avatar.ID,
		VideoPath: e.avatar.SourcePath,
		Version:   e.avatar.Version,
		CacheDir:  e.avatar.CacheDir,
	}
	r.mu.Unlock()

	if err := os.MkdirAll(req.CacheDir, 0o755); err != nil {
		r.setStatus(e, StatusFailed)
		return fmt.Errorf("create avatar cache dir: %w", err)
	}

	if err := r.engine.PrepareAvatar(ctx, req); err != nil {
		_ = os.RemoveAll(req.CacheDir)
		r.setStatus(e, StatusFailed)
		return err
	}

	r.mu.Lock()
	e.avatar.Status = StatusReady
	e.avatar.PreparedAt = time.Now().UTC()
	e.avatar.ConsecutiveFailures = 0
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(id string) (*Avatar, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.avatar), nil
}

func (r *Registry) List() []*Avatar {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Avatar, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, clone(e.avatar))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Remove deletes the avatar and its cached artifacts.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.avatar.Status = StatusFailed
	delete(r.entries, id)
	return os.RemoveAll(e.avatar.CacheDir)
}

// RecordFailure counts a generation failure; crossing the threshold trips a
// ready avatar into degraded and reports true.
func (r *Registry) RecordFailure(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.avatar.ConsecutiveFailures++
	if e.avatar.Status == StatusReady && e.avatar.ConsecutiveFailures >= r.degradedThreshold {
		e.avatar.Status = StatusDegraded
		return true
	}
	return false
}

func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.avatar.ConsecutiveFailures = 0
	}
}

func (r *Registry) setStatus(e *entry, s Status) {
	r.mu.Lock()
	e.avatar.Status = s
	r.mu.Unlock()
}

func clone(a *Avatar) *Avatar {
	c := *a
	return &c
}
