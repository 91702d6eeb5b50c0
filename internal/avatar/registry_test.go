package avatar

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/avstream/avatarstream/internal/invoker"
)

func sourceVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	if err := os.WriteFile(path, []byte("video"), 0o644); err != nil {
		t.Fatalf("write source video: %v", err)
	}
	return path
}

func newTestRegistry(t *testing.T) (*Registry, *invoker.MockEngine) {
	t.Helper()
	engine := invoker.NewMockEngine(t.TempDir())
	return NewRegistry(t.TempDir(), engine, 3), engine
}

func TestRegisterAndPrepare(t *testing.T) {
	reg, engine := newTestRegistry(t)
	src := sourceVideo(t)

	a, err := reg.Register("demo", src, "v15", false)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if a.Status != StatusUnprepared {
		t.Fatalf("status = %q, want %q", a.Status, StatusUnprepared)
	}

	if err := reg.Prepare(context.Background(), "demo"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	got, err := reg.Get("demo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusReady {
		t.Fatalf("status = %q, want %q", got.Status, StatusReady)
	}
	if len(engine.PrepareCalls()) != 1 {
		t.Fatalf("prepare calls = %d, want 1", len(engine.PrepareCalls()))
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src := sourceVideo(t)

	if _, err := reg.Register("demo", src, "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := reg.Register("demo", src, "v15", false); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("error = %v, want ErrDuplicate", err)
	}
	if _, err := reg.Register("demo", src, "v15", true); err != nil {
		t.Fatalf("replace Register() error = %v", err)
	}
	got, _ := reg.Get("demo")
	if got.Status != StatusUnprepared {
		t.Fatalf("replaced avatar status = %q, want %q", got.Status, StatusUnprepared)
	}
}

func TestRegisterInvalidSource(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register("demo", filepath.Join(t.TempDir(), "missing.mp4"), "v15", false); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("error = %v, want ErrInvalidSource", err)
	}
	if _, err := reg.Register("demo", sourceVideo(t), "v2", false); !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("error = %v, want ErrInvalidVersion", err)
	}
}

func TestPrepareIdempotent(t *testing.T) {
	reg, engine := newTestRegistry(t)
	if _, err := reg.Register("demo", sourceVideo(t), "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := reg.Prepare(context.Background(), "demo"); err != nil {
			t.Fatalf("Prepare() #%d error = %v", i, err)
		}
	}
	if n := len(engine.PrepareCalls()); n != 1 {
		t.Fatalf("engine invoked %d times, want 1", n)
	}
}

func TestPrepareConcurrentSingleInvocation(t *testing.T) {
	reg, engine := newTestRegistry(t)
	if _, err := reg.Register("demo", sourceVideo(t), "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = reg.Prepare(context.Background(), "demo")
		}()
	}
	wg.Wait()

	if n := len(engine.PrepareCalls()); n != 1 {
		t.Fatalf("engine invoked %d times under concurrency, want 1", n)
	}
}

func TestPrepareFailureCleansCache(t *testing.T) {
	reg, engine := newTestRegistry(t)
	engine.PrepareErr = errors.New("extraction failed")

	if _, err := reg.Register("demo", sourceVideo(t), "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Prepare(context.Background(), "demo"); err == nil {
		t.Fatalf("Prepare() should fail")
	}

	got, _ := reg.Get("demo")
	if got.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", got.Status, StatusFailed)
	}
	if _, err := os.Stat(got.CacheDir); !os.IsNotExist(err) {
		t.Fatalf("partial cache dir should be removed, stat err = %v", err)
	}
}

func TestRecordFailureTripsDegraded(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register("demo", sourceVideo(t), "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Prepare(context.Background(), "demo"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if reg.RecordFailure("demo") || reg.RecordFailure("demo") {
		t.Fatalf("degraded tripped before threshold")
	}
	if !reg.RecordFailure("demo") {
		t.Fatalf("third consecutive failure should trip degraded")
	}
	got, _ := reg.Get("demo")
	if got.Status != StatusDegraded {
		t.Fatalf("status = %q, want %q", got.Status, StatusDegraded)
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Register("demo", sourceVideo(t), "v15", false); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Prepare(context.Background(), "demo"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	reg.RecordFailure("demo")
	reg.RecordFailure("demo")
	reg.RecordSuccess("demo")
	if reg.RecordFailure("demo") {
		t.Fatalf("counter should have been reset by success")
	}
}

func TestRemoveDeletesCache(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, err := reg.Register("demo", sourceVideo(t), "v15", false)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Prepare(context.Background(), "demo"); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if err := reg.Remove("demo"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := reg.Get("demo"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after remove = %v, want ErrNotFound", err)
	}
	if _, err := os.Stat(a.CacheDir); !os.IsNotExist(err) {
		t.Fatalf("cache dir should be deleted")
	}
}

func TestListSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	src := sourceVideo(t)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := reg.Register(id, src, "v15", false); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	list := reg.List()
	if len(list) != 3 || list[0].ID != "alpha" || list[2].ID != "zeta" {
		t.Fatalf("unexpected list order: %+v", list)
	}
}
