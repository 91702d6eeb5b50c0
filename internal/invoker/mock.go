package invoker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockEngine is an in-process Engine for tests. It writes small placeholder
// artifacts and records every call.
type MockEngine struct {
	mu sync.Mutex

	ArtifactDir string

	// Delay is applied to every call before returning, so tests can hold a
	// generation in flight.
	Delay time.Duration

	PrepareErr  error
	GenerateErr error

	prepareCalls  []PrepareRequest
	generateCalls []GenerateRequest
}

func NewMockEngine(artifactDir string) *MockEngine {
	return &MockEngine{ArtifactDir: artifactDir}
}

func (m *MockEngine) PrepareAvatar(ctx context.Context, req PrepareRequest) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.prepareCalls = append(m.prepareCalls, req)
	err := m.PrepareErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(req.CacheDir, req.Version), 0o755)
}

func (m *MockEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := m.wait(ctx); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, req)
	err := m.GenerateErr
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	dir := m.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	artifact := filepath.Join(dir, req.OutputName+".mp4")
	if err := os.WriteFile(artifact, []byte("mock video for "+req.AvatarID), 0o644); err != nil {
		return "", err
	}
	return artifact, nil
}

func (m *MockEngine) PrepareCalls() []PrepareRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PrepareRequest(nil), m.prepareCalls...)
}

func (m *MockEngine) GenerateCalls() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GenerateRequest(nil), m.generateCalls...)
}

func (m *MockEngine) wait(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.Delay):
		return nil
	}
}
