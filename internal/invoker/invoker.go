package invoker

import (
	"context"
	"errors"
	"fmt"
)

// Engine is the process boundary to the external audio-to-video synthesis
// model. One concrete implementation shells out to the engine's inference
// scripts; tests swap in a mock.
type Engine interface {
	// PrepareAvatar runs the one-time extraction/caching pass for a source
	// video, writing derived artifacts under req.CacheDir.
	PrepareAvatar(ctx context.Context, req PrepareRequest) error
	// Generate drives one prepared avatar with one audio file and returns
	// the path of the produced video artifact.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

type PrepareRequest struct {
	AvatarID  string
	VideoPath string
	Version   string
	CacheDir  string
}

type GenerateRequest struct {
	AvatarID   string
	VideoPath  string
	Version    string
	AudioPath  string
	OutputName string
}

var (
	// ErrTimeout means the engine process exceeded its deadline and was
	// terminated.
	ErrTimeout = errors.New("engine invocation timed out")
	// ErrOutputMissing means the process exited cleanly but the expected
	// artifact was not produced.
	ErrOutputMissing = errors.New("engine produced no output artifact")
)

// CrashError carries the exit status and stderr tail of a failed engine
// process.
type CrashError struct {
	ExitCode int
	Stderr   string
}

func (e *CrashError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("engine exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("engine exited with code %d: %s", e.ExitCode, e.Stderr)
}
