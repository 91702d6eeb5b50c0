package invoker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/avstream/avatarstream/internal/audio"
)

const stderrTailLimit = 4096

// ExecConfig describes how to reach the external inference scripts.
type ExecConfig struct {
	Python        string
	ProjectPath   string
	BatchSize     int
	HalfPrecision bool

	PrepareTimeout  time.Duration
	GenerateTimeout time.Duration

	// ScratchDir receives one isolated directory per invocation so
	// concurrent avatars never share config or result paths.
	ScratchDir string
}

// ExecEngine invokes the engine's command-line entry points. The argument
// contract is fixed: a YAML task config, model version, weights paths and an
// optional precision flag.
type ExecEngine struct {
	cfg ExecConfig
}

func NewExecEngine(cfg ExecConfig) (*ExecEngine, error) {
	if strings.TrimSpace(cfg.Python) == "" {
		cfg.Python = "python"
	}
	if strings.TrimSpace(cfg.ProjectPath) == "" {
		cfg.ProjectPath = "."
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = 5 * time.Minute
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 2 * time.Minute
	}
	if strings.TrimSpace(cfg.ScratchDir) == "" {
		return nil, fmt.Errorf("scratch dir is required")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &ExecEngine{cfg: cfg}, nil
}

func (e *ExecEngine) PrepareAvatar(ctx context.Context, req PrepareRequest) error {
	callDir, err := os.MkdirTemp(e.cfg.ScratchDir, "prepare_")
	if err != nil {
		return fmt.Errorf("create call dir: %w", err)
	}
	defer os.RemoveAll(callDir)

	// The preparation script insists on at least one audio clip even though
	// only the cached frames/latents matter here.
	warmupAudio := filepath.Join(callDir, "warmup.wav")
	silence := make([]byte, 16000*2) // 1s of 16kHz mono silence
	if err := audio.WriteWAVFile(warmupAudio, silence, 16000, 1); err != nil {
		return fmt.Errorf("write warmup audio: %w", err)
	}

	task := map[string]any{
		req.AvatarID: map[string]any{
			"preparation": true,
			"video_path":  req.VideoPath,
			"bbox_shift":  0,
			"audio_clips": map[string]string{"warmup": warmupAudio},
		},
	}
	configPath := filepath.Join(callDir, "prepare_config.yaml")
	if err := writeTaskConfig(configPath, task); err != nil {
		return err
	}

	args := []string{
		"-m", "scripts.realtime_inference",
		"--inference_config", configPath,
		"--version", req.Version,
		"--result_dir", req.CacheDir,
		"--batch_size", strconv.Itoa(e.cfg.BatchSize),
	}
	args = append(args, modelArgs(req.Version)...)
	args = e.appendPrecision(args)

	return e.run(ctx, e.cfg.PrepareTimeout, args)
}

func (e *ExecEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	callDir, err := os.MkdirTemp(e.cfg.ScratchDir, "generate_")
	if err != nil {
		return "", fmt.Errorf("create call dir: %w", err)
	}

	task := map[string]any{
		"task_0": generationTask(req),
	}
	configPath := filepath.Join(callDir, "inference_config.yaml")
	if err := writeTaskConfig(configPath, task); err != nil {
		os.RemoveAll(callDir)
		return "", err
	}

	resultDir := filepath.Join(callDir, "results")
	args := []string{
		"-m", "scripts.inference",
		"--inference_config", configPath,
		"--version", req.Version,
		"--result_dir", resultDir,
		"--batch_size", strconv.Itoa(e.cfg.BatchSize),
	}
	args = append(args, modelArgs(req.Version)...)
	args = e.appendPrecision(args)

	if err := e.run(ctx, e.cfg.GenerateTimeout, args); err != nil {
		os.RemoveAll(callDir)
		return "", err
	}

	// The inference script writes to a deterministic path under the result
	// dir; exit 0 without that file is still a failure.
	artifact := filepath.Join(resultDir, req.Version, req.OutputName+".mp4")
	if _, err := os.Stat(artifact); err != nil {
		os.RemoveAll(callDir)
		return "", ErrOutputMissing
	}

	// Move the artifact out so the whole call dir (config, results tree) can
	// go; callers only ever see and delete the one file.
	final := filepath.Join(e.cfg.ScratchDir, filepath.Base(callDir)+"_"+req.OutputName+".mp4")
	if err := os.Rename(artifact, final); err != nil {
		os.RemoveAll(callDir)
		return "", fmt.Errorf("move artifact: %w", err)
	}
	os.RemoveAll(callDir)
	return final, nil
}

func (e *ExecEngine) run(ctx context.Context, timeout time.Duration, args []string) error {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cfg.Python, args...)
	cmd.Dir = e.cfg.ProjectPath
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}

	// exec.CommandContext surfaces "signal: killed" instead of the context
	// error once the deadline fires.
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	return &CrashError{ExitCode: exitCode, Stderr: stderrTail(stderr.String())}
}

func (e *ExecEngine) appendPrecision(args []string) []string {
	if e.cfg.HalfPrecision {
		return append(args, "--use_float16")
	}
	return args
}

func generationTask(req GenerateRequest) map[string]any {
	task := map[string]any{
		"video_path":  req.VideoPath,
		"audio_path":  req.AudioPath,
		"result_name": req.OutputName + ".mp4",
	}
	if req.Version == "v1" {
		task["bbox_shift"] = 0
	}
	return task
}

func modelArgs(version string) []string {
	if version == "v1" {
		return []string{
			"--unet_model_path", "models/musetalk/pytorch_model.bin",
			"--unet_config", "models/musetalk/musetalk.json",
		}
	}
	return []string{
		"--unet_model_path", "models/musetalkV15/unet.pth",
		"--unet_config", "models/musetalkV15/musetalk.json",
	}
}

func writeTaskConfig(path string, task map[string]any) error {
	data, err := yaml.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write task config: %w", err)
	}
	return nil
}

func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailLimit {
		s = s[len(s)-stderrTailLimit:]
	}
	return s
}
