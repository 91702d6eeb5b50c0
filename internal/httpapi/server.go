package httpapi

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avstream/avatarstream/internal/avatar"
	"github.com/avstream/avatarstream/internal/config"
	"github.com/avstream/avatarstream/internal/coordinator"
	"github.com/avstream/avatarstream/internal/history"
	"github.com/avstream/avatarstream/internal/invoker"
	"github.com/avstream/avatarstream/internal/observability"
)

const maxUploadBytes = 200 << 20

type Server struct {
	cfg      config.Config
	registry *avatar.Registry
	coord    *coordinator.Coordinator
	store    history.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *avatar.Registry, coord *coordinator.Coordinator, store history.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		coord:    coord,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only same-origin browser connections, so another
				// website cannot drive a user's streaming session if the
				// server is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/list_avatars", s.handleListAvatars)
	r.Post("/initialize_avatar", s.handleInitializeAvatar)
	r.Post("/generate_video", s.handleGenerateVideo)
	r.Post("/generate_video_batch", s.handleGenerateVideoBatch)
	r.Delete("/delete_avatar", s.handleDeleteAvatar)
	r.Get("/jobs", s.handleRecentJobs)

	r.Get("/stream", s.handleStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"message": "avatar streaming service is running",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.coord.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"avatar_count": s.registry.Count(),
		"running_jobs": stats.RunningJobs,
		"queued_jobs":  stats.QueuedJobs,
		"avatars":      stats.Avatars,
	})
}

func (s *Server) handleListAvatars(w http.ResponseWriter, _ *http.Request) {
	list := s.registry.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"avatars": list,
		"count":   len(list),
	})
}

func (s *Server) handleInitializeAvatar(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("avatar_video")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "avatar_video file is required")
		return
	}
	defer file.Close()

	avatarID := strings.TrimSpace(r.FormValue("avatar_id"))
	version := strings.TrimSpace(r.FormValue("version"))
	if version == "" {
		version = s.cfg.EngineDefaultVersion
	}
	replace := strings.EqualFold(strings.TrimSpace(r.FormValue("replace")), "true")

	videoPath, err := s.saveUpload(file, header.Filename, avatarID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "store upload: "+err.Error())
		return
	}

	a, err := s.registry.Register(avatarID, videoPath, version, replace)
	if err != nil {
		respondTaxonomy(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.AvatarEvents.WithLabelValues("registered").Inc()
	}

	if err := s.registry.Prepare(r.Context(), a.ID); err != nil {
		if s.metrics != nil {
			s.metrics.InvokerRuns.WithLabelValues("prepare", "error").Inc()
		}
		respondTaxonomy(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.AvatarEvents.WithLabelValues("prepared").Inc()
		s.metrics.InvokerRuns.WithLabelValues("prepare", "ok").Inc()
	}

	ready, err := s.registry.Get(a.ID)
	if err != nil {
		respondTaxonomy(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"avatar_id": ready.ID,
		"version":   ready.Version,
		"message":   "avatar initialized successfully",
	})
}

func (s *Server) handleGenerateVideo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "invalid multipart form: "+err.Error())
		return
	}
	avatarID := strings.TrimSpace(r.FormValue("avatar_id"))
	if avatarID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "avatar_id is required")
		return
	}
	file, header, err := r.FormFile("audio_file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "audio_file is required")
		return
	}
	defer file.Close()

	outputName := sanitizeName(r.FormValue("output_name"))
	if outputName == "" {
		outputName = "output_" + uuid.NewString()[:8]
	}

	audioPath, err := s.saveUpload(file, header.Filename, avatarID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "store upload: "+err.Error())
		return
	}
	defer os.Remove(audioPath)

	artifact, err := s.runGeneration(r.Context(), avatarID, audioPath, outputName)
	if err != nil {
		respondTaxonomy(w, err)
		return
	}
	defer os.Remove(artifact)

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", outputName+".mp4"))
	http.ServeFile(w, r, artifact)
}

func (s *Server) handleGenerateVideoBatch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_input", "invalid multipart form: "+err.Error())
		return
	}
	avatarID := strings.TrimSpace(r.FormValue("avatar_id"))
	if avatarID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "avatar_id is required")
		return
	}
	if r.MultipartForm == nil || len(r.MultipartForm.File["audio_files"]) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_input", "audio_files are required")
		return
	}

	type item struct {
		name string
		job  *coordinator.Job
	}
	var items []item
	for i, header := range r.MultipartForm.File["audio_files"] {
		f, err := header.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_input", "open audio upload: "+err.Error())
			return
		}
		audioPath, err := s.saveUpload(f, header.Filename, avatarID)
		f.Close()
		if err != nil {
			respondError(w, http.StatusInternalServerError, "internal", "store upload: "+err.Error())
			return
		}
		defer os.Remove(audioPath)

		name := fmt.Sprintf("batch_%s_%d", uuid.NewString()[:8], i)
		job, err := s.coord.Submit(avatarID, audioPath, name)
		if err != nil {
			// Release everything already submitted: queued jobs never run,
			// a running one detaches and its artifact is reaped.
			for _, it := range items {
				it.job.Cancel()
			}
			respondTaxonomy(w, err)
			return
		}
		items = append(items, item{name: name, job: job})
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "batch_"+avatarID+".zip"))
	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, it := range items {
		artifact, err := it.job.Await(r.Context())
		if err != nil {
			if r.Context().Err() != nil {
				// Client gone; discard instead of orphaning the artifact.
				it.job.Cancel()
				continue
			}
			// Batch semantics: failed clips are skipped, successful ones
			// still ship.
			continue
		}
		entry, err := zw.Create(it.name + ".mp4")
		if err != nil {
			return
		}
		src, err := os.Open(artifact)
		if err != nil {
			continue
		}
		_, _ = io.Copy(entry, src)
		src.Close()
		os.Remove(artifact)
	}
}

func (s *Server) handleDeleteAvatar(w http.ResponseWriter, r *http.Request) {
	avatarID := strings.TrimSpace(r.URL.Query().Get("avatar_id"))
	if avatarID == "" {
		var body struct {
			AvatarID string `json:"avatar_id"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		avatarID = strings.TrimSpace(body.AvatarID)
	}
	if avatarID == "" {
		respondError(w, http.StatusBadRequest, "invalid_input", "avatar_id is required")
		return
	}
	if err := s.registry.Remove(avatarID); err != nil {
		respondTaxonomy(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.AvatarEvents.WithLabelValues("deleted").Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "avatar " + avatarID + " deleted",
	})
}

func (s *Server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	recent, err := s.store.Recent(r.Context(), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  recent,
		"count": len(recent),
	})
}

// runGeneration submits one job and waits for its terminal state.
func (s *Server) runGeneration(ctx context.Context, avatarID, audioPath, outputName string) (string, error) {
	job, err := s.coord.Submit(avatarID, audioPath, outputName)
	if err != nil {
		return "", err
	}
	artifact, err := job.Await(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller went away; the job keeps running but the result is
			// not deliverable.
			job.Cancel()
		}
		return "", err
	}
	return artifact, nil
}

func (s *Server) saveUpload(src multipart.File, filename, prefix string) (string, error) {
	base := sanitizeName(filepath.Base(filename))
	if base == "" {
		base = "upload"
	}
	if prefix != "" {
		base = sanitizeName(prefix) + "_" + base
	}
	path := filepath.Join(s.cfg.UploadDir(), uuid.NewString()[:8]+"_"+base)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		os.Remove(path)
		return "", copyErr
	}
	if closeErr != nil {
		os.Remove(path)
		return "", closeErr
	}
	return path, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondTaxonomy maps domain errors onto the wire taxonomy.
func respondTaxonomy(w http.ResponseWriter, err error) {
	code, status := classifyError(err)
	respondError(w, status, code, err.Error())
}

func classifyError(err error) (code string, status int) {
	var crash *invoker.CrashError
	switch {
	case errors.Is(err, avatar.ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, avatar.ErrDuplicate):
		return "duplicate_avatar", http.StatusConflict
	case errors.Is(err, avatar.ErrInvalidSource), errors.Is(err, avatar.ErrInvalidVersion):
		return "invalid_input", http.StatusBadRequest
	case errors.Is(err, coordinator.ErrAvatarNotReady):
		return "avatar_not_ready", http.StatusConflict
	case errors.Is(err, coordinator.ErrAvatarDegraded):
		return "avatar_degraded", http.StatusConflict
	case errors.Is(err, coordinator.ErrQueueFull):
		return "resource_exhausted", http.StatusTooManyRequests
	case errors.Is(err, coordinator.ErrCancelled):
		return "cancelled", http.StatusConflict
	case errors.Is(err, coordinator.ErrShuttingDown):
		return "unavailable", http.StatusServiceUnavailable
	case errors.Is(err, invoker.ErrTimeout):
		return "invoker_timeout", http.StatusGatewayTimeout
	case errors.Is(err, invoker.ErrOutputMissing):
		return "output_missing", http.StatusInternalServerError
	case errors.As(err, &crash):
		return "invoker_crashed", http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled", http.StatusConflict
	default:
		return "internal", http.StatusInternalServerError
	}
}
