package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
	"github.com/bustinjailey/dev-farm-sub000/internal/environment"
	"github.com/bustinjailey/dev-farm-sub000/internal/github"
	"github.com/bustinjailey/dev-farm-sub000/internal/sse"
	"github.com/bustinjailey/dev-farm-sub000/internal/update"
)

// Updater is the update orchestration surface the router exposes.
type Updater interface {
	Start() update.StartResult
	Status() update.Progress
	Acknowledge() bool
	CheckSystemStatus(ctx context.Context) (update.SystemStatus, error)
}

// ImageService is the image-management slice of the container engine.
type ImageService interface {
	ListImages(ctx context.Context, namespace string) ([]docker.ImageInfo, error)
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
	PruneDanglingImages(ctx context.Context) (uint64, error)
}

// BuildTarget maps a requestable image type to its build context and tag.
type BuildTarget struct {
	Dir string
	Tag string
}

// Options carries router configuration.
type Options struct {
	StaticDir      string
	ImageNamespace string
	BuildTargets   map[string]BuildTarget
	BuildTimeout   time.Duration
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	envs    *environment.Service
	updater Updater
	broker  *sse.Broker
	github  *github.Manager
	images  ImageService
	opts    Options

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	sseClients         prometheus.GaugeFunc
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, envs *environment.Service, updater Updater, broker *sse.Broker, ghub *github.Manager, images ImageService, opts Options) *Router {
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 10 * time.Minute
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		envs:    envs,
		updater: updater,
		broker:  broker,
		github:  ghub,
		images:  images,
		opts:    opts,
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /health", r.audit(r.handleHealth))
	r.mux.HandleFunc("GET /api/environments", r.audit(r.handleListEnvironments))
	r.mux.HandleFunc("GET /api/environments/hierarchy", r.audit(r.handleHierarchy))
	r.mux.HandleFunc("POST /create", r.audit(r.handleCreate))
	r.mux.HandleFunc("POST /delete/{id}", r.audit(r.handleDelete))
	r.mux.HandleFunc("POST /start/{id}", r.audit(r.handleStart))
	r.mux.HandleFunc("POST /stop/{id}", r.audit(r.handleStop))
	r.mux.HandleFunc("POST /api/environments/{id}/restart", r.audit(r.handleRestart))
	r.mux.HandleFunc("GET /api/environments/{id}/status", r.audit(r.handleStatus))
	r.mux.HandleFunc("GET /api/environments/{id}/logs", r.audit(r.handleLogs))
	r.mux.HandleFunc("GET /api/events", r.handleEvents)
	r.mux.HandleFunc("GET /api/images", r.audit(r.handleListImages))
	r.mux.HandleFunc("POST /api/images/build", r.audit(r.handleBuildImage))
	r.mux.HandleFunc("POST /api/images/prune", r.audit(r.handlePruneImages))
	r.mux.HandleFunc("GET /api/system/status", r.audit(r.handleSystemStatus))
	r.mux.HandleFunc("GET /api/orphans", r.audit(r.handleOrphans))
	r.mux.HandleFunc("POST /api/cleanup-orphans", r.audit(r.handleCleanupOrphans))
	r.mux.HandleFunc("POST /api/recover-registry", r.audit(r.handleRecoverRegistry))
	r.mux.HandleFunc("POST /api/update/start", r.audit(r.handleUpdateStart))
	r.mux.HandleFunc("GET /api/update/status", r.audit(r.handleUpdateStatus))
	r.mux.HandleFunc("POST /api/update/ack", r.audit(r.handleUpdateAck))
	r.mux.HandleFunc("GET /api/github/status", r.audit(r.handleGithubStatus))
	r.mux.HandleFunc("GET /api/github/repos", r.audit(r.handleGithubRepos))
	r.mux.HandleFunc("GET /api/config/github", r.audit(r.handleGithubConfig))
	r.mux.HandleFunc("POST /api/github/device/start", r.audit(r.handleGithubDeviceStart))
	r.mux.HandleFunc("POST /api/github/device/poll", r.audit(r.handleGithubDevicePoll))
	r.mux.HandleFunc("POST /api/github/token", r.audit(r.handleGithubToken))
	r.mux.HandleFunc("POST /api/github/disconnect", r.audit(r.handleGithubDisconnect))
	r.mux.Handle("GET /metrics", promhttp.Handler())
	r.mux.HandleFunc("/", r.audit(r.handleStatic))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": r.broker.ClientCount(),
	})
}

func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	if r.opts.StaticDir == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.FileServer(http.Dir(r.opts.StaticDir)).ServeHTTP(w, req)
}

func (r *Router) handleListEnvironments(w http.ResponseWriter, req *http.Request) {
	views, err := r.envs.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": views})
}

func (r *Router) handleHierarchy(w http.ResponseWriter, req *http.Request) {
	nodes, err := r.envs.Hierarchy()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": nodes})
}

func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) {
	var payload environment.CreateRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, env, err := r.envs.Create(req.Context(), payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          id,
		"url":         r.envs.URLFor(id, env),
		"environment": env,
	})
}

func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.envs.Delete(req.Context(), id); err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

func (r *Router) handleStart(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.envs.Start(req.Context(), id); err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "starting", "id": id})
}

func (r *Router) handleStop(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.envs.Stop(req.Context(), id); err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (r *Router) handleRestart(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.envs.Restart(req.Context(), id); err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting", "id": id})
}

func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	detail, err := r.envs.Status(req.Context(), req.PathValue("id"))
	if err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	lines := 0
	if raw := req.URL.Query().Get("lines"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid lines parameter")
			return
		}
		lines = parsed
	}
	res, err := r.envs.Logs(req.Context(), req.PathValue("id"), lines)
	if err != nil {
		r.writeEnvError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleListImages(w http.ResponseWriter, req *http.Request) {
	infos, err := r.images.ListImages(req.Context(), r.opts.ImageNamespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": infos})
}

func (r *Router) handleBuildImage(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, ok := r.opts.BuildTargets[payload.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid image type")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), r.opts.BuildTimeout)
	defer cancel()
	err := r.images.BuildImage(ctx, target.Dir, target.Tag, func(line string) {
		r.broker.Publish("build-output", map[string]string{"image": payload.Type, "line": line})
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "built", "tag": target.Tag})
}

func (r *Router) handlePruneImages(w http.ResponseWriter, req *http.Request) {
	reclaimed, err := r.images.PruneDanglingImages(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed_bytes": reclaimed})
}

func (r *Router) handleSystemStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.updater.CheckSystemStatus(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (r *Router) handleOrphans(w http.ResponseWriter, req *http.Request) {
	orphans, err := r.envs.Orphans(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	names := make([]string, 0, len(orphans))
	for _, c := range orphans {
		names = append(names, c.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orphans": names})
}

func (r *Router) handleCleanupOrphans(w http.ResponseWriter, req *http.Request) {
	removed, err := r.envs.CleanupOrphans(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleRecoverRegistry(w http.ResponseWriter, req *http.Request) {
	added, err := r.envs.RecoverRegistry(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": added})
}

func (r *Router) handleUpdateStart(w http.ResponseWriter, req *http.Request) {
	res := r.updater.Start()
	if !res.Started {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleUpdateStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.updater.Status())
}

func (r *Router) handleUpdateAck(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": r.updater.Acknowledge()})
}

func (r *Router) handleGithubStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.github.Status(req.Context()))
}

func (r *Router) handleGithubRepos(w http.ResponseWriter, req *http.Request) {
	repos, err := r.github.ListRepos(req.Context())
	if err != nil {
		switch {
		case errors.Is(err, github.ErrNoToken):
			writeError(w, http.StatusUnauthorized, "GitHub token not configured")
		case errors.Is(err, github.ErrTokenExpired):
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":        "GitHub token expired or invalid",
				"needs_reauth": true,
			})
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (r *Router) handleGithubConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.github.Summary())
}

func (r *Router) handleGithubDeviceStart(w http.ResponseWriter, req *http.Request) {
	flow, err := r.github.StartDeviceFlow(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (r *Router) handleGithubDevicePoll(w http.ResponseWriter, req *http.Request) {
	res, err := r.github.PollDeviceFlow(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (r *Router) handleGithubToken(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Token string `json:"token"`
		User  string `json:"user"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Token) == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := r.github.SaveToken(strings.TrimSpace(payload.Token), payload.User); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (r *Router) handleGithubDisconnect(w http.ResponseWriter, req *http.Request) {
	if err := r.github.Disconnect(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (r *Router) writeEnvError(w http.ResponseWriter, err error) {
	if errors.Is(err, environment.ErrNotFound) {
		writeError(w, http.StatusNotFound, "environment not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(p)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http request", fields...)
		default:
			r.logger.Info("http request", fields...)
		}
		r.recordRequestMetrics(req.Method, req.URL.Path, status, duration)
	}
}
