package update

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
)

// StageEntry is one append-only record in the update progress log.
type StageEntry struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Progress is the caller-observable snapshot of an update run.
type Progress struct {
	Running          bool         `json:"running"`
	Success          *bool        `json:"success"`
	Error            string       `json:"error,omitempty"`
	Stages           []StageEntry `json:"stages"`
	CacheBustPending bool         `json:"cache_bust_pending"`
}

// State holds update progress shared by every orchestrator built over it.
// It is injected rather than package-global so tests construct isolated
// instances, and so the cache-bust flag outlives the serving connections the
// final restart stage severs.
type State struct {
	mu       sync.Mutex
	progress Progress
	done     chan struct{}
}

// NewState returns an empty update state.
func NewState() *State {
	return &State{}
}

// StartResult reports whether an update run was accepted.
type StartResult struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// ProgressEvent is the update-progress broadcast payload.
type ProgressEvent struct {
	Stage   string `json:"stage"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Stages  int    `json:"stages"`
	Running bool   `json:"running"`
}

// Publisher is the broadcast surface for update events.
type Publisher interface {
	Publish(event string, payload any)
}

// ImageBuilder builds one image from a directory containing a Dockerfile.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, onOutput docker.BuildOutputCallback) error
}

// ImageTarget names one image the update rebuilds, in order.
type ImageTarget struct {
	Name string
	Dir  string
	Tag  string
}

// GitRunner executes a git subcommand in a directory and returns stdout.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

// Orchestrator runs the multi-stage self-update: fetch, pull, rebuild images,
// restart the serving process. Strictly single-flight; concurrent starts are
// rejected, never queued.
type Orchestrator struct {
	state      *State
	publisher  Publisher
	builder    ImageBuilder
	restart    func(ctx context.Context) error
	runGit     GitRunner
	repoPath   string
	images     []ImageTarget
	timeout    time.Duration
	gitTimeout time.Duration
	logger     *slog.Logger
}

// New constructs an orchestrator over the shared state. The run timeout
// bounds a whole update; gitTimeout bounds each individual git command so a
// hung remote fails the fetch stage instead of eating the run budget.
func New(state *State, publisher Publisher, builder ImageBuilder, restart func(ctx context.Context) error, repoPath string, images []ImageTarget, timeout, gitTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if gitTimeout <= 0 {
		gitTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		state:      state,
		publisher:  publisher,
		builder:    builder,
		restart:    restart,
		runGit:     runGit,
		repoPath:   repoPath,
		images:     images,
		timeout:    timeout,
		gitTimeout: gitTimeout,
		logger:     logger.With("component", "update"),
	}
}

// git runs one git command under the per-command timeout.
func (o *Orchestrator) git(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.gitTimeout)
	defer cancel()
	return o.runGit(ctx, o.repoPath, args...)
}

// SetGitRunner overrides the git executor.
func (o *Orchestrator) SetGitRunner(run GitRunner) {
	if run != nil {
		o.runGit = run
	}
}

// Start begins an update run. If one is already in flight it returns a
// rejection; otherwise stages execute asynchronously and the caller does not
// block on completion.
func (o *Orchestrator) Start() StartResult {
	o.state.mu.Lock()
	if o.state.progress.Running {
		o.state.mu.Unlock()
		return StartResult{Started: false, Message: "Update already in progress"}
	}
	o.state.progress = Progress{
		Running: true,
		Stages:  []StageEntry{{Stage: "queued", Status: "queued", Message: "Update queued"}},
	}
	o.state.done = make(chan struct{})
	done := o.state.done
	o.state.mu.Unlock()

	o.publisher.Publish("update-started", map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	o.logger.Info("update started")

	go o.run(done)

	return StartResult{Started: true, Message: "Update started"}
}

type stage struct {
	name    string
	message string
	fn      func(ctx context.Context) error
}

func (o *Orchestrator) run(done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	for _, st := range o.stages() {
		o.append(StageEntry{Stage: st.name, Status: "starting", Message: st.message})
		if err := st.fn(ctx); err != nil {
			o.logger.Error("update stage failed", "stage", st.name, "error", err)
			o.fail(st.name, err)
			return
		}
		o.append(StageEntry{Stage: st.name, Status: "success", Message: st.message + " done"})
	}

	o.state.mu.Lock()
	success := true
	o.state.progress.Running = false
	o.state.progress.Success = &success
	entry := StageEntry{Stage: "complete", Status: "success", Message: "Update complete"}
	o.state.progress.Stages = append(o.state.progress.Stages, entry)
	count := len(o.state.progress.Stages)
	o.state.mu.Unlock()

	o.logger.Info("update complete")
	o.publisher.Publish("update-progress", ProgressEvent{
		Stage:   entry.Stage,
		Status:  entry.Status,
		Message: entry.Message,
		Stages:  count,
		Running: false,
	})
}

func (o *Orchestrator) stages() []stage {
	stages := []stage{
		{
			name:    "fetch",
			message: "Fetching latest changes",
			fn: func(ctx context.Context) error {
				_, err := o.git(ctx, "fetch", "origin", "main")
				return err
			},
		},
		{
			name:    "pull",
			message: "Pulling latest changes",
			fn: func(ctx context.Context) error {
				_, err := o.git(ctx, "pull", "--ff-only", "origin", "main")
				return err
			},
		},
	}
	for _, target := range o.images {
		target := target
		stages = append(stages, stage{
			name:    "build-" + target.Name,
			message: "Building " + target.Tag,
			fn: func(ctx context.Context) error {
				dir := target.Dir
				if !filepath.IsAbs(dir) {
					dir = filepath.Join(o.repoPath, dir)
				}
				return o.builder.BuildImage(ctx, dir, target.Tag, func(line string) {
					o.logger.Debug("image build output", "image", target.Tag, "line", line)
				})
			},
		})
	}
	stages = append(stages, stage{
		name:    "restart",
		message: "Restarting dashboard",
		fn: func(ctx context.Context) error {
			// The restart severs every connected stream, so the flag must be
			// readable before the signal goes out: a client reconnecting
			// afterwards has only this flag to learn that a reload is owed.
			o.state.mu.Lock()
			o.state.progress.CacheBustPending = true
			o.state.mu.Unlock()
			return o.restart(ctx)
		},
	})
	return stages
}

func (o *Orchestrator) append(entry StageEntry) {
	o.state.mu.Lock()
	o.state.progress.Stages = append(o.state.progress.Stages, entry)
	count := len(o.state.progress.Stages)
	running := o.state.progress.Running
	o.state.mu.Unlock()

	o.publisher.Publish("update-progress", ProgressEvent{
		Stage:   entry.Stage,
		Status:  entry.Status,
		Message: entry.Message,
		Stages:  count,
		Running: running,
	})
}

func (o *Orchestrator) fail(stageName string, err error) {
	o.state.mu.Lock()
	success := false
	o.state.progress.Running = false
	o.state.progress.Success = &success
	o.state.progress.Error = err.Error()
	entry := StageEntry{Stage: stageName, Status: "error", Message: err.Error()}
	o.state.progress.Stages = append(o.state.progress.Stages, entry)
	count := len(o.state.progress.Stages)
	o.state.mu.Unlock()

	o.publisher.Publish("update-progress", ProgressEvent{
		Stage:   entry.Stage,
		Status:  entry.Status,
		Message: entry.Message,
		Stages:  count,
		Running: false,
	})
}

// Status returns a torn-read-free snapshot of the current progress.
func (o *Orchestrator) Status() Progress {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	snapshot := o.state.progress
	snapshot.Stages = append([]StageEntry(nil), o.state.progress.Stages...)
	if o.state.progress.Success != nil {
		v := *o.state.progress.Success
		snapshot.Success = &v
	}
	return snapshot
}

// Acknowledge clears the cache-bust flag after a client has consumed it and
// reports whether a reload was owed. At-least-once delivery is acceptable.
func (o *Orchestrator) Acknowledge() bool {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	pending := o.state.progress.CacheBustPending
	o.state.progress.CacheBustPending = false
	return pending
}

// Wait blocks until the in-flight run settles. It returns immediately when no
// update is running.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.state.mu.Lock()
	running := o.state.progress.Running
	done := o.state.done
	o.state.mu.Unlock()
	if !running || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SystemStatus reports how far the local checkout lags origin/main.
type SystemStatus struct {
	CurrentSHA       string `json:"current_sha"`
	LatestSHA        string `json:"latest_sha"`
	CommitsBehind    int    `json:"commits_behind"`
	UpdatesAvailable bool   `json:"updates_available"`
}

// CheckSystemStatus fetches origin and compares HEAD against origin/main.
func (o *Orchestrator) CheckSystemStatus(ctx context.Context) (SystemStatus, error) {
	current, err := o.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return SystemStatus{}, err
	}
	if _, err := o.git(ctx, "fetch", "origin", "main"); err != nil {
		return SystemStatus{}, err
	}
	latest, err := o.git(ctx, "rev-parse", "--short", "origin/main")
	if err != nil {
		return SystemStatus{}, err
	}
	countOut, err := o.git(ctx, "rev-list", "--count", "HEAD..origin/main")
	if err != nil {
		return SystemStatus{}, err
	}
	behind, err := strconv.Atoi(strings.TrimSpace(countOut))
	if err != nil {
		return SystemStatus{}, fmt.Errorf("parse commit count: %w", err)
	}
	return SystemStatus{
		CurrentSHA:       strings.TrimSpace(current),
		LatestSHA:        strings.TrimSpace(latest),
		CommitsBehind:    behind,
		UpdatesAvailable: behind > 0,
	}, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
