package environment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
	"github.com/bustinjailey/dev-farm-sub000/internal/readiness"
	"github.com/bustinjailey/dev-farm-sub000/internal/registry"
)

// ErrNotFound is returned when an environment id is not in the registry.
var ErrNotFound = errors.New("environment not found")

// internalPort is the port every environment image serves on inside the
// container. The host side is allocated from the registry's port pool.
const internalPort = 8080

// Runtime is the container-engine surface the service needs.
type Runtime interface {
	Inspect(ctx context.Context, ref string) (docker.ContainerState, error)
	List(ctx context.Context, namePrefix string) ([]docker.ContainerState, error)
	Run(ctx context.Context, spec docker.RunSpec) (string, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	Restart(ctx context.Context, ref string) error
	Remove(ctx context.Context, ref string) error
	RemoveVolume(ctx context.Context, name string) error
	Logs(ctx context.Context, ref string, tail int) (string, error)
	ContainerStats(ctx context.Context, ref string) (docker.Stats, error)
	ImageExists(ctx context.Context, ref string) (bool, error)
}

// Evaluator computes readiness for one environment.
type Evaluator interface {
	Evaluate(ctx context.Context, env registry.Environment) readiness.Result
}

// Options carries the deployment-specific knobs for the service.
type Options struct {
	ContainerPrefix    string
	ImageNamespace     string
	CodeServerImage    string
	DashboardContainer string
	ExternalURL        string
	BasePort           int
	// TokenSource returns the GitHub token to inject, or empty when the
	// farm is not connected to GitHub.
	TokenSource func() string
	// ExtraEnv is passed verbatim to every environment container.
	ExtraEnv []string
}

// Service owns the environment lifecycle: create, delete, start, stop,
// restart, plus the registry/container consistency operations.
type Service struct {
	store   *registry.Store
	runtime Runtime
	ready   Evaluator
	opts    Options
	logger  *slog.Logger
}

// NewService constructs the environment service.
func NewService(store *registry.Store, runtime Runtime, ready Evaluator, opts Options, logger *slog.Logger) *Service {
	if opts.ContainerPrefix == "" {
		opts.ContainerPrefix = "devfarm-"
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 8100
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: store, runtime: runtime, ready: ready, opts: opts, logger: logger.With("component", "environment")}
}

// CreateRequest is the user-supplied description of a new environment.
type CreateRequest struct {
	Project     string `json:"project"`
	Mode        string `json:"mode"`
	GitURL      string `json:"git_url"`
	ParentID    string `json:"parent_env_id"`
	DisplayName string `json:"display_name"`
}

// View is one environment as presented to clients: registry metadata plus the
// derived status and access URL.
type View struct {
	ID string `json:"id"`
	registry.Environment
	Status      string `json:"status"`
	URL         string `json:"url"`
	AuthPending bool   `json:"auth_pending"`
}

var nonKebab = regexp.MustCompile(`[^a-z0-9]+`)

// Kebabify derives an environment id from a project name.
func Kebabify(project string) string {
	id := strings.ToLower(strings.TrimSpace(project))
	id = nonKebab.ReplaceAllString(id, "-")
	return strings.Trim(id, "-")
}

// WorkspacePath maps a provisioning mode to the folder the editor opens.
func WorkspacePath(mode string) string {
	switch mode {
	case "git":
		return "/repo"
	case "ssh":
		return "/remote"
	default:
		return "/workspace"
	}
}

func validMode(mode string) bool {
	switch mode {
	case "workspace", "git", "ssh", "terminal":
		return true
	}
	return false
}

func (s *Service) containerName(id string) string {
	return s.opts.ContainerPrefix + id
}

// URLFor builds the browser URL for an environment.
func (s *Service) URLFor(id string, env registry.Environment) string {
	base := strings.TrimSuffix(s.opts.ExternalURL, "/")
	return fmt.Sprintf("%s/env/%s?folder=%s", base, id, WorkspacePath(env.Mode))
}

func (s *Service) imageFor(mode string) string {
	if mode == "terminal" {
		return strings.TrimSuffix(s.opts.ImageNamespace, "/") + "/terminal:latest"
	}
	return s.opts.CodeServerImage
}

// Create provisions a new environment: reserves a registry slot, starts the
// container, then records the container id. The reservation happens first so
// two concurrent creates of the same project cannot both win.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, registry.Environment, error) {
	id := Kebabify(req.Project)
	if id == "" {
		return "", registry.Environment{}, fmt.Errorf("project name is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = "workspace"
	}
	if !validMode(mode) {
		return "", registry.Environment{}, fmt.Errorf("invalid mode %q", mode)
	}
	if mode == "git" && strings.TrimSpace(req.GitURL) == "" {
		return "", registry.Environment{}, fmt.Errorf("git mode requires a git_url")
	}

	image := s.imageFor(mode)
	exists, err := s.runtime.ImageExists(ctx, image)
	if err != nil {
		return "", registry.Environment{}, fmt.Errorf("check image %s: %w", image, err)
	}
	if !exists {
		return "", registry.Environment{}, fmt.Errorf("image %s not found, build it first", image)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(req.Project)
	}

	var env registry.Environment
	err = s.store.Mutate(func(reg registry.Registry) error {
		if _, taken := reg[id]; taken {
			return fmt.Errorf("environment %q already exists", id)
		}
		if req.ParentID != "" {
			parent, ok := reg[req.ParentID]
			if !ok {
				return fmt.Errorf("parent environment %q not found", req.ParentID)
			}
			parent.Children = append(parent.Children, id)
			reg[req.ParentID] = parent
		}
		env = registry.Environment{
			Port:        nextFreePort(reg, s.opts.BasePort),
			Created:     time.Now().UTC().Format(time.RFC3339),
			Project:     strings.TrimSpace(req.Project),
			Mode:        mode,
			DisplayName: displayName,
			GitURL:      strings.TrimSpace(req.GitURL),
			ParentID:    req.ParentID,
			Children:    []string{},
			Status:      "starting",
		}
		reg[id] = env
		return nil
	})
	if err != nil {
		return "", registry.Environment{}, err
	}

	containerID, err := s.runtime.Run(ctx, docker.RunSpec{
		Name:         s.containerName(id),
		Image:        image,
		Env:          s.containerEnv(id, env),
		Labels:       map[string]string{"dev-farm.environment": id, "dev-farm.mode": mode},
		VolumeName:   s.containerName(id),
		VolumePath:   WorkspacePath(mode),
		InternalPort: internalPort,
		HostPort:     env.Port,
	})
	if err != nil {
		s.rollbackCreate(id, req.ParentID)
		return "", registry.Environment{}, fmt.Errorf("start environment container: %w", err)
	}

	err = s.store.Mutate(func(reg registry.Registry) error {
		stored, ok := reg[id]
		if !ok {
			return ErrNotFound
		}
		stored.ContainerID = containerID
		reg[id] = stored
		env = stored
		return nil
	})
	if err != nil {
		return "", registry.Environment{}, err
	}

	s.logger.Info("environment created", "env_id", id, "mode", mode, "port", env.Port)
	return id, env, nil
}

func (s *Service) containerEnv(id string, env registry.Environment) []string {
	vars := []string{
		"WORKSPACE_NAME=" + id,
		"ENV_MODE=" + env.Mode,
	}
	if env.GitURL != "" {
		vars = append(vars, "GIT_URL="+env.GitURL)
	}
	if s.opts.TokenSource != nil {
		if token := s.opts.TokenSource(); token != "" {
			vars = append(vars, "GITHUB_TOKEN="+token)
		}
	}
	return append(vars, s.opts.ExtraEnv...)
}

func (s *Service) rollbackCreate(id, parentID string) {
	err := s.store.Mutate(func(reg registry.Registry) error {
		delete(reg, id)
		if parentID != "" {
			if parent, ok := reg[parentID]; ok {
				parent.Children = removeString(parent.Children, id)
				reg[parentID] = parent
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to roll back registry entry", "env_id", id, "error", err)
	}
}

// Delete removes an environment: its container, its workspace volume, and its
// registry entry. Children of the deleted environment become roots.
func (s *Service) Delete(ctx context.Context, id string) error {
	var env registry.Environment
	err := s.store.Mutate(func(reg registry.Registry) error {
		stored, ok := reg[id]
		if !ok {
			return ErrNotFound
		}
		env = stored
		delete(reg, id)
		if env.ParentID != "" {
			if parent, ok := reg[env.ParentID]; ok {
				parent.Children = removeString(parent.Children, id)
				reg[env.ParentID] = parent
			}
		}
		for _, childID := range env.Children {
			if child, ok := reg[childID]; ok {
				child.ParentID = ""
				reg[childID] = child
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ref := env.ContainerID
	if ref == "" {
		ref = s.containerName(id)
	}
	if err := s.runtime.Remove(ctx, ref); err != nil {
		s.logger.Warn("failed to remove environment container", "env_id", id, "error", err)
	}
	if err := s.runtime.RemoveVolume(ctx, s.containerName(id)); err != nil {
		s.logger.Warn("failed to remove environment volume", "env_id", id, "error", err)
	}
	s.logger.Info("environment deleted", "env_id", id)
	return nil
}

func (s *Service) lookup(id string) (registry.Environment, error) {
	reg, err := s.store.Load()
	if err != nil {
		return registry.Environment{}, err
	}
	env, ok := reg[id]
	if !ok {
		return registry.Environment{}, ErrNotFound
	}
	return env, nil
}

func (s *Service) containerRef(id string, env registry.Environment) string {
	if env.ContainerID != "" {
		return env.ContainerID
	}
	return s.containerName(id)
}

// Start starts a stopped environment container.
func (s *Service) Start(ctx context.Context, id string) error {
	env, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.runtime.Start(ctx, s.containerRef(id, env)); err != nil {
		return fmt.Errorf("start environment: %w", err)
	}
	return s.setStatus(id, "starting")
}

// Stop stops a running environment container.
func (s *Service) Stop(ctx context.Context, id string) error {
	env, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.runtime.Stop(ctx, s.containerRef(id, env)); err != nil {
		return fmt.Errorf("stop environment: %w", err)
	}
	return s.setStatus(id, "stopped")
}

// Restart restarts an environment container.
func (s *Service) Restart(ctx context.Context, id string) error {
	env, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.runtime.Restart(ctx, s.containerRef(id, env)); err != nil {
		return fmt.Errorf("restart environment: %w", err)
	}
	return s.setStatus(id, "starting")
}

func (s *Service) setStatus(id, status string) error {
	return s.store.Mutate(func(reg registry.Registry) error {
		env, ok := reg[id]
		if !ok {
			return ErrNotFound
		}
		env.Status = status
		reg[id] = env
		return nil
	})
}

// List returns every environment with its derived status, sorted by id.
func (s *Service) List(ctx context.Context) ([]View, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(reg))
	for id, env := range reg {
		res := s.ready.Evaluate(ctx, env)
		views = append(views, View{
			ID:          id,
			Environment: env,
			Status:      res.DisplayStatus(),
			URL:         s.URLFor(id, env),
			AuthPending: res.State == readiness.AuthPending,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views, nil
}

// StatusDetail is the per-environment detail endpoint payload.
type StatusDetail struct {
	ID          string        `json:"id"`
	Status      string        `json:"status"`
	AuthPending bool          `json:"auth_pending"`
	URL         string        `json:"url"`
	Stats       *docker.Stats `json:"stats,omitempty"`
}

// Status evaluates one environment's readiness and, when it is running,
// samples its resource usage.
func (s *Service) Status(ctx context.Context, id string) (StatusDetail, error) {
	env, err := s.lookup(id)
	if err != nil {
		return StatusDetail{}, err
	}
	res := s.ready.Evaluate(ctx, env)
	detail := StatusDetail{
		ID:          id,
		Status:      res.DisplayStatus(),
		AuthPending: res.State == readiness.AuthPending,
		URL:         s.URLFor(id, env),
	}
	if res.RunState == "running" {
		stats, err := s.runtime.ContainerStats(ctx, s.containerRef(id, env))
		if err != nil {
			s.logger.Debug("stats unavailable", "env_id", id, "error", err)
		} else {
			detail.Stats = &stats
		}
	}
	return detail, nil
}

// LogsResult pairs a log window with the environment's current status.
type LogsResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Logs   string `json:"logs"`
}

// Logs fetches recent container output for an environment.
func (s *Service) Logs(ctx context.Context, id string, tail int) (LogsResult, error) {
	env, err := s.lookup(id)
	if err != nil {
		return LogsResult{}, err
	}
	if tail <= 0 {
		tail = 500
	}
	logs, err := s.runtime.Logs(ctx, s.containerRef(id, env), tail)
	if err != nil {
		return LogsResult{}, fmt.Errorf("fetch logs: %w", err)
	}
	res := s.ready.Evaluate(ctx, env)
	return LogsResult{ID: id, Status: res.DisplayStatus(), Logs: logs}, nil
}

// Node is one environment in the parent/child hierarchy.
type Node struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Mode        string `json:"mode"`
	Children    []Node `json:"children"`
}

// Hierarchy returns the forest of environments rooted at parentless entries.
// An entry whose parent is missing from the registry is treated as a root.
func (s *Service) Hierarchy() ([]Node, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(reg))
	for id, env := range reg {
		if env.ParentID == "" {
			roots = append(roots, id)
			continue
		}
		if _, ok := reg[env.ParentID]; !ok {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	nodes := make([]Node, 0, len(roots))
	for _, id := range roots {
		nodes = append(nodes, buildNode(reg, id, map[string]bool{}))
	}
	return nodes, nil
}

func buildNode(reg registry.Registry, id string, seen map[string]bool) Node {
	env := reg[id]
	node := Node{ID: id, DisplayName: env.DisplayName, Mode: env.Mode, Children: []Node{}}
	if seen[id] {
		return node
	}
	seen[id] = true
	children := append([]string(nil), env.Children...)
	sort.Strings(children)
	for _, childID := range children {
		if _, ok := reg[childID]; !ok {
			continue
		}
		node.Children = append(node.Children, buildNode(reg, childID, seen))
	}
	return node
}

// Orphans lists containers carrying the farm prefix that no registry entry
// claims. The dashboard's own container is never an orphan.
func (s *Service) Orphans(ctx context.Context) ([]docker.ContainerState, error) {
	containers, err := s.runtime.List(ctx, s.opts.ContainerPrefix)
	if err != nil {
		return nil, err
	}
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	orphans := make([]docker.ContainerState, 0)
	for _, c := range containers {
		if c.Name == s.opts.DashboardContainer {
			continue
		}
		id := strings.TrimPrefix(c.Name, s.opts.ContainerPrefix)
		if _, claimed := reg[id]; claimed {
			continue
		}
		orphans = append(orphans, c)
	}
	return orphans, nil
}

// CleanupOrphans removes orphaned containers and their volumes. Returns the
// number removed.
func (s *Service) CleanupOrphans(ctx context.Context) (int, error) {
	orphans, err := s.Orphans(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range orphans {
		if err := s.runtime.Remove(ctx, c.ID); err != nil {
			s.logger.Warn("failed to remove orphan container", "container", c.Name, "error", err)
			continue
		}
		if err := s.runtime.RemoveVolume(ctx, c.Name); err != nil {
			s.logger.Debug("no volume removed for orphan", "container", c.Name, "error", err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("cleaned up orphan containers", "removed", removed)
	}
	return removed, nil
}

// RecoverRegistry rebuilds registry entries from running farm containers that
// have no entry, after a lost or corrupted registry file. Returns the number
// of entries added.
func (s *Service) RecoverRegistry(ctx context.Context) (int, error) {
	containers, err := s.runtime.List(ctx, s.opts.ContainerPrefix)
	if err != nil {
		return 0, err
	}
	added := 0
	err = s.store.Mutate(func(reg registry.Registry) error {
		for _, c := range containers {
			if c.Name == s.opts.DashboardContainer {
				continue
			}
			id := strings.TrimPrefix(c.Name, s.opts.ContainerPrefix)
			if id == "" {
				continue
			}
			if _, exists := reg[id]; exists {
				continue
			}
			port := s.hostPort(ctx, c.ID)
			if port == 0 {
				port = nextFreePort(reg, s.opts.BasePort)
			}
			reg[id] = registry.Environment{
				ContainerID: c.ID,
				Port:        port,
				Created:     c.Created,
				Project:     id,
				Mode:        "workspace",
				DisplayName: id,
				Children:    []string{},
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.logger.Info("recovered registry entries", "added", added)
	}
	return added, nil
}

func (s *Service) hostPort(ctx context.Context, containerID string) int {
	state, err := s.runtime.Inspect(ctx, containerID)
	if err != nil {
		return 0
	}
	for port, bindings := range state.Ports {
		if port.Int() != internalPort {
			continue
		}
		for _, binding := range bindings {
			var host int
			if _, err := fmt.Sscanf(binding.HostPort, "%d", &host); err == nil && host > 0 {
				return host
			}
		}
	}
	return 0
}

// SyncRegistry reconciles registry entries against actual containers: stale
// container ids are refreshed, entries whose container is gone are marked
// missing. Returns true when anything changed.
func (s *Service) SyncRegistry(ctx context.Context) (bool, error) {
	changed := false
	err := s.store.Mutate(func(reg registry.Registry) error {
		for id, env := range reg {
			state, err := s.runtime.Inspect(ctx, s.containerName(id))
			if err != nil {
				if errors.Is(err, docker.ErrNotFound) {
					if env.ContainerID != "" || env.Status != "missing" {
						env.ContainerID = ""
						env.Status = "missing"
						reg[id] = env
						changed = true
					}
					continue
				}
				return err
			}
			if env.ContainerID != state.ID {
				env.ContainerID = state.ID
				reg[id] = env
				changed = true
			}
			if env.Status == "missing" {
				env.Status = ""
				reg[id] = env
				changed = true
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("registry synchronized with containers")
	}
	return changed, nil
}

func nextFreePort(reg registry.Registry, basePort int) int {
	used := make(map[int]struct{}, len(reg))
	for _, env := range reg {
		used[env.Port] = struct{}{}
	}
	port := basePort
	for {
		if _, taken := used[port]; !taken {
			return port
		}
		port++
	}
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
