package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
	"github.com/bustinjailey/dev-farm-sub000/internal/readiness"
	"github.com/bustinjailey/dev-farm-sub000/internal/registry"
)

type fakeRuntime struct {
	containers     map[string]docker.ContainerState // keyed by name
	runErr         error
	runSpecs       []docker.RunSpec
	removed        []string
	removedVolumes []string
	logs           string
	logsTail       int
	images         map[string]bool
	nextID         int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: map[string]docker.ContainerState{},
		images:     map[string]bool{"dev-farm/code-server:latest": true, "dev-farm/terminal:latest": true},
	}
}

func (f *fakeRuntime) find(ref string) (docker.ContainerState, bool) {
	if c, ok := f.containers[ref]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.ID == ref {
			return c, true
		}
	}
	return docker.ContainerState{}, false
}

func (f *fakeRuntime) Inspect(ctx context.Context, ref string) (docker.ContainerState, error) {
	if c, ok := f.find(ref); ok {
		return c, nil
	}
	return docker.ContainerState{}, docker.ErrNotFound
}

func (f *fakeRuntime) List(ctx context.Context, namePrefix string) ([]docker.ContainerState, error) {
	out := []docker.ContainerState{}
	for name, c := range f.containers {
		if strings.HasPrefix(name, namePrefix) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec docker.RunSpec) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.runSpecs = append(f.runSpecs, spec)
	f.nextID++
	id := fmt.Sprintf("cid-%d", f.nextID)
	f.containers[spec.Name] = docker.ContainerState{ID: id, Name: spec.Name, Status: "running"}
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, ref string) error   { return nil }
func (f *fakeRuntime) Stop(ctx context.Context, ref string) error    { return nil }
func (f *fakeRuntime) Restart(ctx context.Context, ref string) error { return nil }

func (f *fakeRuntime) Remove(ctx context.Context, ref string) error {
	f.removed = append(f.removed, ref)
	if c, ok := f.find(ref); ok {
		delete(f.containers, c.Name)
	}
	return nil
}

func (f *fakeRuntime) RemoveVolume(ctx context.Context, name string) error {
	f.removedVolumes = append(f.removedVolumes, name)
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, ref string, tail int) (string, error) {
	f.logsTail = tail
	return f.logs, nil
}

func (f *fakeRuntime) ContainerStats(ctx context.Context, ref string) (docker.Stats, error) {
	return docker.Stats{CPUPercent: 1.5, MemoryPercent: 10, MemoryMB: 256}, nil
}

func (f *fakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	return f.images[ref], nil
}

type fixedEvaluator struct {
	result readiness.Result
}

func (e fixedEvaluator) Evaluate(ctx context.Context, env registry.Environment) readiness.Result {
	return e.result
}

func newTestService(t *testing.T, rt *fakeRuntime, ready Evaluator) (*Service, *registry.Store) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := registry.NewStore(filepath.Join(t.TempDir(), "environments.json"), 8100, logger)
	if ready == nil {
		ready = fixedEvaluator{result: readiness.Result{State: readiness.Ready, RunState: "running"}}
	}
	svc := NewService(store, rt, ready, Options{
		ContainerPrefix:    "devfarm-",
		ImageNamespace:     "dev-farm",
		CodeServerImage:    "dev-farm/code-server:latest",
		DashboardContainer: "devfarm-dashboard",
		ExternalURL:        "http://farm.local",
		BasePort:           8100,
		TokenSource:        func() string { return "ghp_test" },
	}, logger)
	return svc, store
}

func TestKebabify(t *testing.T) {
	cases := map[string]string{
		"My Project":     "my-project",
		"  API_Server ":  "api-server",
		"already-kebab":  "already-kebab",
		"Mixed  spaces!": "mixed-spaces",
		"---":            "",
	}
	for input, want := range cases {
		if got := Kebabify(input); got != want {
			t.Fatalf("Kebabify(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestCreateProvisionsContainerAndRegistry(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	id, env, err := svc.Create(context.Background(), CreateRequest{Project: "My App", Mode: "git", GitURL: "https://github.com/u/app.git"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "my-app" {
		t.Fatalf("id = %q, want my-app", id)
	}
	if env.Port != 8100 {
		t.Fatalf("port = %d, want 8100", env.Port)
	}
	if env.ContainerID == "" {
		t.Fatalf("container id not recorded")
	}

	if len(rt.runSpecs) != 1 {
		t.Fatalf("expected one container run, got %d", len(rt.runSpecs))
	}
	spec := rt.runSpecs[0]
	if spec.Name != "devfarm-my-app" {
		t.Fatalf("container name = %q", spec.Name)
	}
	if spec.VolumePath != "/repo" {
		t.Fatalf("git mode volume path = %q, want /repo", spec.VolumePath)
	}
	if spec.InternalPort != 8080 || spec.HostPort != 8100 {
		t.Fatalf("port binding = %d->%d", spec.HostPort, spec.InternalPort)
	}
	envSet := strings.Join(spec.Env, "\n")
	for _, want := range []string{"WORKSPACE_NAME=my-app", "GIT_URL=https://github.com/u/app.git", "GITHUB_TOKEN=ghp_test"} {
		if !strings.Contains(envSet, want) {
			t.Fatalf("container env missing %q in %v", want, spec.Env)
		}
	}

	reg, err := store.Load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if _, ok := reg["my-app"]; !ok {
		t.Fatalf("registry entry not persisted")
	}
}

func TestCreateRejectsDuplicateAndSkipsUsedPorts(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	seed := registry.Registry{
		"taken": {Port: 8100, Mode: "workspace", Children: []string{}},
		"also":  {Port: 8101, Mode: "workspace", Children: []string{}},
	}
	if err := store.Save(seed); err != nil {
		t.Fatalf("seed registry: %v", err)
	}

	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "taken"}); err == nil {
		t.Fatalf("expected duplicate rejection")
	}

	_, env, err := svc.Create(context.Background(), CreateRequest{Project: "fresh"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.Port != 8102 {
		t.Fatalf("port = %d, want 8102 (8100 and 8101 are taken)", env.Port)
	}
}

func TestCreateRollsBackWhenContainerFails(t *testing.T) {
	rt := newFakeRuntime()
	rt.runErr = errors.New("no such image layer")
	svc, store := newTestService(t, rt, nil)

	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "doomed"}); err == nil {
		t.Fatalf("expected create failure")
	}
	reg, err := store.Load()
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	if _, ok := reg["doomed"]; ok {
		t.Fatalf("failed create left a registry entry behind")
	}
}

func TestCreateLinksParentAndDeleteUnlinks(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	parentID, _, err := svc.Create(context.Background(), CreateRequest{Project: "parent"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childID, _, err := svc.Create(context.Background(), CreateRequest{Project: "child", ParentID: parentID})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	reg, _ := store.Load()
	if got := reg[parentID].Children; len(got) != 1 || got[0] != childID {
		t.Fatalf("parent children = %v, want [%s]", got, childID)
	}
	if reg[childID].ParentID != parentID {
		t.Fatalf("child parent = %q", reg[childID].ParentID)
	}

	if err := svc.Delete(context.Background(), childID); err != nil {
		t.Fatalf("delete child: %v", err)
	}
	reg, _ = store.Load()
	if got := reg[parentID].Children; len(got) != 0 {
		t.Fatalf("parent still lists deleted child: %v", got)
	}
	if len(rt.removedVolumes) == 0 || rt.removedVolumes[len(rt.removedVolumes)-1] != "devfarm-"+childID {
		t.Fatalf("child volume not removed: %v", rt.removedVolumes)
	}
}

func TestDeleteOrphansChildren(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	parentID, _, err := svc.Create(context.Background(), CreateRequest{Project: "root"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childID, _, err := svc.Create(context.Background(), CreateRequest{Project: "leaf", ParentID: parentID})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := svc.Delete(context.Background(), parentID); err != nil {
		t.Fatalf("delete parent: %v", err)
	}
	reg, _ := store.Load()
	child, ok := reg[childID]
	if !ok {
		t.Fatalf("child deleted along with parent")
	}
	if child.ParentID != "" {
		t.Fatalf("child still references deleted parent %q", child.ParentID)
	}
}

func TestDeleteUnknownEnvironment(t *testing.T) {
	rt := newFakeRuntime()
	svc, _ := newTestService(t, rt, nil)
	if err := svc.Delete(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDerivesStatusAndURL(t *testing.T) {
	rt := newFakeRuntime()
	svc, _ := newTestService(t, rt, fixedEvaluator{result: readiness.Result{State: readiness.AuthPending, RunState: "running"}})

	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "shell", Mode: "terminal"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	views, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one view, got %d", len(views))
	}
	v := views[0]
	if v.Status != "starting" {
		t.Fatalf("auth-pending env status = %q, want starting", v.Status)
	}
	if !v.AuthPending {
		t.Fatalf("auth_pending flag not set")
	}
	if v.URL != "http://farm.local/env/shell?folder=/workspace" {
		t.Fatalf("url = %q", v.URL)
	}
}

func TestLogsDefaultsTailAndReportsStatus(t *testing.T) {
	rt := newFakeRuntime()
	rt.logs = "booting\nready\n"
	svc, _ := newTestService(t, rt, fixedEvaluator{result: readiness.Result{State: readiness.NotReady, RunState: "running"}})

	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "logs"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := svc.Logs(context.Background(), "logs", 0)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if rt.logsTail != 500 {
		t.Fatalf("tail = %d, want 500", rt.logsTail)
	}
	if res.Status != "starting" {
		t.Fatalf("status = %q, want starting", res.Status)
	}
	if res.Logs != rt.logs {
		t.Fatalf("logs = %q", res.Logs)
	}
}

func TestHierarchyNestsChildren(t *testing.T) {
	rt := newFakeRuntime()
	svc, _ := newTestService(t, rt, nil)

	rootID, _, err := svc.Create(context.Background(), CreateRequest{Project: "trunk"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "branch", ParentID: rootID}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "solo"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	nodes, err := svc.Hierarchy()
	if err != nil {
		t.Fatalf("hierarchy: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(nodes))
	}
	if nodes[0].ID != "solo" || nodes[1].ID != "trunk" {
		t.Fatalf("root order = %s, %s", nodes[0].ID, nodes[1].ID)
	}
	if len(nodes[1].Children) != 1 || nodes[1].Children[0].ID != "branch" {
		t.Fatalf("trunk children = %v", nodes[1].Children)
	}
}

func TestOrphanDetectionAndCleanup(t *testing.T) {
	rt := newFakeRuntime()
	svc, _ := newTestService(t, rt, nil)

	if _, _, err := svc.Create(context.Background(), CreateRequest{Project: "claimed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rt.containers["devfarm-stray"] = docker.ContainerState{ID: "stray-id", Name: "devfarm-stray", Status: "running"}
	rt.containers["devfarm-dashboard"] = docker.ContainerState{ID: "dash-id", Name: "devfarm-dashboard", Status: "running"}

	orphans, err := svc.Orphans(context.Background())
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Name != "devfarm-stray" {
		t.Fatalf("orphans = %v", orphans)
	}

	removed, err := svc.CleanupOrphans(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := rt.containers["devfarm-stray"]; ok {
		t.Fatalf("stray container survived cleanup")
	}
	if _, ok := rt.containers["devfarm-claimed"]; !ok {
		t.Fatalf("claimed container was removed")
	}
}

func TestRecoverRegistrySkipsDashboard(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	rt.containers["devfarm-lost"] = docker.ContainerState{ID: "lost-id", Name: "devfarm-lost", Status: "running", Created: "2026-08-01T00:00:00Z"}
	rt.containers["devfarm-dashboard"] = docker.ContainerState{ID: "dash-id", Name: "devfarm-dashboard", Status: "running"}

	added, err := svc.RecoverRegistry(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}
	reg, _ := store.Load()
	env, ok := reg["lost"]
	if !ok {
		t.Fatalf("lost environment not recovered")
	}
	if env.ContainerID != "lost-id" {
		t.Fatalf("container id = %q", env.ContainerID)
	}
	if _, ok := reg["dashboard"]; ok {
		t.Fatalf("dashboard container must not be recovered as an environment")
	}
}

func TestSyncRegistryMarksMissingAndRefreshesIDs(t *testing.T) {
	rt := newFakeRuntime()
	svc, store := newTestService(t, rt, nil)

	seed := registry.Registry{
		"gone":  {ContainerID: "old-gone", Port: 8100, Children: []string{}},
		"stale": {ContainerID: "old-stale", Port: 8101, Children: []string{}},
	}
	if err := store.Save(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rt.containers["devfarm-stale"] = docker.ContainerState{ID: "new-stale", Name: "devfarm-stale", Status: "running"}

	changed, err := svc.SyncRegistry(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !changed {
		t.Fatalf("expected changes")
	}
	reg, _ := store.Load()
	if reg["gone"].Status != "missing" || reg["gone"].ContainerID != "" {
		t.Fatalf("gone entry = %+v", reg["gone"])
	}
	if reg["stale"].ContainerID != "new-stale" {
		t.Fatalf("stale container id = %q", reg["stale"].ContainerID)
	}

	changed, err = svc.SyncRegistry(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if changed {
		t.Fatalf("second sync should be a no-op")
	}
}
