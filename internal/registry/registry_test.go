package registry

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"log/slog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "environments.json")
	return NewStore(path, 8100, slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	s := newTestStore(t)
	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(reg) != 0 {
		t.Fatalf("registry = %v, want empty", reg)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	in := Registry{
		"my-app": {
			ContainerID: "abc123",
			Port:        8100,
			Mode:        "git",
			GitURL:      "https://github.com/u/app.git",
			DisplayName: "My App",
			Children:    []string{},
		},
	}
	if err := s.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	env, ok := out["my-app"]
	if !ok {
		t.Fatalf("entry missing after round trip")
	}
	if env.ContainerID != "abc123" || env.Port != 8100 || env.GitURL != "https://github.com/u/app.git" {
		t.Fatalf("entry = %+v", env)
	}
}

func TestSaveIsAtomicAndUsesStableFieldNames(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Registry{"app": {ContainerID: "c1", Port: 8100, ParentID: "root", Children: []string{}}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(s.path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("parse: %v", err)
	}
	entry := raw["app"]
	if _, ok := entry["container_id"]; !ok {
		t.Fatalf("container_id key missing: %v", entry)
	}
	if _, ok := entry["parent_env_id"]; !ok {
		t.Fatalf("parent_env_id key missing: %v", entry)
	}
}

func TestMutateAppliesAndPersists(t *testing.T) {
	s := newTestStore(t)
	err := s.Mutate(func(reg Registry) error {
		reg["one"] = Environment{Port: 8100, Children: []string{}}
		return nil
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	err = s.Mutate(func(reg Registry) error {
		env := reg["one"]
		env.Status = "stopped"
		reg["one"] = env
		return nil
	})
	if err != nil {
		t.Fatalf("second mutate: %v", err)
	}
	reg, _ := s.Load()
	if reg["one"].Status != "stopped" {
		t.Fatalf("status = %q", reg["one"].Status)
	}
}

func TestMutateErrorAbortsSave(t *testing.T) {
	s := newTestStore(t)
	sentinel := errors.New("rejected")
	err := s.Mutate(func(reg Registry) error {
		reg["phantom"] = Environment{}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	reg, _ := s.Load()
	if _, ok := reg["phantom"]; ok {
		t.Fatalf("aborted mutation was persisted")
	}
}

func TestOnSaveHookFires(t *testing.T) {
	s := newTestStore(t)
	fired := 0
	s.OnSave(func() { fired++ })

	if err := s.Save(Registry{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Mutate(func(reg Registry) error { return nil }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if fired != 2 {
		t.Fatalf("hook fired %d times, want 2", fired)
	}

	if err := s.Mutate(func(reg Registry) error { return errors.New("no") }); err == nil {
		t.Fatalf("expected mutate error")
	}
	if fired != 2 {
		t.Fatalf("hook fired on a failed mutate")
	}
}

func TestNextPortSkipsUsedPorts(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Registry{
		"a": {Port: 8100},
		"b": {Port: 8101},
		"d": {Port: 8103},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	port, err := s.NextPort()
	if err != nil {
		t.Fatalf("next port: %v", err)
	}
	if port != 8102 {
		t.Fatalf("port = %d, want 8102", port)
	}
}

func TestNextPortEmptyRegistry(t *testing.T) {
	s := newTestStore(t)
	port, err := s.NextPort()
	if err != nil {
		t.Fatalf("next port: %v", err)
	}
	if port != 8100 {
		t.Fatalf("port = %d, want base port", port)
	}
}

func TestLoadCorruptFileReturnsError(t *testing.T) {
	s := newTestStore(t)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(s.path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestNilLoggerDefaultsToDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.json")
	s := NewStore(path, 8100, nil)

	if err := s.Save(Registry{"app": {Port: 8100}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	reg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg["app"].Port != 8100 {
		t.Fatalf("registry = %+v", reg)
	}
}
