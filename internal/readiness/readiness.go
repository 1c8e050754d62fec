package readiness

import (
	"context"
	"strings"

	"log/slog"

	"github.com/bustinjailey/dev-farm-sub000/internal/docker"
	"github.com/bustinjailey/dev-farm-sub000/internal/registry"
)

// State is the three-valued readiness signal for an environment container.
type State int

const (
	// NotReady covers stopped containers, early boot, and every error path.
	NotReady State = iota
	// AuthPending means the process is alive but blocked on device-code auth.
	AuthPending
	// Ready means the environment is serving.
	Ready
)

func (s State) String() string {
	switch s {
	case AuthPending:
		return "auth-pending"
	case Ready:
		return "ready"
	default:
		return "not-ready"
	}
}

// Runtime is the slice of the container runtime the detector consumes.
type Runtime interface {
	Inspect(ctx context.Context, ref string) (docker.ContainerState, error)
	Exec(ctx context.Context, ref string, cmd []string) (string, error)
	Logs(ctx context.Context, ref string, tail int) (string, error)
}

// ModeCapability declares how a provisioning mode is probed. DeviceAuth is an
// explicit flag, never inferred from log content.
type ModeCapability struct {
	ProcessPattern string
	DeviceAuth     bool
	Classifier     LogClassifier
}

// DefaultCapabilities maps the known provisioning modes. Only terminal mode
// performs interactive device-code auth on first boot.
func DefaultCapabilities() map[string]ModeCapability {
	codeServer := ModeCapability{ProcessPattern: "code-server", Classifier: CodeServerClassifier()}
	return map[string]ModeCapability{
		"workspace": codeServer,
		"git":       codeServer,
		"ssh":       codeServer,
		"terminal": {
			ProcessPattern: "ttyd",
			DeviceAuth:     true,
			Classifier:     TerminalClassifier(),
		},
	}
}

// Result pairs the readiness state with the container's coarse run state so
// callers can derive a display status without a second inspect.
type Result struct {
	State    State
	RunState string
}

// DisplayStatus maps a result to the UI-facing status string.
func (r Result) DisplayStatus() string {
	if r.State == Ready {
		return "running"
	}
	switch r.RunState {
	case "running":
		return "starting"
	case "":
		return "unknown"
	default:
		return r.RunState
	}
}

// Detector evaluates environment readiness. Evaluation is total: runtime
// errors map to NotReady and are never propagated.
type Detector struct {
	runtime Runtime
	caps    map[string]ModeCapability
	tail    int
	logger  *slog.Logger
}

// NewDetector builds a detector. A nil capability map gets the defaults.
func NewDetector(runtime Runtime, caps map[string]ModeCapability, tailLines int, logger *slog.Logger) *Detector {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	if tailLines <= 0 {
		tailLines = 100
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Detector{runtime: runtime, caps: caps, tail: tailLines, logger: logger}
}

// Evaluate computes the readiness of one environment from current container
// state. It holds no memoized state between calls.
func (d *Detector) Evaluate(ctx context.Context, env registry.Environment) Result {
	if strings.TrimSpace(env.ContainerID) == "" {
		return Result{State: NotReady}
	}

	state, err := d.runtime.Inspect(ctx, env.ContainerID)
	if err != nil {
		d.logger.Debug("inspect failed during readiness check", "container_id", env.ContainerID, "error", err)
		return Result{State: NotReady}
	}
	res := Result{State: NotReady, RunState: state.Status}

	// A native healthcheck is authoritative: no probe, no log scan.
	if state.Health != "" {
		if state.Health == "healthy" {
			res.State = Ready
		}
		return res
	}

	if state.Status != "running" {
		return res
	}

	cap, ok := d.caps[env.Mode]
	if !ok {
		cap = ModeCapability{ProcessPattern: "code-server"}
	}

	out, err := d.runtime.Exec(ctx, env.ContainerID, []string{"pgrep", "-f", cap.ProcessPattern})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			d.logger.Debug("process probe failed", "container_id", env.ContainerID, "error", err)
		}
		return res
	}

	if !cap.DeviceAuth || cap.Classifier == nil {
		res.State = Ready
		return res
	}

	logs, err := d.runtime.Logs(ctx, env.ContainerID, d.tail)
	if err != nil {
		// A transient log-fetch failure must not regress a live environment:
		// the probe already saw the server process.
		d.logger.Debug("log fetch failed, trusting process probe", "container_id", env.ContainerID, "error", err)
		res.State = Ready
		return res
	}

	cls := cap.Classifier.Classify(logs)
	switch {
	case cls.Ready:
		res.State = Ready
	case cls.AuthRequired:
		res.State = AuthPending
	}
	return res
}
