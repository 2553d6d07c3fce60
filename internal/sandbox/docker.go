package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	dockerBackend = "docker"

	// Container configuration.
	containerUser  = "65534"
	dataMountDir   = "/data"
	outputMountDir = "/out"
	resultMarker   = "@@KILY_RESULT@@"

	// Resource limits.
	defaultMemoryBytes = 512 * 1024 * 1024 // 512MB
	defaultNanoCPUs    = 1_000_000_000     // 1 CPU
	defaultPidsLimit   = 64
	removeTimeout      = 10 * time.Second
)

// dockerAPI is the subset of the Docker client the runner needs.
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Image        string
	Runtime      string // "" = default (runc), "runsc" = gVisor
	ArtifactRoot string
	NanoCPUs     int64
	PidsLimit    int64
}

// DockerRunner executes generated Python in a throwaway container with no
// network, a read-only root filesystem and read-only dataset mounts.
type DockerRunner struct {
	api    dockerAPI
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerRunner creates a Docker-backed runner from the environment's Docker settings.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Docker client initialized", "runtime", runtime, "image", cfg.Image)
	return newDockerRunner(cli, cfg, logger), nil
}

func newDockerRunner(api dockerAPI, cfg DockerConfig, logger *slog.Logger) *DockerRunner {
	if cfg.NanoCPUs <= 0 {
		cfg.NanoCPUs = defaultNanoCPUs
	}
	if cfg.PidsLimit <= 0 {
		cfg.PidsLimit = defaultPidsLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerRunner{api: api, cfg: cfg, logger: logger}
}

// EnsureImage pulls the sandbox image if it is not present locally.
func (r *DockerRunner) EnsureImage(ctx context.Context) error {
	images, err := r.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", r.cfg.Image)),
	})
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) > 0 {
		r.logger.Info("Sandbox image present", "image", r.cfg.Image)
		return nil
	}

	r.logger.Info("Pulling sandbox image", "image", r.cfg.Image)
	rc, err := r.api.ImagePull(ctx, r.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", r.cfg.Image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", r.cfg.Image, err)
	}
	return nil
}

// Capabilities implements Runner.
func (r *DockerRunner) Capabilities() Capabilities {
	return Capabilities{Language: "python", Guide: pythonGuide}
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, code string, datasets []Dataset, budget Budget) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Docker runner fault", "panic", p)
			res = runtimeResult("internal sandbox fault")
		}
		res.Duration = time.Since(start)
		observe(dockerBackend, res)
	}()

	if err := checkPython(code); err != nil {
		var pe *PolicyError
		if errors.As(err, &pe) {
			return policyResult(pe)
		}
		return runtimeResult("%v", err)
	}

	runID := uuid.NewString()
	runDir := filepath.Join(r.cfg.ArtifactRoot, runID)
	if err := os.MkdirAll(runDir, 0o777); err != nil {
		return runtimeResult("prepare artifact directory: %v", err)
	}
	// The container user is unprivileged and needs to write here.
	_ = os.Chmod(runDir, 0o777)
	defer removeIfEmpty(runDir)

	config, hostConfig, err := r.containerSpec(code, datasets, runDir, budget)
	if err != nil {
		return runtimeResult("%v", err)
	}

	resp, err := r.api.ContainerCreate(ctx, config, hostConfig, nil, nil, "kily-run-"+runID)
	if err != nil {
		r.logger.Error("Failed to create sandbox container", "error", err)
		return runtimeResult("sandbox unavailable")
	}
	defer r.remove(context.WithoutCancel(ctx), resp.ID)

	runCtx := ctx
	if budget.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, budget.Timeout)
		defer cancel()
	}

	if err := r.api.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		r.logger.Error("Failed to start sandbox container", "container_id", resp.ID, "error", err)
		return runtimeResult("sandbox unavailable")
	}

	statusCh, errCh := r.api.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if killErr := r.api.ContainerKill(context.WithoutCancel(ctx), resp.ID, "SIGKILL"); killErr != nil && !errdefs.IsNotFound(killErr) {
			r.logger.Debug("Failed to kill sandbox container", "container_id", resp.ID, "error", killErr)
		}
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return budgetResult()
		case ctx.Err() != nil:
			return runtimeResult("run cancelled")
		default:
			return runtimeResult("wait for sandbox: %v", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	stdout, stderr := r.logs(context.WithoutCancel(ctx), resp.ID)

	if inspect, err := r.api.ContainerInspect(context.WithoutCancel(ctx), resp.ID); err == nil &&
		inspect.ContainerJSONBase != nil && inspect.State != nil && inspect.State.OOMKilled {
		return budgetResult()
	}

	res = parseRunOutput(stdout, stderr, exitCode)
	res.Artifacts = relativeArtifacts(r.cfg.ArtifactRoot, listFiles(runDir))
	return res
}

var unsafeMountChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func (r *DockerRunner) containerSpec(code string, datasets []Dataset, runDir string, budget Budget) (*container.Config, *container.HostConfig, error) {
	manifest := make(map[string]string, len(datasets))
	mounts := make([]mount.Mount, 0, len(datasets)+1)
	for _, d := range datasets {
		src, err := filepath.Abs(d.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve dataset %s: %w", d.Name, err)
		}
		target := dataMountDir + "/" + unsafeMountChars.ReplaceAllString(d.Name, "_") + ".csv"
		manifest[d.Name] = target
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   src,
			Target:   target,
			ReadOnly: true,
		})
	}
	outDir, err := filepath.Abs(runDir)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve artifact directory: %w", err)
	}
	mounts = append(mounts, mount.Mount{
		Type:   mount.TypeBind,
		Source: outDir,
		Target: outputMountDir,
	})

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("encode dataset manifest: %w", err)
	}

	memory := budget.MemoryBytes
	if memory <= 0 {
		memory = defaultMemoryBytes
	}

	config := &container.Config{
		Image:           r.cfg.Image,
		User:            containerUser,
		WorkingDir:      outputMountDir,
		Cmd:             []string{"python3", "-I", "-c", pythonPrelude + "\n" + code + "\n" + pythonEpilogue},
		Env:             []string{"KILY_DATASETS=" + string(manifestJSON), "MPLBACKEND=Agg", "HOME=/tmp"},
		NetworkDisabled: true,
	}
	hostConfig := &container.HostConfig{
		Runtime:        r.cfg.Runtime,
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Mounts:         mounts,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   r.cfg.NanoCPUs,
			PidsLimit:  ptr(r.cfg.PidsLimit),
		},
	}
	return config, hostConfig, nil
}

func (r *DockerRunner) logs(ctx context.Context, containerID string) (string, string) {
	rc, err := r.api.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Warn("Failed to read sandbox logs", "container_id", containerID, "error", err)
		return "", ""
	}
	defer rc.Close()

	stdout := newLimitedBuffer(maxStdoutBytes)
	stderr := newLimitedBuffer(maxStdoutBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		r.logger.Debug("Sandbox log stream ended with error", "container_id", containerID, "error", err)
	}
	return stdout.String(), stderr.String()
}

// remove is idempotent; a container that is already gone is not an error.
func (r *DockerRunner) remove(ctx context.Context, containerID string) {
	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()
	if err := r.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		r.logger.Warn("Failed to remove sandbox container", "container_id", containerID, "error", err)
	}
}

type runPayload struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
	Error string `json:"error"`
}

// parseRunOutput splits the result marker line from the user's own output.
func parseRunOutput(stdout, stderr string, exitCode int64) Result {
	var kept []string
	var payload *runPayload
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxStdoutBytes+1024)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, resultMarker); ok {
			var p runPayload
			if err := json.Unmarshal([]byte(rest), &p); err == nil {
				payload = &p
				continue
			}
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")

	switch {
	case payload == nil && exitCode == 137:
		return budgetResult()
	case payload == nil:
		res := runtimeResult("process exited with code %d: %s", exitCode, lastLines(stderr, 3))
		res.Stdout = out
		return res
	case !payload.OK:
		res := runtimeResult("%s", payload.Error)
		res.Stdout = out
		return res
	default:
		return Result{Success: true, Summary: payload.Value, Stdout: out}
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}

const pythonPrelude = `import json as _kily_json, os as _kily_os
import pandas as pd
datasets = {name: pd.read_csv(path) for name, path in _kily_json.loads(_kily_os.environ.get("KILY_DATASETS", "{}")).items()}
ARTIFACT_DIR = "/out"
def save_csv(name, df):
    path = ARTIFACT_DIR + "/" + name + ".csv"
    df.to_csv(path, index=False)
    return path
def save_chart(name, fig):
    path = ARTIFACT_DIR + "/" + name + ".png"
    fig.savefig(path)
    return path
del _kily_os
`

const pythonEpilogue = `def _kily_fmt(v):
    if isinstance(v, (pd.DataFrame, pd.Series)):
        return v.to_string(max_rows=20)
    return str(v)
try:
    _kily_v = analyze(datasets)
    print("` + resultMarker + `" + _kily_json.dumps({"ok": True, "value": _kily_fmt(_kily_v)}))
except Exception as _kily_e:
    print("` + resultMarker + `" + _kily_json.dumps({"ok": False, "error": type(_kily_e).__name__ + ": " + str(_kily_e)}))
`

const pythonGuide = `Write Python that defines:

    def analyze(datasets):

datasets is a dict of pandas DataFrames keyed by dataset name. Allowed imports: pandas, numpy,
math, statistics, datetime, collections, re, matplotlib. No file, network or process access.
Use save_csv(name, df) and save_chart(name, fig) to produce artifacts.
Return the answer value (a number, string, DataFrame or Series); raise on failure.`
