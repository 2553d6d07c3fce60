package sandbox

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDocker struct {
	mu         sync.Mutex
	config     *container.Config
	hostConfig *container.HostConfig
	stdout     string
	stderr     string
	exitCode   int64
	hang       bool
	oomKilled  bool
	killed     bool
	removed    bool
	images     []image.Summary
	pulled     string
}

func (f *fakeDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return f.images, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = ref
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	f.hostConfig = hostConfig
	return container.CreateResponse{ID: "c1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.hang {
		go func() {
			<-ctx.Done()
			errCh <- ctx.Err()
		}()
		return statusCh, errCh
	}
	statusCh <- container.WaitResponse{StatusCode: f.exitCode}
	return statusCh, errCh
}

func (f *fakeDocker) ContainerKill(context.Context, string, string) error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if f.stdout != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(f.stdout))
	}
	if f.stderr != "" {
		_, _ = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(f.stderr))
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeDocker) ContainerInspect(context.Context, string) (container.InspectResponse, error) {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{OOMKilled: f.oomKilled},
		},
	}, nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.mu.Lock()
	f.removed = true
	f.mu.Unlock()
	return nil
}

const pyCode = "import pandas as pd\ndef analyze(datasets):\n    return datasets['sales']['units'].sum()\n"

func dockerDatasets(t *testing.T) []Dataset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte(salesCSV), 0o600))
	return []Dataset{{Name: "sales", Path: path}}
}

func TestDockerRunnerSuccess(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{stdout: "hello\n" + resultMarker + `{"ok": true, "value": "21"}` + "\n"}
	r := newDockerRunner(fake, DockerConfig{Image: "kily-sandbox:latest", ArtifactRoot: t.TempDir()}, nil)

	res := r.Run(context.Background(), pyCode, dockerDatasets(t), Budget{Timeout: time.Second, MemoryBytes: 256 << 20})
	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "21", res.Summary)
	assert.Equal(t, "hello", res.Stdout)
	assert.True(t, fake.removed)

	hc := fake.hostConfig
	assert.Equal(t, container.NetworkMode("none"), hc.NetworkMode)
	assert.True(t, hc.ReadonlyRootfs)
	assert.Equal(t, strslice.StrSlice{"ALL"}, hc.CapDrop)
	assert.Equal(t, int64(256<<20), hc.Resources.Memory)
	require.Len(t, hc.Mounts, 2)
	assert.Equal(t, "/data/sales.csv", hc.Mounts[0].Target)
	assert.True(t, hc.Mounts[0].ReadOnly)
	assert.Equal(t, "/out", hc.Mounts[1].Target)
	assert.False(t, hc.Mounts[1].ReadOnly)
	assert.True(t, fake.config.NetworkDisabled)
}

func TestDockerRunnerUserError(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{stdout: resultMarker + `{"ok": false, "error": "KeyError: 'x'"}` + "\n"}
	r := newDockerRunner(fake, DockerConfig{ArtifactRoot: t.TempDir()}, nil)

	res := r.Run(context.Background(), pyCode, dockerDatasets(t), Budget{Timeout: time.Second})
	assert.False(t, res.Success)
	assert.Equal(t, CategoryRuntime, res.Category)
	assert.Equal(t, "KeyError: 'x'", res.Error)
}

func TestDockerRunnerTimeoutKills(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{hang: true}
	r := newDockerRunner(fake, DockerConfig{ArtifactRoot: t.TempDir()}, nil)

	res := r.Run(context.Background(), pyCode, dockerDatasets(t), Budget{Timeout: 50 * time.Millisecond})
	assert.Equal(t, CategoryBudget, res.Category)
	assert.Equal(t, BudgetExceededMessage, res.Error)
	assert.True(t, fake.killed)
	assert.True(t, fake.removed)
}

func TestDockerRunnerOOM(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{exitCode: 137, oomKilled: true}
	r := newDockerRunner(fake, DockerConfig{ArtifactRoot: t.TempDir()}, nil)

	res := r.Run(context.Background(), pyCode, dockerDatasets(t), Budget{Timeout: time.Second})
	assert.Equal(t, CategoryBudget, res.Category)
}

func TestDockerRunnerPolicyNeverStartsContainer(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{}
	r := newDockerRunner(fake, DockerConfig{ArtifactRoot: t.TempDir()}, nil)

	res := r.Run(context.Background(), "import socket\ndef analyze(d):\n    return 1\n", dockerDatasets(t), Budget{Timeout: time.Second})
	assert.Equal(t, CategoryPolicy, res.Category)
	assert.Nil(t, fake.config)
}

func TestDockerEnsureImagePullsWhenMissing(t *testing.T) {
	t.Parallel()
	fake := &fakeDocker{}
	r := newDockerRunner(fake, DockerConfig{Image: "kily-sandbox:latest"}, nil)
	require.NoError(t, r.EnsureImage(context.Background()))
	assert.Equal(t, "kily-sandbox:latest", fake.pulled)

	fake = &fakeDocker{images: []image.Summary{{ID: "sha256:x"}}}
	r = newDockerRunner(fake, DockerConfig{Image: "kily-sandbox:latest"}, nil)
	require.NoError(t, r.EnsureImage(context.Background()))
	assert.Empty(t, fake.pulled)
}

func TestParseRunOutputWithoutMarker(t *testing.T) {
	t.Parallel()
	res := parseRunOutput("partial\n", "Traceback...\nNameError: name 'x' is not defined", 1)
	assert.Equal(t, CategoryRuntime, res.Category)
	assert.Contains(t, res.Error, "NameError")
	assert.Equal(t, "partial", res.Stdout)
}
