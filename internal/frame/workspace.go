package frame

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
)

var artifactName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ErrInvalidArtifactName is returned for names that are not plain file names.
var ErrInvalidArtifactName = errors.New("invalid artifact name")

// Workspace is the only handle analysis code receives. It binds the named
// datasets, the artifact directory and the run's budget together.
type Workspace struct {
	datasets    map[string]*Frame
	arena       *Arena
	artifactDir string
	stdout      io.Writer

	mu        sync.Mutex
	artifacts []string
	finished  bool
	value     any
	err       error
}

// NewWorkspace binds datasets for one run. Frames handed out by Dataset
// charge the workspace arena; the originals are never modified.
func NewWorkspace(ctx context.Context, datasets map[string]*Frame, artifactDir string, limitBytes int64, stdout io.Writer) *Workspace {
	if stdout == nil {
		stdout = io.Discard
	}
	return &Workspace{
		datasets:    datasets,
		arena:       NewArena(ctx, limitBytes),
		artifactDir: artifactDir,
		stdout:      stdout,
	}
}

// Dataset returns the named dataset.
func (w *Workspace) Dataset(name string) (*Frame, error) {
	w.arena.check()
	base, ok := w.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q not found (available: %v)", name, w.Names())
	}
	view := *base
	view.arena = w.arena
	return &view, nil
}

// Names returns the available dataset names, sorted.
func (w *Workspace) Names() []string {
	names := make([]string, 0, len(w.datasets))
	for n := range w.datasets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Println writes to the captured output of the run.
func (w *Workspace) Println(args ...any) {
	fmt.Fprintln(w.stdout, args...)
}

// Printf writes to the captured output of the run.
func (w *Workspace) Printf(format string, args ...any) {
	fmt.Fprintf(w.stdout, format, args...)
}

func (w *Workspace) artifactPath(name string) (string, error) {
	if w.artifactDir == "" {
		return "", errors.New("artifacts are not enabled for this run")
	}
	if !artifactName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactName, name)
	}
	if err := os.MkdirAll(w.artifactDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	return filepath.Join(w.artifactDir, name), nil
}

func (w *Workspace) addArtifact(path string) {
	w.mu.Lock()
	w.artifacts = append(w.artifacts, path)
	w.mu.Unlock()
}

// SaveCSV writes f as a CSV artifact and returns its path.
func (w *Workspace) SaveCSV(name string, f *Frame) (string, error) {
	w.arena.check()
	path, err := w.artifactPath(withExt(name, ".csv"))
	if err != nil {
		return "", err
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	defer file.Close()

	cw := csv.NewWriter(file)
	if err := cw.Write(f.cols); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := cw.WriteAll(f.rows); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	w.addArtifact(path)
	return path, nil
}

// SaveBarChart renders labelCol against valueCol as an SVG bar chart artifact.
func (w *Workspace) SaveBarChart(name string, f *Frame, labelCol, valueCol string) (string, error) {
	labels, err := f.Col(labelCol)
	if err != nil {
		return "", err
	}
	raw, err := f.Col(valueCol)
	if err != nil {
		return "", err
	}
	values, err := parseValues(valueCol, raw)
	if err != nil {
		return "", err
	}
	path, err := w.artifactPath(withExt(name, ".svg"))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(renderBarChart(name, labels, values)), 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	w.addArtifact(path)
	return path, nil
}

func withExt(name, ext string) string {
	if filepath.Ext(name) == ext {
		return name
	}
	return name + ext
}

// Finish records the run's outcome. Only the first call counts.
func (w *Workspace) Finish(value any, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.finished = true
	w.value = value
	w.err = err
}

// Outcome is what a run reported through Finish.
type Outcome struct {
	Value    any
	Err      error
	Finished bool
}

// Outcome returns what Finish recorded.
func (w *Workspace) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Outcome{Value: w.value, Err: w.err, Finished: w.finished}
}

// Artifacts returns the paths written during the run.
func (w *Workspace) Artifacts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.artifacts...)
}

// Reserve charges n bytes allocated outside frame operations to the run's
// budget, aborting the run once the limit is crossed.
func (w *Workspace) Reserve(n int64) {
	w.arena.ChargeBytes(n)
}

// BudgetExceeded returns the budget fault recorded by the arena, if any.
func (w *Workspace) BudgetExceeded() error {
	return w.arena.Exceeded()
}
