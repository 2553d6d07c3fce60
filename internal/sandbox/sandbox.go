// Package sandbox runs one generated analysis unit against a fixed set of
// named datasets and reports what it produced.
//
// A Runner never panics and never returns a Go error: every failure is folded
// into Result so the analysis loop can treat outcomes uniformly.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/namajain/kily-agent/internal/frame"
)

// Category classifies a failed run.
type Category string

// Failure categories.
const (
	CategoryNone    Category = ""
	CategoryPolicy  Category = "policy_violation"
	CategoryBudget  Category = "budget_exceeded"
	CategoryRuntime Category = "execution_error"
)

// BudgetExceededMessage is the Error of every run stopped by its budget.
const BudgetExceededMessage = "budget_exceeded"

// Dataset is one named input of a run. Backends that execute in-process use
// Frame; backends that execute out of process use Path.
type Dataset struct {
	Name  string
	Path  string
	Frame *frame.Frame
}

// Budget bounds a single run.
type Budget struct {
	Timeout     time.Duration
	MemoryBytes int64
}

// Result is the structured outcome of a run.
type Result struct {
	Success   bool          `json:"success"`
	Summary   string        `json:"summary,omitempty"`
	Stdout    string        `json:"stdout,omitempty"`
	Error     string        `json:"error,omitempty"`
	Category  Category      `json:"category,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Capabilities describes what generated code may use, for prompt building.
type Capabilities struct {
	Language string
	Guide    string
}

// Runner executes generated code.
type Runner interface {
	Run(ctx context.Context, code string, datasets []Dataset, budget Budget) Result
	Capabilities() Capabilities
}

// PolicyError reports code that reaches outside the allowed capability set.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy violation: " + e.Reason }

func policyResult(err error) Result {
	return Result{Category: CategoryPolicy, Error: err.Error()}
}

func budgetResult() Result {
	return Result{Category: CategoryBudget, Error: BudgetExceededMessage}
}

func runtimeResult(format string, args ...any) Result {
	return Result{Category: CategoryRuntime, Error: sanitize(fmt.Sprintf(format, args...))}
}

const maxErrorLen = 600

// sanitize keeps the first lines of an error message and drops anything that
// looks like a goroutine dump.
func sanitize(msg string) string {
	if i := strings.Index(msg, "\ngoroutine "); i >= 0 {
		msg = msg[:i]
	}
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		n := maxErrorLen
		for n > 0 && !utf8.RuneStart(msg[n]) {
			n--
		}
		msg = msg[:n] + "..."
	}
	return msg
}

// relativeArtifacts turns artifact paths into paths relative to root.
func relativeArtifacts(root string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

// limitedBuffer is a goroutine-safe output sink that keeps at most max bytes.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newLimitedBuffer(maxBytes int) *limitedBuffer {
	return &limitedBuffer{max: maxBytes}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := string(b.buf)
	if b.truncated {
		s += "\n... (output truncated)"
	}
	return s
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
