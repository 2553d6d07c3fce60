package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/namajain/kily-agent/internal/frame"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	interpBackend  = "interpreter"
	maxStdoutBytes = 64 * 1024
)

// interpSymbols is the stdlib subset interpreted code can reach.
var interpSymbols = func() interp.Exports {
	out := interp.Exports{}
	for key, syms := range stdlib.Symbols {
		// keys are "<import path>/<package name>"
		if i := strings.LastIndex(key, "/"); i > 0 && allowedGoImports[key[:i]] {
			out[key] = syms
		}
	}
	return out
}()

// frameExports binds the frame API, with Open returning this run's workspace.
func frameExports(ws *frame.Workspace) interp.Exports {
	return interp.Exports{
		FramePackage + "/frame": {
			"Workspace":     reflect.ValueOf((*frame.Workspace)(nil)),
			"Frame":         reflect.ValueOf((*frame.Frame)(nil)),
			"Row":           reflect.ValueOf((*frame.Row)(nil)),
			"Agg":           reflect.ValueOf((*frame.Agg)(nil)),
			"AggSum":        reflect.ValueOf(frame.AggSum),
			"AggMean":       reflect.ValueOf(frame.AggMean),
			"AggCount":      reflect.ValueOf(frame.AggCount),
			"AggMin":        reflect.ValueOf(frame.AggMin),
			"AggMax":        reflect.ValueOf(frame.AggMax),
			"New":           reflect.ValueOf(frame.New),
			"FormatValue":   reflect.ValueOf(frame.FormatValue),
			"Open":          reflect.ValueOf(func() *frame.Workspace { return ws }),
			"ColumnSummary": reflect.ValueOf((*frame.ColumnSummary)(nil)),
			"Summary":       reflect.ValueOf((*frame.Summary)(nil)),
		},
	}
}

// chargedExports replaces stdlib functions whose output size the caller
// controls with versions that charge the run's budget first.
func chargedExports(ws *frame.Workspace) interp.Exports {
	return interp.Exports{
		"strings/strings": {
			"Repeat": reflect.ValueOf(func(s string, count int) string {
				if count > 0 && len(s) > 0 {
					n := int64(math.MaxInt64)
					if int64(count) <= n/int64(len(s)) {
						n = int64(count) * int64(len(s))
					}
					ws.Reserve(n)
				}
				return strings.Repeat(s, count)
			}),
		},
	}
}

// Interpreter runs generated Go code in-process with yaegi. Interpreted code
// sees only the whitelisted stdlib packages and the frame API bound to its
// own workspace.
type Interpreter struct {
	artifactRoot string
	logger       *slog.Logger
}

// NewInterpreter creates an interpreter backend writing artifacts under artifactRoot.
func NewInterpreter(artifactRoot string, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{artifactRoot: artifactRoot, logger: logger}
}

// Capabilities implements Runner.
func (r *Interpreter) Capabilities() Capabilities {
	return Capabilities{Language: "go", Guide: goGuide}
}

// Run implements Runner.
func (r *Interpreter) Run(ctx context.Context, code string, datasets []Dataset, budget Budget) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Interpreter fault", "panic", p)
			res = runtimeResult("internal sandbox fault")
		}
		res.Duration = time.Since(start)
		observe(interpBackend, res)
	}()

	prog, err := checkGo(code, budget.MemoryBytes)
	if err != nil {
		var pe *PolicyError
		var ae *allocationError
		switch {
		case errors.As(err, &pe):
			return policyResult(pe)
		case errors.As(err, &ae):
			r.logger.Debug("Rejected oversized allocation", "error", ae)
			return budgetResult()
		}
		return runtimeResult("%v", err)
	}

	frames, err := loadFrames(datasets)
	if err != nil {
		return runtimeResult("%v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if budget.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, budget.Timeout)
		defer cancelTimeout()
	}

	runDir := filepath.Join(r.artifactRoot, uuid.NewString())
	stdout := newLimitedBuffer(maxStdoutBytes)
	ws := frame.NewWorkspace(runCtx, frames, runDir, budget.MemoryBytes, stdout)
	defer removeIfEmpty(runDir)

	i := interp.New(interp.Options{
		Stdin:  strings.NewReader(""),
		Stdout: stdout,
		Stderr: stdout,
		Env:    []string{},
	})
	if err := i.Use(interpSymbols); err != nil {
		return runtimeResult("load symbols: %v", err)
	}
	if err := i.Use(chargedExports(ws)); err != nil {
		return runtimeResult("load charged symbols: %v", err)
	}
	if err := i.Use(frameExports(ws)); err != nil {
		return runtimeResult("load frame api: %v", err)
	}

	watch := watchHeap(budget.MemoryBytes, cancel)
	_, evalErr := i.EvalWithContext(runCtx, prog.source)
	heapExceeded := watch.Stop()
	out := ws.Outcome()

	switch {
	case heapExceeded, ws.BudgetExceeded() != nil, errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res = budgetResult()
	case ctx.Err() != nil:
		res = runtimeResult("run cancelled")
	case evalErr != nil:
		res = runtimeResult("%v", evalErr)
	case !out.Finished:
		res = runtimeResult("Analyze did not return")
	case out.Err != nil:
		res = runtimeResult("%v", out.Err)
	default:
		res = Result{Success: true, Summary: frame.FormatValue(out.Value)}
	}
	res.Stdout = stdout.String()
	res.Artifacts = relativeArtifacts(r.artifactRoot, ws.Artifacts())
	return res
}

func loadFrames(datasets []Dataset) (map[string]*frame.Frame, error) {
	frames := make(map[string]*frame.Frame, len(datasets))
	for _, d := range datasets {
		f := d.Frame
		if f == nil {
			var err error
			f, err = frame.ReadCSV(d.Path, d.Name)
			if err != nil {
				return nil, fmt.Errorf("load dataset %s: %w", d.Name, err)
			}
		}
		frames[d.Name] = f
	}
	return frames, nil
}

const goGuide = `Write a complete Go file in package main that imports "kily/frame" and declares:

    func Analyze(ws *frame.Workspace) (any, error)

Allowed imports: kily/frame, fmt, math, sort, strconv, strings. Nothing else is available:
no files, network, processes or goroutines.

Workspace:
    ws.Dataset(name) (*frame.Frame, error)   ws.Names() []string
    ws.Println(args...)  ws.Printf(format, args...)
    ws.SaveCSV(name, f) (string, error)      ws.SaveBarChart(name, f, labelCol, valueCol) (string, error)
Frame (immutable, every call returns a new frame):
    Columns() []string  Len() int  Rows() []frame.Row  Col(c) ([]string, error)  Floats(c) ([]float64, error)
    Head(n)  Select(cols...) (*Frame, error)  Filter(func(frame.Row) bool)  Where(col, value) (*Frame, error)
    SortBy(col, desc) (*Frame, error)  GroupBy(key, value, frame.AggSum|AggMean|AggCount|AggMin|AggMax) (*Frame, error)
    Sum/Mean/Min/Max(col) (float64, error)  Count(col) (int, error)  Unique(col) ([]string, error)
    ValueCounts(col) (*Frame, error)  Describe() *Frame  String() string
Row: Get(col) string  Float(col) float64  Int(col) int

Return the answer value (a number, string, or *frame.Frame) or an error.`
