// Package analysis turns one natural-language question into an answer by
// generating analysis code, running it in a sandbox and retrying with the
// accumulated failure history.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/frame"
	"github.com/namajain/kily-agent/internal/llm"
	"github.com/namajain/kily-agent/internal/sandbox"
)

// CategoryGeneration marks an attempt whose LLM call failed or returned no code.
const CategoryGeneration sandbox.Category = "generation_failed"

// ErrEmptyQuery is returned for blank questions.
var ErrEmptyQuery = errors.New("query is empty")

// Config holds loop policy.
type Config struct {
	MaxAttempts     int
	KeepRecent      int
	PromptCeiling   int
	HistoryMessages int
	Summarize       bool
	Budget          sandbox.Budget
}

// DefaultConfig returns the production policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		KeepRecent:      2,
		PromptCeiling:   24000,
		HistoryMessages: 6,
		Summarize:       true,
		Budget:          sandbox.Budget{Timeout: 10 * time.Second, MemoryBytes: 512 << 20},
	}
}

// Request is one question against a set of datasets.
type Request struct {
	SessionID string
	Query     string
	Datasets  []sandbox.Dataset
	Summaries []frame.Summary
	History   []domain.Message
}

// Attempt is one generate/execute round.
type Attempt struct {
	Number   int
	Prompt   string
	Code     string
	Category sandbox.Category
	Error    string
	Stdout   string
	Summary  string
}

// Failed reports whether the attempt did not produce a value.
func (a Attempt) Failed() bool {
	return a.Category != sandbox.CategoryNone
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Success   bool
	Answer    string
	Raw       string
	Artifacts []string
	Attempts  []Attempt
}

// LastCategory returns the category of the final attempt, if any.
func (o *Outcome) LastCategory() sandbox.Category {
	if len(o.Attempts) == 0 {
		return sandbox.CategoryNone
	}
	return o.Attempts[len(o.Attempts)-1].Category
}

type state int

const (
	stateCompose state = iota
	stateGenerate
	stateExecute
	stateSummarize
	stateFail
	stateDone
)

func (s state) String() string {
	switch s {
	case stateCompose:
		return "compose"
	case stateGenerate:
		return "generate"
	case stateExecute:
		return "execute"
	case stateSummarize:
		return "summarize"
	case stateFail:
		return "fail"
	default:
		return "done"
	}
}

// Loop runs the generate/execute/retry state machine.
type Loop struct {
	llm    llm.Completer
	runner sandbox.Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a Loop. Zero-valued config fields take their defaults.
func New(completer llm.Completer, runner sandbox.Runner, cfg Config, logger *slog.Logger) *Loop {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = def.KeepRecent
	}
	if cfg.PromptCeiling <= 0 {
		cfg.PromptCeiling = def.PromptCeiling
	}
	if cfg.HistoryMessages < 0 {
		cfg.HistoryMessages = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{llm: completer, runner: runner, cfg: cfg, logger: logger}
}

// run is the mutable state threaded through one Run.
type run struct {
	req      Request
	attempts []Attempt
	current  Attempt
	result   sandbox.Result
}

// Run answers req. The only errors returned are an empty query and context
// cancellation; every other failure is folded into a failed Outcome.
func (l *Loop) Run(ctx context.Context, req Request) (*Outcome, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	r := &run{req: req}
	caps := l.runner.Capabilities()
	var out *Outcome

	for st := stateCompose; st != stateDone; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.logger.Debug("Analysis state", "session_id", req.SessionID, "state", st.String(), "attempt", len(r.attempts)+1)

		switch st {
		case stateCompose:
			r.current = Attempt{Number: len(r.attempts) + 1}
			r.current.Prompt = composePrompt(caps, req, r.attempts, l.cfg)
			st = stateGenerate

		case stateGenerate:
			code, err := l.generate(ctx, r.current.Prompt, caps.Language)
			if err != nil {
				r.current.Category = CategoryGeneration
				r.current.Error = err.Error()
				st = l.afterFailure(r)
				continue
			}
			r.current.Code = code
			st = stateExecute

		case stateExecute:
			res := l.runner.Run(ctx, r.current.Code, req.Datasets, l.cfg.Budget)
			r.current.Stdout = res.Stdout
			if res.Success {
				r.current.Summary = res.Summary
				r.result = res
				r.attempts = append(r.attempts, r.current)
				st = stateSummarize
				continue
			}
			r.current.Category = res.Category
			if r.current.Category == sandbox.CategoryNone {
				r.current.Category = sandbox.CategoryRuntime
			}
			r.current.Error = res.Error
			l.logger.Info("Analysis attempt failed",
				"session_id", req.SessionID,
				"attempt", r.current.Number,
				"category", string(r.current.Category),
				"error", res.Error)
			st = l.afterFailure(r)

		case stateSummarize:
			out = &Outcome{
				Success:   true,
				Raw:       rawAnswer(r.result),
				Artifacts: r.result.Artifacts,
				Attempts:  r.attempts,
			}
			out.Answer = l.summarize(ctx, req, out.Raw)
			st = stateDone

		case stateFail:
			out = &Outcome{Attempts: r.attempts}
			out.Answer = failureMessage(len(r.attempts), r.attempts[len(r.attempts)-1])
			st = stateDone
		}
	}

	outcome := "success"
	if !out.Success {
		outcome = "failure"
	}
	runsTotal.WithLabelValues(outcome).Inc()
	attemptsPerRun.Observe(float64(len(out.Attempts)))
	runSeconds.Observe(time.Since(start).Seconds())
	l.logger.Info("Analysis finished",
		"session_id", req.SessionID,
		"outcome", outcome,
		"attempts", len(out.Attempts),
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// afterFailure records the current attempt and picks the next state.
func (l *Loop) afterFailure(r *run) state {
	attemptFailures.WithLabelValues(string(r.current.Category)).Inc()
	r.attempts = append(r.attempts, r.current)
	if len(r.attempts) >= l.cfg.MaxAttempts {
		return stateFail
	}
	return stateCompose
}

func (l *Loop) generate(ctx context.Context, prompt, language string) (string, error) {
	text, err := l.llm.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	code := extractCode(text, language)
	if code == "" {
		return "", errors.New("generation failed: no code in response")
	}
	return code, nil
}

const foundPrefix = "Here's what I found:\n\n"

// summarize asks for a plain-language explanation. Its output is advisory:
// on any failure the raw result is returned.
func (l *Loop) summarize(ctx context.Context, req Request, raw string) string {
	if !l.cfg.Summarize {
		return foundPrefix + raw
	}
	text, err := l.llm.Complete(ctx, summaryPrompt(req.Query, raw))
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			l.logger.Warn("Summary generation failed, returning raw result", "session_id", req.SessionID, "error", err)
		}
		return foundPrefix + raw
	}
	return text
}

func rawAnswer(res sandbox.Result) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(res.Summary))
	if out := strings.TrimSpace(res.Stdout); out != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(clipText(out, maxStdoutInAnswer))
	}
	return b.String()
}

const maxStdoutInAnswer = 4000

var pathPattern = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.@-]+){2,}/?`)

// failureMessage is the user-visible text for an exhausted run.
func failureMessage(attempts int, last Attempt) string {
	msg := strings.TrimSpace(last.Error)
	if i := strings.Index(msg, "\n"); i >= 0 {
		msg = msg[:i]
	}
	if i := strings.Index(msg, "Traceback"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	msg = pathPattern.ReplaceAllString(msg, "<path>")
	msg = clipText(msg, 300)
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("I couldn't complete this analysis after %d attempts. Last error (%s): %s",
		attempts, last.Category, msg)
}

// clipText cuts s to at most n bytes without splitting a rune.
func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
