package analysis

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/namajain/kily-agent/internal/domain"
	"github.com/namajain/kily-agent/internal/sandbox"
)

const (
	maxCodeInHistory    = 3000
	maxStdoutInHistory  = 800
	maxMessageInHistory = 500

	attemptsHeader = "\nPrevious attempts:\n"
	attemptsFooter = "Every attempt above failed. Do not repeat the same mistakes.\n"
	omissionNote   = 40
)

// composePrompt builds the generation prompt for the next attempt.
func composePrompt(caps sandbox.Capabilities, req Request, attempts []Attempt, cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You answer questions about tabular datasets by writing %s code that runs in a restricted sandbox.\n\n", caps.Language)
	b.WriteString(caps.Guide)
	b.WriteString("\n\nDatasets:\n")
	for _, s := range req.Summaries {
		b.WriteString(s.Render())
		b.WriteString("\n")
	}

	if conv := renderConversation(req.History, cfg.HistoryMessages); conv != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(conv)
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", req.Query)

	tail := fmt.Sprintf("\nReply with a single fenced ```%s code block and nothing else.\n", caps.Language)
	if len(attempts) > 0 {
		budget := cfg.PromptCeiling - b.Len() - len(tail) - len(attemptsHeader) - len(attemptsFooter) - omissionNote
		b.WriteString(renderAttempts(attempts, cfg.KeepRecent, budget))
		b.WriteString(attemptsFooter)
	}
	b.WriteString(tail)
	return b.String()
}

func renderConversation(history []domain.Message, n int) string {
	if n <= 0 || len(history) == 0 {
		return ""
	}
	if len(history) > n {
		history = history[len(history)-n:]
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, clipText(strings.TrimSpace(m.Content), maxMessageInHistory))
	}
	return b.String()
}

func renderAttempt(a Attempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Attempt %d ---\n", a.Number)
	if a.Code != "" {
		fmt.Fprintf(&b, "Code:\n%s\n", clipText(a.Code, maxCodeInHistory))
	}
	fmt.Fprintf(&b, "Error (%s): %s\n", a.Category, a.Error)
	if out := strings.TrimSpace(a.Stdout); out != "" {
		fmt.Fprintf(&b, "Output:\n%s\n", clipText(out, maxStdoutInHistory))
	}
	return b.String()
}

// renderAttempts renders the attempts that selectHistory keeps within budget.
func renderAttempts(attempts []Attempt, keepRecent, budget int) string {
	rendered := make([]string, len(attempts))
	for i, a := range attempts {
		rendered[i] = renderAttempt(a)
	}
	keep := selectHistory(rendered, keepRecent, budget)

	var b strings.Builder
	b.WriteString(attemptsHeader)
	omitted := 0
	for i, ok := range keep {
		if !ok {
			omitted++
			continue
		}
		if omitted > 0 {
			fmt.Fprintf(&b, "(%d earlier attempts omitted)\n", omitted)
			omitted = 0
		}
		b.WriteString(rendered[i])
	}
	return b.String()
}

// selectHistory decides which rendered attempts fit in budget bytes. The first
// attempt and the last keepRecent attempts are always kept; the rest are
// dropped oldest first until the total fits.
func selectHistory(rendered []string, keepRecent, budget int) []bool {
	keep := make([]bool, len(rendered))
	total := 0
	for i, r := range rendered {
		keep[i] = true
		total += len(r)
	}
	protectedFrom := len(rendered) - keepRecent
	for i := 1; i < protectedFrom && total > budget; i++ {
		keep[i] = false
		total -= len(rendered[i])
	}
	return keep
}

func summaryPrompt(query, raw string) string {
	return fmt.Sprintf(`A user asked: %s

The analysis produced this result:
%s

Explain the result to the user in a few clear sentences. Use only the numbers shown above.
Do not mention code, datasets internals or errors.`, query, raw)
}

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)```")

// extractCode returns the code unit in an LLM response: the first fenced block
// tagged with language, else the first fenced block, else the whole text.
func extractCode(text, language string) string {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		if languageMatches(m[1], language) {
			return strings.TrimSpace(m[2])
		}
	}
	if len(matches) > 0 {
		return strings.TrimSpace(matches[0][2])
	}
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(text), "`"))
}

func languageMatches(tag, language string) bool {
	tag = strings.ToLower(tag)
	switch language {
	case "go":
		return tag == "go" || tag == "golang"
	case "python":
		return tag == "python" || tag == "py" || tag == "python3"
	default:
		return tag == language
	}
}
