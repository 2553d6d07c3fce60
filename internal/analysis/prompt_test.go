package analysis

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/namajain/kily-agent/internal/sandbox"
)

func TestSelectHistoryKeepsEverythingUnderBudget(t *testing.T) {
	t.Parallel()
	rendered := []string{"aaaa", "bbbb", "cccc"}
	assert.Equal(t, []bool{true, true, true}, selectHistory(rendered, 1, 100))
}

func TestSelectHistoryDropsOldestMiddleFirst(t *testing.T) {
	t.Parallel()
	rendered := []string{
		strings.Repeat("1", 10),
		strings.Repeat("2", 10),
		strings.Repeat("3", 10),
		strings.Repeat("4", 10),
		strings.Repeat("5", 10),
	}
	// 50 bytes total; dropping attempt 2 is enough for a 40 byte budget.
	assert.Equal(t, []bool{true, false, true, true, true}, selectHistory(rendered, 2, 40))
	// Attempt 1 and the last two survive even when the budget is tiny.
	assert.Equal(t, []bool{true, false, false, true, true}, selectHistory(rendered, 2, 1))
}

func TestRenderAttemptsMarksOmissions(t *testing.T) {
	t.Parallel()
	attempts := []Attempt{
		{Number: 1, Code: "one", Category: "execution_error", Error: "first failure"},
		{Number: 2, Code: strings.Repeat("x", 500), Category: "execution_error", Error: "second"},
		{Number: 3, Code: strings.Repeat("y", 500), Category: "execution_error", Error: "third"},
		{Number: 4, Code: "four", Category: "budget_exceeded", Error: "budget_exceeded"},
	}
	out := renderAttempts(attempts, 1, 300)
	assert.Contains(t, out, "--- Attempt 1 ---")
	assert.Contains(t, out, "first failure")
	assert.Contains(t, out, "(2 earlier attempts omitted)")
	assert.Contains(t, out, "--- Attempt 4 ---")
	assert.NotContains(t, out, "--- Attempt 2 ---")
	assert.NotContains(t, out, "--- Attempt 3 ---")
}

func TestComposePromptRespectsCeiling(t *testing.T) {
	t.Parallel()
	var attempts []Attempt
	for i := 1; i <= 5; i++ {
		attempts = append(attempts, Attempt{Number: i, Code: strings.Repeat("z", 2000), Category: "execution_error", Error: "boom"})
	}
	cfg := Config{KeepRecent: 2, PromptCeiling: 7000}
	prompt := composePrompt(testCaps(), Request{Query: "q"}, attempts, cfg)
	assert.Contains(t, prompt, "--- Attempt 1 ---")
	assert.Contains(t, prompt, "--- Attempt 5 ---")
	assert.Contains(t, prompt, "--- Attempt 4 ---")
	assert.NotContains(t, prompt, "--- Attempt 2 ---")
	assert.Contains(t, prompt, "```go code block")
}

func TestClipTextKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("日本", 50)

	for n := 0; n < 12; n++ {
		got := clipText(s, n)
		assert.True(t, utf8.ValidString(got), "clip at %d: %q", n, got)
		assert.LessOrEqual(t, len(got), n+len("..."))
	}
	assert.Equal(t, "日本...", clipText(s, 7))
	assert.Equal(t, "ab", clipText("ab", 2))
}

func TestExtractCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, text, lang, want string
	}{
		{"tagged", "intro\n```go\nfunc A() {}\n```\n", "go", "func A() {}"},
		{"prefers language", "```text\nnope\n```\n```python\ndef analyze(d):\n    return 1\n```", "python", "def analyze(d):\n    return 1"},
		{"bare fence", "```\nx := 1\n```", "go", "x := 1"},
		{"no fence", "  func A() {}  ", "go", "func A() {}"},
		{"golang tag", "```golang\npackage main\n```", "go", "package main"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, extractCode(tc.text, tc.lang))
		})
	}
}

func testCaps() sandbox.Capabilities {
	return sandbox.Capabilities{Language: "go", Guide: "guide"}
}
