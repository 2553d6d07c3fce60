package sandbox

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCheckGoAliasAndWrapper(t *testing.T) {
	t.Parallel()

	prog, err := checkGo(`package main
import fr "kily/frame"
func Analyze(ws *fr.Workspace) (any, error) { return 1, nil }`, 0)
	if err != nil {
		t.Fatalf("checkGo failed: %v", err)
	}
	if prog.frameAlias != "fr" {
		t.Fatalf("expected alias fr, got %q", prog.frameAlias)
	}
	if !strings.Contains(prog.source, "ws := fr.Open()") {
		t.Fatalf("wrapper does not use alias:\n%s", prog.source)
	}
}

func TestCheckGoRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		code   string
		policy bool
	}{
		{"missing frame import", `package main
func Analyze() (any, error) { return 1, nil }`, false},
		{"dot import", `package main
import . "kily/frame"
func Analyze(ws *Workspace) (any, error) { return 1, nil }`, true},
		{"declares main", `package main
import "kily/frame"
func Analyze(ws *frame.Workspace) (any, error) { return 1, nil }
func main() {}`, false},
		{"no Analyze", `package main
import "kily/frame"
var _ = frame.AggSum`, false},
		{"unsafe", `package main
import (
	"unsafe"
	"kily/frame"
)
func Analyze(ws *frame.Workspace) (any, error) { return unsafe.Sizeof(1), nil }`, true},
	}
	for _, tt := range tests {
		_, err := checkGo(tt.code, 0)
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		var pe *PolicyError
		if got := errors.As(err, &pe); got != tt.policy {
			t.Errorf("%s: policy error = %v, want %v (%v)", tt.name, got, tt.policy, err)
		}
	}
}

func TestCheckGoConstantAllocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		code     string
		rejected bool
	}{
		{"small make", `make([]byte, 1024)`, false},
		{"dynamic make", `make([]byte, len(ws.Names()))`, false},
		{"shifted make", `make([]byte, 256<<20)`, true},
		{"capacity counts", `make([]float64, 0, (1<<17)+1)`, true},
		{"element width counts", `make([]string, 1<<16+1)`, true},
		{"map hint", `make(map[string]int, 1<<30)`, true},
		{"repeat", `s.Repeat("ab", 1<<19+1)`, true},
		{"repeat at limit", `s.Repeat("ab", 1<<19)`, false},
	}
	for _, tt := range tests {
		code := `package main
import (
	s "strings"
	"kily/frame"
)
var _ = s.ToUpper
func Analyze(ws *frame.Workspace) (any, error) { x := ` + tt.code + `; return len(x), nil }`
		_, err := checkGo(code, 1<<20)
		var ae *allocationError
		if got := errors.As(err, &ae); got != tt.rejected {
			t.Errorf("%s: rejected = %v, want %v (%v)", tt.name, got, tt.rejected, err)
		}
	}

	if _, err := checkGo(`package main
import "kily/frame"
func Analyze(ws *frame.Workspace) (any, error) { return len(make([]byte, 1<<40)), nil }`, 0); err != nil {
		t.Fatalf("unlimited budget must not reject allocations: %v", err)
	}
}

func TestCheckPython(t *testing.T) {
	t.Parallel()

	ok := `import pandas as pd, numpy as np
from collections import Counter
def analyze(datasets):
    return datasets["sales"]["units"].sum()
`
	if err := checkPython(ok); err != nil {
		t.Fatalf("expected allowed code, got %v", err)
	}

	for _, code := range []string{
		"import os\ndef analyze(datasets):\n    return os.getcwd()\n",
		"from subprocess import run\ndef analyze(datasets):\n    return 1\n",
		"def analyze(datasets):\n    return open('/etc/passwd').read()\n",
		"def analyze(datasets):\n    return __import__('os')\n",
	} {
		var pe *PolicyError
		if err := checkPython(code); !errors.As(err, &pe) {
			t.Errorf("expected policy error for %q, got %v", code, err)
		}
	}

	var ce *compileError
	if err := checkPython("x = 1\n"); !errors.As(err, &ce) {
		t.Errorf("expected compile error for missing analyze, got %v", err)
	}
}

func TestSanitizeDropsStack(t *testing.T) {
	t.Parallel()

	got := sanitize("index out of range\ngoroutine 7 [running]:\nmain.main()")
	if got != "index out of range" {
		t.Fatalf("unexpected sanitized message %q", got)
	}
}

func TestSanitizeKeepsRunesWhole(t *testing.T) {
	t.Parallel()

	// one ASCII byte shifts every 3-byte rune across the cut
	got := sanitize("x" + strings.Repeat("€", maxErrorLen))
	if !utf8.ValidString(got) {
		t.Fatalf("sanitized message is not valid UTF-8: %q", got[len(got)-8:])
	}
	if !strings.HasSuffix(got, "...") || len(got) > maxErrorLen+len("...") {
		t.Fatalf("unexpected truncation, %d bytes", len(got))
	}
}
