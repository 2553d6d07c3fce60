package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// allowedPyModules is the import whitelist for container-executed Python.
var allowedPyModules = map[string]bool{
	"collections": true,
	"datetime":    true,
	"math":        true,
	"matplotlib":  true,
	"numpy":       true,
	"pandas":      true,
	"re":          true,
	"statistics":  true,
}

var (
	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([A-Za-z0-9_.,\s]+?)(?:\s+as\s+\w+)?\s*$`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z0-9_.]+)\s+import\b`)
	pyBanned     = regexp.MustCompile(`\b(__import__|exec|eval|compile|open|globals|locals|getattr|setattr|delattr|breakpoint|input)\s*\(|__\w+__`)
	pyFuncDecl   = regexp.MustCompile(`(?m)^def\s+analyze\s*\(`)
)

// checkPython screens Python code before it reaches a container. The
// container is the enforcement boundary; this check rejects obvious breaches
// early with a clear reason.
func checkPython(code string) error {
	for _, m := range pyImport.FindAllStringSubmatch(code, -1) {
		for _, mod := range strings.Split(m[1], ",") {
			fields := strings.Fields(mod)
			if len(fields) == 0 {
				continue
			}
			if err := checkPyModule(fields[0]); err != nil {
				return err
			}
		}
	}
	for _, m := range pyFromImport.FindAllStringSubmatch(code, -1) {
		if err := checkPyModule(m[1]); err != nil {
			return err
		}
	}
	if m := pyBanned.FindString(code); m != "" {
		return &PolicyError{Reason: fmt.Sprintf("use of %q is not allowed", strings.TrimRight(m, "( "))}
	}
	if !pyFuncDecl.MatchString(code) {
		return &compileError{msg: "code must define def analyze(datasets)"}
	}
	return nil
}

func checkPyModule(mod string) error {
	root := strings.SplitN(mod, ".", 2)[0]
	if allowedPyModules[root] {
		return nil
	}
	allowed := make([]string, 0, len(allowedPyModules))
	for m := range allowedPyModules {
		allowed = append(allowed, m)
	}
	sort.Strings(allowed)
	return &PolicyError{Reason: fmt.Sprintf("import %q is not allowed (allowed: %s)", mod, strings.Join(allowed, ", "))}
}
