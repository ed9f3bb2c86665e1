package dispatch

import (
	"fmt"
	"strings"

	"github.com/3leaps/slurmmap/pkg/taskunit"
)

// ScriptSpec is everything the submission script needs.
type ScriptSpec struct {
	CallID     string
	Index      int
	PreRun     []string
	WorkDir    string
	UnitPath   string
	Executable string
}

// RenderScript produces the bash script submitted for one task. Pre-run
// commands abort the job on failure; the executable then replaces the shell
// and writes the result or failure artifact itself.
func RenderScript(spec ScriptSpec) (string, error) {
	if strings.TrimSpace(spec.Executable) == "" {
		return "", fmt.Errorf("executable is required")
	}
	if strings.TrimSpace(spec.UnitPath) == "" {
		return "", fmt.Errorf("unit path is required")
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	fmt.Fprintf(&b, "# slurmmap task %s[%d]\n", spec.CallID, spec.Index)
	b.WriteString("set -e\n")
	for _, cmd := range spec.PreRun {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		b.WriteString(cmd)
		b.WriteByte('\n')
	}
	if spec.WorkDir != "" {
		fmt.Fprintf(&b, "cd %s\n", shellQuote(spec.WorkDir))
	}
	fmt.Fprintf(&b, "export %s=%s\n", taskunit.EnvTask, shellQuote(spec.UnitPath))
	fmt.Fprintf(&b, "exec %s\n", shellQuote(spec.Executable))
	return b.String(), nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("@%_+=:,./-", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
