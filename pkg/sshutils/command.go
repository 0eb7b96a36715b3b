package sshutils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/nexushq/nexus/pkg/errdefs"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CommandSpec describes a remote command before shell assembly. Every
// user-supplied component is quoted during assembly so that paths and
// values with spaces or metacharacters cannot alter the command line.
type CommandSpec struct {
	Command    string
	Env        []string // KEY=VALUE pairs
	WorkDir    string
	Sudo       bool
	LoginShell bool
}

// BuildCommand assembles the final command line sent to the remote shell.
// The working directory is applied first, then the login shell wrapper,
// then environment assignments, and sudo is prepended last so it covers
// the entire invocation.
func BuildCommand(spec CommandSpec) (string, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return "", errdefs.E(errdefs.KindValidationError, "command must not be empty")
	}

	cmd := spec.Command
	if spec.WorkDir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellquote.Join(spec.WorkDir), cmd)
	}
	if spec.LoginShell {
		cmd = "bash -lc " + shellquote.Join(cmd)
	}
	if len(spec.Env) > 0 {
		assignments := make([]string, 0, len(spec.Env))
		for _, entry := range spec.Env {
			key, value, ok := strings.Cut(entry, "=")
			if !ok || !envKeyPattern.MatchString(key) {
				return "", errdefs.E(errdefs.KindValidationError, "invalid environment entry %q", entry)
			}
			assignments = append(assignments, key+"="+shellquote.Join(value))
		}
		cmd = "env " + strings.Join(assignments, " ") + " " + cmd
	}
	if spec.Sudo {
		cmd = "sudo " + cmd
	}
	return cmd, nil
}
