package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/nexushq/nexus/pkg/errdefs"
	"github.com/nexushq/nexus/pkg/types"
)

// Tools resolved on the source host before a transfer runs.
const (
	toolRsync   = "rsync"
	toolSCP     = "scp"
	toolSshpass = "sshpass"
)

const keyPathPrefix = "/tmp/nexus_target_key_"

// sourceTools records which transfer binaries exist on the source host.
type sourceTools struct {
	rsync   bool
	scp     bool
	sshpass bool
}

// probeCommand builds a presence check for a tool. Exit code zero means
// the tool is on PATH.
func probeCommand(tool string) string {
	return fmt.Sprintf("command -v %s >/dev/null 2>&1", tool)
}

// mkdirCommand ensures the destination directory exists on the target.
func mkdirCommand(path string) string {
	return "mkdir -p " + shellquote.Join(path)
}

// resolveMethod picks the concrete tool for one sub-task. Auto prefers
// rsync when both hosts have it and falls back to scp on the source; an
// explicit preference fails when that tool is missing where needed.
func resolveMethod(pref types.TransferMethod, src sourceTools, targetRsync bool) (types.TransferMethod, error) {
	switch pref {
	case types.TransferMethodRsync:
		if !src.rsync {
			return "", errdefs.E(errdefs.KindMissingTool, "rsync not found on source host")
		}
		if !targetRsync {
			return "", errdefs.E(errdefs.KindMissingTool, "rsync not found on target host")
		}
		return types.TransferMethodRsync, nil
	case types.TransferMethodSCP:
		if !src.scp {
			return "", errdefs.E(errdefs.KindMissingTool, "scp not found on source host")
		}
		return types.TransferMethodSCP, nil
	default:
		if src.rsync && targetRsync {
			return types.TransferMethodRsync, nil
		}
		if src.scp {
			return types.TransferMethodSCP, nil
		}
		return "", errdefs.E(errdefs.KindMissingTool, "neither rsync nor scp found on source host")
	}
}

// ephemeralKeyPath returns a fresh key location under /tmp on the source
// host. The random suffix keeps concurrent sub-tasks from colliding.
func ephemeralKeyPath() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", errdefs.Wrap(errdefs.KindInternal, err, "failed to generate key path suffix")
	}
	return keyPathPrefix + hex.EncodeToString(buf), nil
}

// commandSpec carries everything needed to render the source-side command
// line for one (target, item) sub-task.
type commandSpec struct {
	method   types.TransferMethod
	item     types.SourceItem
	target   *types.Connection
	destPath string
	keyfile  string // path on the source, empty for password or none auth
	secret   string // sshpass secret, empty when no wrapping is needed
	wrap     bool   // wrap in sshpass even when secret is empty
}

// buildTransferCommand renders the command the source host runs to push
// one item to one target. Every user-controlled string is shell-quoted,
// and the destination path is quoted a second time because rsync and scp
// both hand it to the target's shell.
func buildTransferCommand(spec commandSpec) string {
	port := spec.target.Port
	if port == 0 {
		port = 22
	}
	dest := fmt.Sprintf("%s@%s:%s", spec.target.Username, spec.target.Host, shellquote.Join(spec.destPath))

	var argv []string
	if spec.method == types.TransferMethodRsync {
		argv = []string{toolRsync, "-avz", "--progress", "-e", sshCarrier(port, spec.keyfile)}
		src := spec.item.Path
		if spec.item.Type == types.SourceItemDirectory {
			src = strings.TrimSuffix(src, "/") + "/"
		}
		argv = append(argv, src, dest)
	} else {
		argv = []string{toolSCP,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
			"-P", strconv.Itoa(port),
		}
		if spec.keyfile != "" {
			argv = append(argv, "-i", spec.keyfile)
		}
		if spec.item.Type == types.SourceItemDirectory {
			argv = append(argv, "-r")
		}
		argv = append(argv, spec.item.Path, dest)
	}

	cmd := shellquote.Join(argv...)
	if spec.wrap {
		cmd = shellquote.Join(toolSshpass, "-p", spec.secret) + " " + cmd
	}
	return cmd
}

// sshCarrier builds the ssh invocation rsync uses to reach the target.
// Host key checking is disabled: targets are user-registered machines and
// the source host has no known_hosts entry for them.
func sshCarrier(port int, keyfile string) string {
	argv := []string{"ssh",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", strconv.Itoa(port),
	}
	if keyfile != "" {
		argv = append(argv, "-i", keyfile)
	}
	return shellquote.Join(argv...)
}

var percentPattern = regexp.MustCompile(`(\d{1,3})%`)

// lastPercent extracts the final NNN% token from a chunk of rsync
// progress output, clamped to 100.
func lastPercent(chunk []byte) (int, bool) {
	matches := percentPattern.FindAllSubmatch(chunk, -1)
	if len(matches) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(matches[len(matches)-1][1]))
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}
