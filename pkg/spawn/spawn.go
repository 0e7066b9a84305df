/*
Copyright 2021 k0s authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package spawn implements the Command Spawner of spec.md §4.2:
// turning a Command Definition into a running child, with argv
// expansion, environment filtering, an optional alternate user, and a
// dedicated process group so signals can target the whole tree.
package spawn

import (
	"fmt"
	"io"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/malyn/groundcontrol/pkg/env"
	"github.com/malyn/groundcontrol/pkg/lifecycle"
	"github.com/malyn/groundcontrol/pkg/spec"
)

// Handle is a running child, exposing exactly the surface spec.md
// §4.2 step 5 calls for: pid/group, two line-buffered readers (wired
// up by the caller via Stdout/Stderr pipes), an awaitable exit, and a
// process-group-targeted terminate.
type Handle struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Pid    int
	Pgid   int
}

// Spawn resolves argv and environment (pkg/env), optionally resolves
// an alternate user, and starts the child detached into its own
// process group with stdout/stderr piped and stdin closed.
func Spawn(cmdDef *spec.Command, ambient env.Map) (*Handle, error) {
	argv, err := env.ExpandArgv(cmdDef.Argv, ambient)
	if err != nil {
		return nil, err
	}

	effectiveEnv := env.Resolve(ambient, cmdDef.OnlyEnv, cmdDef.HasOnlyEnv)

	attr := &syscall.SysProcAttr{Setpgid: true}
	if cmdDef.User != "" {
		cred, homeDir, err := resolveCredential(cmdDef.User)
		if err != nil {
			return nil, &lifecycle.UserNotFoundError{User: cmdDef.User, Err: err}
		}
		attr.Credential = cred
		effectiveEnv["HOME"] = homeDir
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = effectiveEnv.ToEnviron()
	cmd.SysProcAttr = attr
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &lifecycle.SpawnFailedError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &lifecycle.SpawnFailedError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &lifecycle.SpawnFailedError{Err: err}
	}

	return &Handle{
		cmd:    cmd,
		Stdout: stdout,
		Stderr: stderr,
		Pid:    cmd.Process.Pid,
		Pgid:   cmd.Process.Pid, // Setpgid makes the child its own group leader
	}, nil
}

// Wait blocks until the child exits and returns its *exec.ExitError
// (or nil on a clean zero exit).
func (h *Handle) Wait() error {
	return h.cmd.Wait()
}

// ExitCode returns the child's exit code. Only meaningful after Wait
// has returned.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Terminate delivers sig to the child's entire process group rather
// than just its pid, so that shell scripts which fork sub-processes
// are reliably reached (spec.md §4.4 design note).
func (h *Handle) Terminate(sig syscall.Signal) error {
	if err := unix.Kill(-h.Pgid, sig); err != nil {
		return fmt.Errorf("signaling process group %d: %w", h.Pgid, err)
	}
	return nil
}

func resolveCredential(username string) (*syscall.Credential, string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, "", err
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, "", fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, u.HomeDir, nil
}
