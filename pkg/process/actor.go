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

// Package process implements the Process Actor of spec.md §4.4: the
// state machine governing one configured process, from `pre` through
// an optional long-running `run` child, to `stop`/`post` on shutdown.
package process

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/malyn/groundcontrol/pkg/env"
	"github.com/malyn/groundcontrol/pkg/lifecycle"
	"github.com/malyn/groundcontrol/pkg/output"
	"github.com/malyn/groundcontrol/pkg/spawn"
	"github.com/malyn/groundcontrol/pkg/spec"
)

var signalByName = map[spec.Signal]syscall.Signal{
	spec.SIGINT:  syscall.SIGINT,
	spec.SIGQUIT: syscall.SIGQUIT,
	spec.SIGTERM: syscall.SIGTERM,
}

// Actor owns the lifecycle of one Process Definition. The Supervisor
// exclusively owns all Actors; an Actor exclusively owns its child
// process handles and pipes, and never holds a back-reference to the
// Supervisor (spec.md §3, "Lifecycle / ownership").
type Actor struct {
	def     *spec.Process
	ambient env.Map
	log     logrus.FieldLogger

	stdout, stderr io.Writer
	streamMu       *sync.Mutex

	stateMu sync.Mutex
	state   lifecycle.State

	stopping atomic.Bool

	runHandle   *spawn.Handle
	runMux      *output.Mux
	monitorDone chan struct{} // closed by the monitor once it has published ProcessExited (daemons only)

	stopOnce   sync.Once
	stopped    chan struct{}
	stopResult error

	// StopTimeout is the implementation extension noted in spec.md §5/§9:
	// not part of the contract, zero means "wait indefinitely".
	StopTimeout time.Duration
}

// Name returns the process name this Actor was configured with.
func (a *Actor) Name() string { return a.def.Name }

// New builds an Actor for a single Process Definition. stdout/stderr
// are the supervisor's own output streams; streamMu serializes writes
// to them across all Actors so lines from different children are never
// interleaved mid-line.
func New(def *spec.Process, ambient env.Map, log logrus.FieldLogger, stdout, stderr io.Writer, streamMu *sync.Mutex) *Actor {
	return &Actor{
		def:      def,
		ambient:  ambient,
		log:      log.WithField("process", def.Name),
		stdout:   stdout,
		stderr:   stderr,
		streamMu: streamMu,
		state:    lifecycle.Idle,
		stopped:  make(chan struct{}),
	}
}

func (a *Actor) setState(s lifecycle.State) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

// State returns the Actor's current position in the state machine.
func (a *Actor) State() lifecycle.State {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// Start runs `pre` synchronously and, if `run` is present, spawns it
// and arms its monitor. It returns only once that much has completed,
// per spec.md §4.4. events is the Supervisor's single shared events
// channel; the monitor is the sole publisher of this Actor's
// ProcessExited event onto it.
func (a *Actor) Start(events chan<- lifecycle.Event) error {
	a.setState(lifecycle.Starting)

	if a.def.Pre != nil {
		if err := a.runSynchronous(a.def.Pre, lifecycle.PhasePre); err != nil {
			a.setState(lifecycle.Failed)
			return lifecycle.NewPhaseError(a.def.Name, lifecycle.PhasePre, fmt.Errorf("pre failed: %w", err))
		}
	}

	if a.def.Run != nil {
		handle, err := spawn.Spawn(a.def.Run, a.ambient)
		if err != nil {
			a.setState(lifecycle.Failed)
			return lifecycle.NewPhaseError(a.def.Name, lifecycle.PhaseRun, err)
		}
		a.runHandle = handle
		a.runMux = output.New(a.def.Name, a.stdout, a.stderr, a.streamMu)
		a.runMux.Start(handle.Stdout, handle.Stderr)
		a.monitorDone = make(chan struct{})
		a.log.Info("started")
		go a.monitor(events)
	} else {
		a.log.Info("started (one-shot, no run command)")
	}

	a.setState(lifecycle.Running)
	return nil
}

// monitor waits for the run child to exit, drains its output, and
// publishes exactly one ProcessExited event. It is the sole publisher
// to events for this Actor (spec.md §9, "stop vs monitor race").
func (a *Actor) monitor(events chan<- lifecycle.Event) {
	defer close(a.monitorDone)

	// The readers must be joined before we reap the child: cmd.Wait
	// closes the StdoutPipe/StderrPipe read ends as soon as the process
	// exits, which would race the reader goroutines and could drop
	// trailing buffered output (spec.md §4.3's flush-before-exit
	// guarantee). The readers themselves hit EOF once the child closes
	// its streams, so joining them first is always safe.
	muxErr := a.runMux.Wait()
	if muxErr != nil {
		a.log.Warnf("output reader error: %v", muxErr)
	}
	waitErr := a.runHandle.Wait()

	outcome := classifyExit(waitErr, a.runHandle.ExitCode(), a.stopping.Load())
	if outcome.Kind == lifecycle.CompletedAbnormally {
		a.log.Warnf("run exited: %s", outcome)
	} else {
		a.log.Infof("run exited: %s", outcome)
	}

	events <- lifecycle.Event{ProcessExit: &lifecycle.ProcessExited{Name: a.def.Name, Outcome: outcome}}
}

// Stop performs the Stop Action (if this is a still-running daemon),
// awaits the run child's termination via the monitor's notification,
// and finally runs `post`. It is safe to call more than once; the
// second and later calls simply observe the first call's result.
func (a *Actor) Stop() error {
	a.stopOnce.Do(func() {
		a.stopResult = a.stopLocked()
		close(a.stopped)
	})
	<-a.stopped
	return a.stopResult
}

func (a *Actor) stopLocked() error {
	a.setState(lifecycle.Stopping)
	a.stopping.Store(true)

	if a.def.Run != nil && a.runHandle != nil {
		if a.alreadyExited() {
			// Daemon, already exited: skip the stop action entirely
			// (spec.md §4.4).
			a.log.Debug("run child already exited, skipping stop action")
		} else {
			if err := a.executeStopAction(); err != nil {
				a.log.Warnf("stop action failed: %v", err)
			}
			// The monitor remains the sole publisher of the exit
			// event; we only wait for it to have observed
			// termination, we never race it by calling Wait ourselves.
			a.awaitMonitor()
		}
	}

	var postErr error
	if a.def.Post != nil {
		if err := a.runSynchronous(a.def.Post, lifecycle.PhasePost); err != nil {
			postErr = lifecycle.NewPhaseError(a.def.Name, lifecycle.PhasePost, err)
			a.log.Errorf("post failed: %v", err)
		}
	}

	a.setState(lifecycle.Stopped)
	a.log.Info("stopped")
	return postErr
}

// alreadyExited reports whether the monitor has already observed the
// run child's termination, i.e. whether the stop action would be
// signaling a process group that no longer exists.
func (a *Actor) alreadyExited() bool {
	select {
	case <-a.monitorDone:
		return true
	default:
		return false
	}
}

// awaitMonitor blocks until the monitor goroutine has published this
// Actor's exit event. If StopTimeout is set (an implementation
// extension beyond spec.md's contract), a timeout escalates to a
// SIGKILL of the child's process group rather than waiting forever.
func (a *Actor) awaitMonitor() {
	if a.StopTimeout <= 0 {
		<-a.monitorDone
		return
	}
	select {
	case <-a.monitorDone:
	case <-time.After(a.StopTimeout):
		a.log.Warnf("stop timeout exceeded, force-killing process group")
		a.ForceKill()
		<-a.monitorDone
	}
}

// ForceKill delivers SIGKILL directly to the run child's process
// group, bypassing the configured Stop Action. Used by the second-
// signal escalation path (spec.md §4.6) and by the optional stop
// timeout extension.
func (a *Actor) ForceKill() {
	if a.runHandle != nil {
		if err := a.runHandle.Terminate(syscall.SIGKILL); err != nil {
			a.log.Warnf("force-kill failed: %v", err)
		}
	}
}

func (a *Actor) executeStopAction() error {
	action := a.def.Stop
	if action == nil {
		action = spec.DefaultStop()
	}

	switch action.Kind {
	case spec.StopCommand:
		handle, err := a.spawnAndJoin(action.Command, a.def.Name+":stop")
		if err != nil {
			return fmt.Errorf("spawning stop command: %w", err)
		}
		_ = handle.Wait() // the stopper's own exit code is not propagated
		return nil
	default:
		sig, ok := signalByName[action.Signal]
		if !ok {
			sig = syscall.SIGTERM
		}
		return a.runHandle.Terminate(sig)
	}
}

// spawnAndJoin spawns cmdDef, multiplexes its output under muxName, and
// joins the readers before returning the handle, so that every caller
// gets the flush-before-reap ordering described in monitor without
// reimplementing it. The caller is responsible for calling handle.Wait
// to reap the child.
func (a *Actor) spawnAndJoin(cmdDef *spec.Command, muxName string) (*spawn.Handle, error) {
	handle, err := spawn.Spawn(cmdDef, a.ambient)
	if err != nil {
		return nil, err
	}
	mux := output.New(muxName, a.stdout, a.stderr, a.streamMu)
	mux.Start(handle.Stdout, handle.Stderr)
	if muxErr := mux.Wait(); muxErr != nil {
		a.log.Warnf("%s output reader error: %v", muxName, muxErr)
	}
	return handle, nil
}

// runSynchronous spawns cmdDef, drains its output, and waits for exit,
// returning an error on a non-zero exit or spawn failure. Used for
// `pre` and `post`, both of which are synchronous w.r.t. the caller.
func (a *Actor) runSynchronous(cmdDef *spec.Command, phase lifecycle.Phase) error {
	handle, err := a.spawnAndJoin(cmdDef, a.def.Name)
	if err != nil {
		return err
	}
	waitErr := handle.Wait()

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return fmt.Errorf("exited with code %d", exitErr.ExitCode())
		}
		return waitErr
	}
	if handle.ExitCode() != 0 {
		return fmt.Errorf("exited with code %d", handle.ExitCode())
	}
	return nil
}

// classifyExit implements the outcome classification of spec.md §4.4:
// a run child is CompletedAbnormally iff its exit code is non-zero and
// the Actor has not yet been asked to stop.
func classifyExit(waitErr error, exitCode int, stopping bool) lifecycle.Outcome {
	var signalName string
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			signalName = status.Signal().String()
		}
	}

	if stopping {
		return lifecycle.Outcome{Kind: lifecycle.CompletedNormally, ExitCode: exitCode, Signal: signalName}
	}
	if exitCode != 0 || signalName != "" {
		return lifecycle.Outcome{Kind: lifecycle.CompletedAbnormally, ExitCode: exitCode, Signal: signalName}
	}
	return lifecycle.Outcome{Kind: lifecycle.CompletedNormally, ExitCode: exitCode}
}
