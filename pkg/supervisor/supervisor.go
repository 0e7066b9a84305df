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

// Package supervisor implements the Supervisor of spec.md §4.5: it
// starts Process Actors in declared order, aggregates exit and
// shutdown events on a single channel, and stops Actors in reverse
// order exactly once, sequentially.
package supervisor

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/malyn/groundcontrol/pkg/env"
	"github.com/malyn/groundcontrol/pkg/lifecycle"
	"github.com/malyn/groundcontrol/pkg/process"
	"github.com/malyn/groundcontrol/pkg/signals"
	"github.com/malyn/groundcontrol/pkg/spec"
)

// Supervisor is dead simple and strict: start every process in
// declared order, wait for the first thing to go wrong (or ask to
// stop), then unwind everything that was started, in reverse.
type Supervisor struct {
	Spec   *spec.Spec
	Log    logrus.FieldLogger
	Stdout io.Writer
	Stderr io.Writer

	// StopTimeout is an implementation extension (spec.md §5/§9, not
	// part of the contract): zero disables it and Actors wait for
	// their run child indefinitely.
	StopTimeout time.Duration
}

// New builds a Supervisor ready to Run. Stdout/Stderr default to the
// process's own standard streams.
func New(s *spec.Spec, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{Spec: s, Log: log, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Run starts every process in declared order, waits for the first
// shutdown trigger, then stops everything already started in reverse
// order. It returns the process's intended exit code per spec.md §6.
func (sv *Supervisor) Run() int {
	ambient := env.ToMap(os.Environ())
	events := make(chan lifecycle.Event, len(sv.Spec.Processes)+2)
	var streamMu sync.Mutex

	started := &startedList{}

	// started is appended to by startAll on this goroutine while the
	// bridge goroutine may concurrently read it (on a second signal);
	// startedList's own mutex is what makes that safe, not sync.Once or
	// happens-before ordering between the two goroutines.
	bridge := signals.New(sv.Log, func() { sv.forceKillAll(started.snapshot()) })
	go bridge.Run(events)
	defer bridge.Close()

	fatal := sv.startAll(events, ambient, &streamMu, started)

	exitCode := 0
	if fatal {
		exitCode = 1
	} else if sv.anyDaemons() {
		exitCode = sv.awaitTrigger(events)
	}
	// else: every process was one-shot (pre/post only, no run), so no
	// monitor will ever publish ProcessExited and no signal is implied
	// by the spec; spec.md §8 scenario 1 and §6's "0: ... all daemons
	// exited normally" are both vacuously satisfied by zero daemons.

	if sv.shutdownAll(started.snapshot()) {
		exitCode = 1
	}

	drainEvents(events)
	return exitCode
}

// startedList is the set of Actors started so far, safe for concurrent
// append (from startAll) and snapshot (from the signal bridge's
// escalation callback, which runs on its own goroutine).
type startedList struct {
	mu     sync.Mutex
	actors []*process.Actor
}

func (s *startedList) append(a *process.Actor) {
	s.mu.Lock()
	s.actors = append(s.actors, a)
	s.mu.Unlock()
}

func (s *startedList) snapshot() []*process.Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*process.Actor, len(s.actors))
	copy(out, s.actors)
	return out
}

// startAll constructs and starts an Actor per Process Definition, in
// declared order. Process i+1 is never started until process i has
// reached Running (spec.md §4.5's ordering guarantee): Actor.Start is
// synchronous w.r.t. that much completing. If any start fails, no
// further processes are started and startAll returns true.
func (sv *Supervisor) startAll(events chan<- lifecycle.Event, ambient env.Map, streamMu *sync.Mutex, started *startedList) bool {
	for _, def := range sv.Spec.Processes {
		actor := process.New(def, ambient, sv.Log, sv.Stdout, sv.Stderr, streamMu)
		actor.StopTimeout = sv.StopTimeout
		if err := actor.Start(events); err != nil {
			sv.Log.Errorf("%v", err)
			return true
		}
		started.append(actor)
	}
	return false
}

// anyDaemons reports whether the spec declares at least one long-
// running `run` process. With none, there is nothing for awaitTrigger
// to ever wait on.
func (sv *Supervisor) anyDaemons() bool {
	for _, def := range sv.Spec.Processes {
		if def.Daemon() {
			return true
		}
	}
	return false
}

// awaitTrigger blocks for the first event on the channel and returns
// the exit code that event implies, per spec.md §4.5 step 4.
func (sv *Supervisor) awaitTrigger(events <-chan lifecycle.Event) int {
	evt := <-events
	switch {
	case evt.Shutdown != nil:
		sv.Log.Warnf("shutdown requested (%s: %s)", evt.Shutdown.Source, evt.Shutdown.Detail)
		return 0
	case evt.ProcessExit != nil:
		pe := evt.ProcessExit
		if pe.Outcome.Failed() {
			sv.Log.Errorf("process %q %s, shutting down", pe.Name, pe.Outcome)
			return 1
		}
		sv.Log.Infof("process %q %s, shutting down", pe.Name, pe.Outcome)
		return 0
	default:
		return 0
	}
}

// shutdownAll stops every started Actor in reverse of the started
// order, sequentially: two processes are never concurrently being
// stopped. A Stop failure is logged and the sequence continues; its
// presence makes the return value true so the caller can fold it into
// a non-zero exit code (spec.md §7, PostFailed/StopFailed policy).
func (sv *Supervisor) shutdownAll(started []*process.Actor) bool {
	failed := false
	for i := len(started) - 1; i >= 0; i-- {
		actor := started[i]
		if err := actor.Stop(); err != nil {
			sv.Log.Errorf("process %q: %v", actor.Name(), err)
			failed = true
		}
	}
	return failed
}

// forceKillAll is the second-signal escalation of spec.md §4.6: every
// still-running daemon's process group is sent a kill signal
// immediately, best-effort. The regular shutdownAll sequence still
// runs afterward so `post` hooks execute where possible.
func (sv *Supervisor) forceKillAll(started []*process.Actor) {
	for i := len(started) - 1; i >= 0; i-- {
		started[i].ForceKill()
	}
}

// drainEvents empties the channel so that any late exit notification
// (e.g. a process that exits during shutdown of an earlier process)
// does not block a goroutine forever (spec.md §4.5 step 6).
func drainEvents(events <-chan lifecycle.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
