package supervisor

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malyn/groundcontrol/pkg/env"
	"github.com/malyn/groundcontrol/pkg/lifecycle"
	"github.com/malyn/groundcontrol/pkg/process"
	"github.com/malyn/groundcontrol/pkg/spec"
)

func newTestSupervisor(t *testing.T, s *spec.Spec) (*Supervisor, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	log := logrus.New()
	log.SetOutput(&errOut)
	return &Supervisor{Spec: s, Log: log, Stdout: &out, Stderr: &errOut}, &out
}

func TestStartupAndShutdownOrdering(t *testing.T) {
	s := &spec.Spec{Processes: []*spec.Process{
		{Name: "A", Pre: &spec.Command{Argv: []string{"/bin/echo", "A-pre"}}, Post: &spec.Command{Argv: []string{"/bin/echo", "A-post"}}},
		{Name: "B", Pre: &spec.Command{Argv: []string{"/bin/echo", "B-pre"}}, Post: &spec.Command{Argv: []string{"/bin/echo", "B-post"}}},
	}}
	sv, out := newTestSupervisor(t, s)

	events := make(chan lifecycle.Event, 4)
	var streamMu sync.Mutex
	started := &startedList{}

	fatal := sv.startAll(events, env.ToMap([]string{"PATH=/bin"}), &streamMu, started)
	require.False(t, fatal)
	require.Len(t, started.snapshot(), 2)

	events <- lifecycle.Event{Shutdown: &lifecycle.ShutdownRequested{Source: lifecycle.ShutdownSignal}}
	code := sv.awaitTrigger(events)
	assert.Equal(t, 0, code)

	failed := sv.shutdownAll(started.snapshot())
	assert.False(t, failed)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Equal(t, []string{"A | A-pre", "B | B-pre", "B | B-post", "A | A-post"}, lines)
}

func TestRunWithOnlyOneShotProcessesReturnsInsteadOfHanging(t *testing.T) {
	s := &spec.Spec{Processes: []*spec.Process{
		{Name: "A", Pre: &spec.Command{Argv: []string{"/bin/echo", "hi"}}},
	}}
	sv, out := newTestSupervisor(t, s)

	done := make(chan int, 1)
	go func() { done <- sv.Run() }()

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return for a spec with no daemons")
	}
	assert.Contains(t, out.String(), "A | hi")
}

func TestFatalStartFailureStopsSubsequentStarts(t *testing.T) {
	s := &spec.Spec{Processes: []*spec.Process{
		{Name: "A", Pre: &spec.Command{Argv: []string{"/bin/false"}}},
		{Name: "B", Pre: &spec.Command{Argv: []string{"/bin/echo", "never"}}},
	}}
	sv, out := newTestSupervisor(t, s)

	events := make(chan lifecycle.Event, 2)
	var streamMu sync.Mutex
	started := &startedList{}

	fatal := sv.startAll(events, env.ToMap([]string{"PATH=/bin"}), &streamMu, started)
	assert.True(t, fatal)
	assert.Len(t, started.snapshot(), 0)
	assert.NotContains(t, out.String(), "never")
}

func TestAbnormalProcessExitYieldsNonZeroExitCode(t *testing.T) {
	sv, _ := newTestSupervisor(t, &spec.Spec{Processes: []*spec.Process{{Name: "B", Run: &spec.Command{Argv: []string{"/bin/false"}}}}})

	events := make(chan lifecycle.Event, 1)
	events <- lifecycle.Event{ProcessExit: &lifecycle.ProcessExited{
		Name:    "B",
		Outcome: lifecycle.Outcome{Kind: lifecycle.CompletedAbnormally, ExitCode: 1},
	}}
	assert.Equal(t, 1, sv.awaitTrigger(events))
}

func TestDaemonSelfCompletionYieldsZeroExitCode(t *testing.T) {
	sv, _ := newTestSupervisor(t, &spec.Spec{Processes: []*spec.Process{{Name: "D", Run: &spec.Command{Argv: []string{"/bin/true"}}}}})

	events := make(chan lifecycle.Event, 1)
	events <- lifecycle.Event{ProcessExit: &lifecycle.ProcessExited{
		Name:    "D",
		Outcome: lifecycle.Outcome{Kind: lifecycle.CompletedNormally, ExitCode: 0},
	}}
	assert.Equal(t, 0, sv.awaitTrigger(events))
}

func TestStartedListSafeForConcurrentAppendAndSnapshot(t *testing.T) {
	started := &startedList{}
	def := &spec.Process{Name: "X", Pre: &spec.Command{Argv: []string{"/bin/true"}}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			started.append(process.New(def, env.ToMap(nil), logrus.New(), &bytes.Buffer{}, &bytes.Buffer{}, &sync.Mutex{}))
		}
	}()

	for i := 0; i < 50; i++ {
		_ = started.snapshot()
	}
	<-done

	assert.Len(t, started.snapshot(), 50)
}

func TestDrainEventsDoesNotBlock(t *testing.T) {
	events := make(chan lifecycle.Event, 3)
	events <- lifecycle.Event{Shutdown: &lifecycle.ShutdownRequested{Source: lifecycle.ShutdownSignal}}
	events <- lifecycle.Event{ProcessExit: &lifecycle.ProcessExited{Name: "x"}}
	drainEvents(events)
	select {
	case e := <-events:
		t.Fatalf("expected drained channel, got %+v", e)
	default:
	}
}
