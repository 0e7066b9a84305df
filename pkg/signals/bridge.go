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

// Package signals implements the Signal Bridge of spec.md §4.6:
// translating OS interrupt/terminate signals into ShutdownRequested
// events on the supervisor's events channel, with a second-delivery
// escalation hook.
package signals

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/malyn/groundcontrol/pkg/lifecycle"
)

// Bridge forwards interrupt and terminate to a supervisor's events
// channel. The first delivery of either signal publishes a
// ShutdownRequested event; a second delivery while shutdown is already
// underway invokes the caller-supplied escalate callback instead of
// publishing again (spec.md §4.6).
type Bridge struct {
	ch       chan os.Signal
	stop     chan struct{}
	log      logrus.FieldLogger
	escalate func()
}

// New installs handlers for SIGINT and SIGTERM. escalate is invoked
// synchronously on the second signal delivery; it should perform the
// supervisor's best-effort immediate kill and must not block
// indefinitely.
func New(log logrus.FieldLogger, escalate func()) *Bridge {
	b := &Bridge{
		ch:       make(chan os.Signal, 2),
		stop:     make(chan struct{}),
		log:      log,
		escalate: escalate,
	}
	signal.Notify(b.ch, os.Interrupt, syscall.SIGTERM)
	return b
}

// Run forwards signals onto events until Close is called. It should be
// started in its own goroutine.
func (b *Bridge) Run(events chan<- lifecycle.Event) {
	first := true
	for {
		select {
		case sig := <-b.ch:
			if first {
				first = false
				b.log.Warnf("received %s, shutting down", sig)
				events <- lifecycle.Event{Shutdown: &lifecycle.ShutdownRequested{
					Source: lifecycle.ShutdownSignal,
					Detail: sig.String(),
				}}
			} else {
				b.log.Warnf("received %s again, forcing immediate shutdown", sig)
				if b.escalate != nil {
					b.escalate()
				}
			}
		case <-b.stop:
			return
		}
	}
}

// Close stops forwarding signals and releases the OS signal channel.
func (b *Bridge) Close() {
	signal.Stop(b.ch)
	close(b.stop)
}
