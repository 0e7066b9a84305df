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

// Command groundcontrol is the CLI front-end named in spec.md §1/§6: it
// selects a spec file, installs logging, and hands off to the
// supervisor. This front-end is an external collaborator of the core
// engine, not itself part of the specified contract, beyond the
// invocation and exit-code surface of §6.
package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/malyn/groundcontrol/pkg/spec"
	"github.com/malyn/groundcontrol/pkg/supervisor"
)

func main() {
	os.Exit(newRootCmd().run())
}

type rootCmd struct {
	log         *logrus.Logger
	verbose     bool
	stopTimeout time.Duration
	exitCode    int
}

func newRootCmd() *rootCmd {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return &rootCmd{log: log}
}

// run builds and executes the cobra command tree, returning the
// process exit code per spec.md §6: 0 normal shutdown, 1 abnormal
// process exit / config error / fatal spawn failure, 2 usage error.
//
// cobra.ExactArgs / unknown-flag failures happen before any command
// body runs, so they are treated as usage errors (exit 2); anything a
// command body itself returns is a runtime failure (exit 1).
func (r *rootCmd) run() int {
	cmd := r.newCobraCommand()
	cmd.SetArgs(os.Args[1:])

	ranBody := false
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		ranBody = true
		return nil
	}

	if err := cmd.Execute(); err != nil {
		r.log.Error(err)
		if !ranBody {
			return 2
		}
		return 1
	}
	return r.exitCode
}

func (r *rootCmd) newCobraCommand() *cobra.Command {
	var stopTimeoutFlag string

	cmd := &cobra.Command{
		Use:   "groundcontrol <spec-file>",
		Short: "Ground Control starts, monitors, and orderly shuts down dependent child processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.verbose {
				r.log.SetLevel(logrus.DebugLevel)
			}
			if stopTimeoutFlag != "" {
				d, err := time.ParseDuration(stopTimeoutFlag)
				if err != nil {
					return err
				}
				r.stopTimeout = d
			}

			// spec.md §6 lists a parse/validation failure under exit
			// code 1 ("configuration error"); §7's table files the same
			// case under SpecParseError -> 2. We follow §6, the
			// invocation contract, since it is what an operator's shell
			// script actually observes.
			s, err := spec.Load(args[0])
			if err != nil {
				r.exitCode = 1
				return err
			}

			sv := supervisor.New(s, r.log)
			sv.StopTimeout = r.stopTimeout
			r.exitCode = sv.Run()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&r.verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().StringVar(&stopTimeoutFlag, "stop-timeout", "", "implementation extension: force-kill a daemon this long after its stop action (e.g. 10s); unset means wait indefinitely")

	cmd.AddCommand(newValidateCmd(r.log))
	return cmd
}
