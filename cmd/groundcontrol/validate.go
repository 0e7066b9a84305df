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

package main

import (
	"fmt"
	"io"

	"github.com/logrusorgru/aurora/v3"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/malyn/groundcontrol/pkg/spec"
)

// newValidateCmd is a diagnostic convenience beyond spec.md's single
// positional-argument contract: it parses a spec file and renders the
// declared startup order without starting anything, so an operator can
// sanity-check a spec before handing it to a real supervisor run.
func newValidateCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <spec-file>",
		Short: "Parse a spec file and print its declared process order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := spec.Load(args[0])
			if err != nil {
				return err
			}
			renderProcessTable(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func renderProcessTable(w io.Writer, s *spec.Spec) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "name", "pre", "run", "stop", "post"})
	for i, p := range s.Processes {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			p.Name,
			presence(p.Pre != nil),
			presence(p.Run != nil),
			stopDescription(p),
			presence(p.Post != nil),
		})
	}
	table.Render()
}

func presence(present bool) string {
	if present {
		return aurora.Green("yes").String()
	}
	return aurora.Gray(12, "no").String()
}

func stopDescription(p *spec.Process) string {
	if !p.Daemon() {
		return aurora.Gray(12, "n/a").String()
	}
	if p.Stop == nil {
		return aurora.Yellow("SIGTERM (default)").String()
	}
	if p.Stop.Kind == spec.StopSignal {
		return aurora.Yellow(string(p.Stop.Signal)).String()
	}
	return aurora.Yellow("command").String()
}
