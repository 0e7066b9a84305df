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

// Package env implements the Env Resolver of spec.md §4.1: filtering
// the ambient environment down to a command's effective environment,
// and expanding Mustache-style {{NAME}} tokens in argv against the
// unfiltered ambient environment.
package env

import (
	"regexp"

	"github.com/malyn/groundcontrol/pkg/lifecycle"
)

// tokenPattern matches {{ NAME }} with optional inner whitespace, where
// NAME follows Go/C identifier rules, per spec.md §4.1.
var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Map is an environment represented as a key/value map, the form both
// Resolve and ExpandArgv operate on. Ambient() converts os.Environ()
// into this form.
type Map map[string]string

// Resolve builds a command's effective environment (spec.md §4.1,
// "resolve"):
//  1. start empty;
//  2. if onlyEnv is nil, copy every ambient entry; otherwise copy only
//     the named entries;
//  3. unconditionally ensure PATH is present when ambient has it.
//
// hasOnlyEnv distinguishes "only-env absent" (nil slice, inherit
// everything) from "only-env = []" (inherit nothing but PATH); both
// decode to a nil/empty onlyEnv slice, so the caller must pass this
// flag explicitly (see spec.Command.HasOnlyEnv).
func Resolve(ambient Map, onlyEnv []string, hasOnlyEnv bool) Map {
	out := make(Map)
	if !hasOnlyEnv {
		for k, v := range ambient {
			out[k] = v
		}
	} else {
		for _, name := range onlyEnv {
			if v, ok := ambient[name]; ok {
				out[name] = v
			}
		}
	}
	if v, ok := ambient["PATH"]; ok {
		out["PATH"] = v
	}
	return out
}

// ExpandArgv replaces every {{NAME}} token in every argv element with
// the value of NAME in the ambient (unfiltered) environment, per
// spec.md §4.1. This intentionally bypasses only-env filtering: it is
// the documented mechanism for materializing secrets into arguments
// without exposing them to the child's env block. An unset NAME fails
// the whole expansion with *lifecycle.UnknownEnvVarError.
func ExpandArgv(argv []string, ambient Map) ([]string, error) {
	out := make([]string, len(argv))
	var expandErr error
	for i, tok := range argv {
		out[i] = tokenPattern.ReplaceAllStringFunc(tok, func(m string) string {
			if expandErr != nil {
				return m
			}
			name := tokenPattern.FindStringSubmatch(m)[1]
			v, ok := ambient[name]
			if !ok {
				expandErr = &lifecycle.UnknownEnvVarError{Name: name}
				return m
			}
			return v
		})
		if expandErr != nil {
			return nil, expandErr
		}
	}
	return out, nil
}

// ToMap converts the os.Environ()/NAME=VALUE slice form into a Map.
func ToMap(environ []string) Map {
	m := make(Map, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

// ToEnviron converts a Map back into the NAME=VALUE slice form
// exec.Cmd.Env expects.
func (m Map) ToEnviron() []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
