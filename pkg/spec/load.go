package spec

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Load reads and decodes a specification file (spec.md §6): a TOML
// document with a top-level `processes` array of tables. Unknown keys,
// at any level, are rejected.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw TOML bytes into a validated Spec. Split out from
// Load so tests can exercise parsing without touching the filesystem.
func Parse(data []byte) (*Spec, error) {
	var raw map[string]interface{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parsing spec file: %w", err)
	}

	if err := rejectUnknownKeys("spec", raw, "processes"); err != nil {
		return nil, err
	}

	rawProcs, ok := raw["processes"]
	if !ok {
		return nil, fmt.Errorf("spec file has no top-level \"processes\" key")
	}
	procList, ok := rawProcs.([]map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("\"processes\" must be an array of tables")
	}

	out := &Spec{Processes: make([]*Process, 0, len(procList))}
	for i, rawProc := range procList {
		p, err := parseProcess(rawProc)
		if err != nil {
			return nil, fmt.Errorf("processes[%d]: %w", i, err)
		}
		out.Processes = append(out.Processes, p)
	}

	if err := validateSpec(out); err != nil {
		return nil, err
	}
	return out, nil
}

func validateSpec(s *Spec) error {
	for _, p := range s.Processes {
		if err := validate.Struct(p); err != nil {
			return fmt.Errorf("invalid process definition: %w", err)
		}
	}
	return s.Validate()
}

func parseProcess(raw map[string]interface{}) (*Process, error) {
	if err := rejectUnknownKeys("process", raw, "name", "pre", "run", "stop", "post"); err != nil {
		return nil, err
	}

	name, _ := raw["name"].(string)
	p := &Process{Name: name}

	if v, ok := raw["pre"]; ok {
		cmd, err := parseCommand(v)
		if err != nil {
			return nil, fmt.Errorf("pre: %w", err)
		}
		p.Pre = cmd
	}
	if v, ok := raw["run"]; ok {
		cmd, err := parseCommand(v)
		if err != nil {
			return nil, fmt.Errorf("run: %w", err)
		}
		p.Run = cmd
	}
	if v, ok := raw["post"]; ok {
		cmd, err := parseCommand(v)
		if err != nil {
			return nil, fmt.Errorf("post: %w", err)
		}
		p.Post = cmd
	}
	if v, ok := raw["stop"]; ok {
		stop, err := parseStop(v)
		if err != nil {
			return nil, fmt.Errorf("stop: %w", err)
		}
		p.Stop = stop
	}

	return p, nil
}

// parseCommand accepts the three surface forms of spec.md §6: a bare
// string (tokenized on whitespace), an array of strings (taken
// verbatim), or a table carrying command/user/only-env.
func parseCommand(v interface{}) (*Command, error) {
	switch val := v.(type) {
	case string:
		argv := strings.Fields(val)
		if len(argv) == 0 {
			return nil, fmt.Errorf("command string is empty")
		}
		return &Command{Argv: argv}, nil
	case []interface{}:
		argv, err := stringSlice(val)
		if err != nil {
			return nil, err
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("command array is empty")
		}
		return &Command{Argv: argv}, nil
	case map[string]interface{}:
		if err := rejectUnknownKeys("command", val, "command", "user", "only-env"); err != nil {
			return nil, err
		}
		rawArgv, ok := val["command"]
		if !ok {
			return nil, fmt.Errorf("table form requires \"command\"")
		}
		argvCmd, err := parseCommand(rawArgv)
		if err != nil {
			return nil, fmt.Errorf("command: %w", err)
		}
		cmd := &Command{Argv: argvCmd.Argv}
		if u, ok := val["user"]; ok {
			s, ok := u.(string)
			if !ok {
				return nil, fmt.Errorf("\"user\" must be a string")
			}
			cmd.User = s
		}
		if oe, ok := val["only-env"]; ok {
			list, ok := oe.([]interface{})
			if !ok {
				return nil, fmt.Errorf("\"only-env\" must be an array of strings")
			}
			names, err := stringSlice(list)
			if err != nil {
				return nil, fmt.Errorf("only-env: %w", err)
			}
			cmd.OnlyEnv = names
			cmd.HasOnlyEnv = true
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("command must be a string, array, or table")
	}
}

func parseStop(v interface{}) (*Stop, error) {
	switch val := v.(type) {
	case string:
		switch Signal(val) {
		case SIGINT, SIGQUIT, SIGTERM:
			return &Stop{Kind: StopSignal, Signal: Signal(val)}, nil
		default:
			return nil, fmt.Errorf("unsupported stop signal %q (must be one of SIGINT, SIGQUIT, SIGTERM)", val)
		}
	case map[string]interface{}:
		cmd, err := parseCommand(val)
		if err != nil {
			return nil, err
		}
		return &Stop{Kind: StopCommand, Command: cmd}, nil
	default:
		return nil, fmt.Errorf("stop must be a signal-name string or a command table")
	}
}

func stringSlice(v []interface{}) ([]string, error) {
	out := make([]string, 0, len(v))
	for _, e := range v {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", e)
		}
		out = append(out, s)
	}
	return out, nil
}

func rejectUnknownKeys(context string, raw map[string]interface{}, allowed ...string) error {
	ok := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		ok[k] = struct{}{}
	}
	for k := range raw {
		if _, known := ok[k]; !known {
			return fmt.Errorf("%s: unknown key %q", context, k)
		}
	}
	return nil
}
