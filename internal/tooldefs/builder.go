package tooldefs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jsarkisian/PTBudgetBuster/pkg/models"
)

// defaultShell runs synthetic bash commands.
const defaultShell = "/bin/bash"

// BuildCommand renders a tool invocation into argv plus an optional stdin
// payload. The argv starts with the definition's binary and default args.
// Parameters unknown to the definition are ignored; nil and empty-string
// values are skipped. Stdin parameters are reserved for the stdin payload,
// raw parameters pass through without a flag (boolean true emits the bare
// flag), boolean parameters emit their flag only when truthy, and flagged
// parameters emit flag then value. Positional values are appended last, in
// submission order.
func BuildCommand(def models.ToolDefinition, params Params) (argv []string, stdin string) {
	argv = append(argv, def.Binary)
	argv = append(argv, def.DefaultArgs...)

	var positionals []string
	for _, p := range params {
		pd, ok := def.Parameters[p.Key]
		if !ok {
			continue
		}
		if p.Value == nil || p.Value == "" {
			continue
		}

		switch {
		case pd.Stdin:
			stdin = stringify(p.Value)
		case pd.Raw:
			if b, isBool := p.Value.(bool); isBool {
				if b {
					argv = append(argv, pd.Flag)
				}
			} else {
				argv = append(argv, stringify(p.Value))
			}
		case pd.Positional:
			positionals = append(positionals, stringify(p.Value))
		case pd.Type == "boolean":
			if truthy(p.Value) {
				argv = append(argv, pd.Flag)
			}
		default:
			if pd.Flag != "" {
				argv = append(argv, pd.Flag, stringify(p.Value))
			}
		}
	}

	return append(argv, positionals...), stdin
}

// ShellArgv wraps a verbatim shell command for the synthetic bash tool.
func ShellArgv(command string) []string {
	return []string{defaultShell, "-c", command}
}

// CommandLine is the display form of an invocation: the verbatim command
// for bash, the space-joined argv for everything else.
func CommandLine(tool string, argv []string, rawCommand string) string {
	if tool == models.ToolBash {
		return rawCommand
	}
	return strings.Join(argv, " ")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// truthy mirrors loose boolean coercion: false, zero, nil, and the empty
// string are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
