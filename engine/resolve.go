package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/theuselessai/pipelit/types"
)

// templatePattern matches {{node.<id>.<key>}}, {{trigger.<key>}} and
// {{var.<key>}} references in configuration strings.
var templatePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z]+)\.([^.\s{}]+)(?:\.([^\s{}]+))?\s*\}\}`)

// resolveEnv carries everything a template reference can point at.
type resolveEnv struct {
	trigger   map[string]any
	outputs   map[types.NodeID]map[string]any
	variables map[string]any
}

// resolveConfig substitutes template references in every string value of
// cfg, recursing into nested maps and slices. Unresolvable references are
// left literal so partial configuration stays non-fatal.
func resolveConfig(cfg map[string]any, env resolveEnv) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = resolveValue(v, env)
	}
	return out
}

func resolveValue(v any, env resolveEnv) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, env)
	case map[string]any:
		return resolveConfig(t, env)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, env)
		}
		return out
	default:
		return v
	}
}

// resolveString substitutes references in s. A string that is exactly one
// reference resolves to the referenced value with its type preserved;
// embedded references are stringified into place.
func resolveString(s string, env resolveEnv) any {
	m := templatePattern.FindStringSubmatch(s)
	if m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := lookup(m, env); ok {
			return v
		}
		return s
	}
	return templatePattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := templatePattern.FindStringSubmatch(ref)
		v, ok := lookup(m, env)
		if !ok {
			return ref
		}
		return stringify(v)
	})
}

// lookup resolves one matched reference against the environment.
func lookup(m []string, env resolveEnv) (any, bool) {
	switch m[1] {
	case "node":
		if m[3] == "" {
			return nil, false
		}
		out, ok := env.outputs[types.NodeID(m[2])]
		if !ok {
			return nil, false
		}
		return walk(out, strings.Split(m[3], "."))
	case "trigger":
		return walkFrom(env.trigger, m)
	case "var":
		return walkFrom(env.variables, m)
	default:
		return nil, false
	}
}

func walkFrom(root map[string]any, m []string) (any, bool) {
	path := []string{m[2]}
	if m[3] != "" {
		path = append(path, strings.Split(m[3], ".")...)
	}
	return walk(root, path)
}

// walk descends nested maps along path.
func walk(v any, path []string) (any, bool) {
	cur := v
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
