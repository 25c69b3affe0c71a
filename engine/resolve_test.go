package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theuselessai/pipelit/types"
)

func testResolveEnv() resolveEnv {
	return resolveEnv{
		trigger: map[string]any{
			"subject": "hello",
			"payload": map[string]any{"user": map[string]any{"name": "ada"}},
		},
		outputs: map[types.NodeID]map[string]any{
			"fetch": {"status": 200, "body": map[string]any{"title": "ok"}},
		},
		variables: map[string]any{"retries": 3},
	}
}

func TestResolveWholeReferenceKeepsType(t *testing.T) {
	cfg := resolveConfig(map[string]any{
		"status":  "{{node.fetch.status}}",
		"retries": "{{var.retries}}",
	}, testResolveEnv())

	assert.Equal(t, 200, cfg["status"])
	assert.Equal(t, 3, cfg["retries"])
}

func TestResolveEmbeddedReferenceStringifies(t *testing.T) {
	cfg := resolveConfig(map[string]any{
		"message": "got {{node.fetch.status}} for {{trigger.subject}}",
	}, testResolveEnv())

	assert.Equal(t, "got 200 for hello", cfg["message"])
}

func TestResolveNestedPath(t *testing.T) {
	cfg := resolveConfig(map[string]any{
		"title": "{{node.fetch.body.title}}",
		"name":  "{{trigger.payload.user.name}}",
	}, testResolveEnv())

	assert.Equal(t, "ok", cfg["title"])
	assert.Equal(t, "ada", cfg["name"])
}

func TestResolveUnresolvedStaysLiteral(t *testing.T) {
	cfg := resolveConfig(map[string]any{
		"missing":  "{{node.absent.key}}",
		"embedded": "x {{var.absent}} y",
		"unknown":  "{{weird.thing}}",
	}, testResolveEnv())

	assert.Equal(t, "{{node.absent.key}}", cfg["missing"])
	assert.Equal(t, "x {{var.absent}} y", cfg["embedded"])
	assert.Equal(t, "{{weird.thing}}", cfg["unknown"])
}

func TestResolveRecursesIntoContainers(t *testing.T) {
	cfg := resolveConfig(map[string]any{
		"nested": map[string]any{"s": "{{trigger.subject}}"},
		"list":   []any{"{{var.retries}}", "plain"},
		"number": 7,
	}, testResolveEnv())

	nested := cfg["nested"].(map[string]any)
	assert.Equal(t, "hello", nested["s"])
	list := cfg["list"].([]any)
	assert.Equal(t, 3, list[0])
	assert.Equal(t, "plain", list[1])
	assert.Equal(t, 7, cfg["number"])
}

func TestResolveNilConfig(t *testing.T) {
	assert.Nil(t, resolveConfig(nil, testResolveEnv()))
}
