// ABOUTME: Statically registered per-method JSON schemas and the validator.
// ABOUTME: Every frame is validated against its method schema before dispatch.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MethodSpec describes the static contract of one RPC method.
type MethodSpec struct {
	Name string

	// Idempotent methods honor idempotencyKey: a replayed key within the
	// cache TTL returns the first successful result without re-executing.
	Idempotent bool

	// RequiresKey makes a missing idempotencyKey a validation error.
	RequiresKey bool

	schema *jsonschema.Schema
}

const thinkingEnum = `"enum": ["off", "minimal", "low", "medium", "high"]`

// methodSchemas maps method name -> (flags, schema source). Schemas are
// compiled once at package init; a bad schema is a programming error.
var methodSchemas = map[string]struct {
	idempotent  bool
	requiresKey bool
	schema      string
}{
	"connect": {schema: `{
		"type": "object",
		"properties": {
			"token": {"type": "string"},
			"client": {
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"version": {"type": "string"}
				},
				"additionalProperties": false
			},
			"subscribe": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`},

	"send": {idempotent: true, requiresKey: true, schema: `{
		"type": "object",
		"required": ["sessionKey", "message", "idempotencyKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"idempotencyKey": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`},

	"agent": {idempotent: true, requiresKey: true, schema: `{
		"type": "object",
		"required": ["sessionKey", "message", "idempotencyKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"idempotencyKey": {"type": "string", "minLength": 1},
			"thinking": {` + thinkingEnum + `}
		},
		"additionalProperties": false
	}`},

	"chat.send": {idempotent: true, requiresKey: true, schema: `{
		"type": "object",
		"required": ["sessionKey", "message", "idempotencyKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"idempotencyKey": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`},

	"chat.history": {schema: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1, "maximum": 500},
			"before": {"type": "string"}
		},
		"additionalProperties": false
	}`},

	"chat.abort": {schema: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`},

	"sessions.list": {schema: emptyParams},
	"sessions.get": {schema: sessionKeyOnly},
	"sessions.reset": {schema: sessionKeyOnly},
	"sessions.delete": {schema: sessionKeyOnly},

	"sessions.patch": {schema: `{
		"type": "object",
		"required": ["sessionKey"],
		"properties": {
			"sessionKey": {"type": "string", "minLength": 1},
			"thinking": {` + thinkingEnum + `},
			"verbose": {"type": "boolean"},
			"activation": {"enum": ["mention", "always"]}
		},
		"additionalProperties": false
	}`},

	"config.get": {schema: emptyParams},
	"config.set": {schema: `{
		"type": "object",
		"required": ["key"],
		"properties": {
			"key": {"type": "string", "minLength": 1},
			"value": {}
		},
		"additionalProperties": false
	}`},

	"cron.add": {idempotent: true, schema: `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"id": {"type": "string"},
			"every": {"type": "string"},
			"at": {"type": "string", "pattern": "^[0-2][0-9]:[0-5][0-9]$"},
			"message": {"type": "string", "minLength": 1},
			"sessionKey": {"type": "string"},
			"idempotencyKey": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`},
	"cron.list": {schema: emptyParams},
	"cron.remove": {schema: `{
		"type": "object",
		"required": ["id"],
		"properties": {"id": {"type": "string", "minLength": 1}},
		"additionalProperties": false
	}`},

	"voicewake.get": {schema: emptyParams},
	"voicewake.set": {schema: `{
		"type": "object",
		"required": ["words"],
		"properties": {
			"words": {"type": "array", "items": {"type": "string", "minLength": 1}},
			"enabled": {"type": "boolean"}
		},
		"additionalProperties": false
	}`},

	"node.list": {schema: emptyParams},
	"node.invoke": {idempotent: true, schema: `{
		"type": "object",
		"required": ["nodeId", "command"],
		"properties": {
			"nodeId": {"type": "string", "minLength": 1},
			"command": {"type": "string", "minLength": 1},
			"params": {"type": "object"},
			"timeoutMs": {"type": "integer", "minimum": 1},
			"idempotencyKey": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`},
	"node.pair.approve": {schema: nodeIDOnly},
	"node.pair.reject": {schema: nodeIDOnly},

	"system-status": {schema: emptyParams},
	"system-presence": {schema: emptyParams},

	"wake": {schema: `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"additionalProperties": false
	}`},
}

const emptyParams = `{"type": "object", "additionalProperties": false}`

const sessionKeyOnly = `{
	"type": "object",
	"required": ["sessionKey"],
	"properties": {"sessionKey": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`

const nodeIDOnly = `{
	"type": "object",
	"required": ["nodeId"],
	"properties": {"nodeId": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`

var methods = map[string]*MethodSpec{}

func init() {
	for name, def := range methodSchemas {
		compiled, err := jsonschema.CompileString(name+".json", def.schema)
		if err != nil {
			panic(fmt.Sprintf("compiling schema for %s: %v", name, err))
		}
		methods[name] = &MethodSpec{
			Name:        name,
			Idempotent:  def.idempotent,
			RequiresKey: def.requiresKey,
			schema:      compiled,
		}
	}
}

// LookupMethod returns the spec for a method name.
func LookupMethod(name string) (*MethodSpec, bool) {
	spec, ok := methods[name]
	return spec, ok
}

// MethodNames returns the registered method names, for diagnostics.
func MethodNames() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	return names
}

// ValidateParams checks raw params against the method's schema. Nil params
// are treated as an empty object so zero-argument methods may omit them.
func (m *MethodSpec) ValidateParams(params json.RawMessage) *Error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return Validation("params", "params is not valid JSON")
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Validation("params", "params must be a JSON object")
	}
	if err := m.schema.Validate(obj); err != nil {
		return schemaError(err)
	}
	return nil
}

// schemaError converts a jsonschema validation failure into a wire Error
// with a field path.
func schemaError(err error) *Error {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		path := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if path == "" {
			path = "params"
		} else {
			path = "params." + strings.ReplaceAll(path, "/", ".")
		}
		return Validation(path, leaf.Message)
	}
	return Validation("params", err.Error())
}
