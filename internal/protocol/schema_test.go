// ABOUTME: Tests for method schema validation and error mapping.
// ABOUTME: Covers required fields, enums, unknown methods, and field paths.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMethod(t *testing.T, name string) *MethodSpec {
	t.Helper()
	spec, ok := LookupMethod(name)
	require.True(t, ok, "method %s must be registered", name)
	return spec
}

func TestLookupMethod_Unknown(t *testing.T) {
	_, ok := LookupMethod("no.such.method")
	assert.False(t, ok)
}

func TestValidateParams_SendRequiresIdempotencyKey(t *testing.T) {
	spec := mustMethod(t, "send")

	err := spec.ValidateParams(json.RawMessage(`{"sessionKey": "s1", "message": "hi"}`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)

	err = spec.ValidateParams(json.RawMessage(`{"sessionKey": "s1", "message": "hi", "idempotencyKey": "k1"}`))
	assert.Nil(t, err)
}

func TestValidateParams_EmptyIdempotencyKeyRejected(t *testing.T) {
	spec := mustMethod(t, "chat.send")

	err := spec.ValidateParams(json.RawMessage(`{"sessionKey": "s1", "message": "hi", "idempotencyKey": ""}`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
	assert.Contains(t, err.Path, "idempotencyKey")
}

func TestValidateParams_ThinkingEnum(t *testing.T) {
	spec := mustMethod(t, "sessions.patch")

	err := spec.ValidateParams(json.RawMessage(`{"sessionKey": "s1", "thinking": "turbo"}`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)

	for _, level := range []string{"off", "minimal", "low", "medium", "high"} {
		err := spec.ValidateParams(json.RawMessage(`{"sessionKey": "s1", "thinking": "` + level + `"}`))
		assert.Nil(t, err, "level %s should validate", level)
	}
}

func TestValidateParams_NilParamsMeansEmptyObject(t *testing.T) {
	spec := mustMethod(t, "sessions.list")
	assert.Nil(t, spec.ValidateParams(nil))
}

func TestValidateParams_NonObjectRejected(t *testing.T) {
	spec := mustMethod(t, "connect")

	err := spec.ValidateParams(json.RawMessage(`[1, 2, 3]`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
}

func TestValidateParams_MalformedJSON(t *testing.T) {
	spec := mustMethod(t, "connect")

	err := spec.ValidateParams(json.RawMessage(`{"token": `))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
}

func TestValidateParams_UnknownFieldRejected(t *testing.T) {
	spec := mustMethod(t, "wake")

	err := spec.ValidateParams(json.RawMessage(`{"text": "up", "bogus": true}`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)
}

func TestIdempotentFlags(t *testing.T) {
	for _, name := range []string{"send", "agent", "chat.send"} {
		spec := mustMethod(t, name)
		assert.True(t, spec.Idempotent, "%s must be idempotent", name)
		assert.True(t, spec.RequiresKey, "%s must require an idempotency key", name)
	}

	connect := mustMethod(t, "connect")
	assert.False(t, connect.Idempotent)
}

func TestParseBridgeLine(t *testing.T) {
	frame, err := ParseBridgeLine([]byte(`{"type": "hello", "nodeId": "n1", "caps": ["canvas"]}`))
	require.Nil(t, err)
	assert.Equal(t, BridgeHello, frame.Type)
	assert.Equal(t, "n1", frame.NodeID)
	assert.Equal(t, []string{"canvas"}, frame.Caps)

	_, err = ParseBridgeLine([]byte(`not json`))
	require.NotNil(t, err)
	assert.Equal(t, CodeValidation, err.Code)

	_, err = ParseBridgeLine([]byte(`{"nodeId": "n1"}`))
	require.NotNil(t, err)
	assert.Equal(t, "type", err.Path)
}

func TestErrorFatalSchema(t *testing.T) {
	assert.True(t, ProtocolViolation("first frame was not connect").Fatal())
	assert.True(t, Transport("read failed").Fatal())
	assert.False(t, Validation("params", "bad").Fatal())
	assert.False(t, MethodNotFound("x").Fatal())
}
