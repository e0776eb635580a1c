// ABOUTME: Tests for the error taxonomy.
// ABOUTME: Verifies which codes condemn a connection versus fail a request.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFatal(t *testing.T) {
	assert.True(t, ProtocolViolation("first frame must be connect").Fatal())

	assert.False(t, Validation("params", "bad").Fatal())
	assert.False(t, CapacityExceeded("too big").Fatal())
	assert.False(t, Transport("node dropped").Fatal())
	assert.False(t, Timeout("invoke").Fatal())
	assert.False(t, Internal("boom").Fatal())
}
