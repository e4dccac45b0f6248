package adc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMock_Close tests that a closed mock rejects reads and can reconnect.
func TestMock_Close(t *testing.T) {
	mock := NewMock(nil, nil)
	assert.NoError(t, mock.Connect())
	assert.Error(t, mock.Connect(), "second connect should fail")
	assert.True(t, mock.IsConnected())

	assert.NoError(t, mock.Close())
	assert.False(t, mock.IsConnected())

	var r Reading
	assert.ErrorIs(t, mock.Read(&r), ErrNotConnected)

	assert.NoError(t, mock.Close(), "close should be idempotent")
	assert.NoError(t, mock.Connect())
}
