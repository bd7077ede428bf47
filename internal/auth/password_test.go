// ABOUTME: Tests for bcrypt password helpers
// ABOUTME: Covers round trip, mismatch and empty inputs

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.NoError(t, CheckPassword(hash, "hunter2"))
	assert.ErrorIs(t, CheckPassword(hash, "hunter3"), ErrInvalidCredentials)
}

func TestPasswordEdgeCases(t *testing.T) {
	_, err := HashPassword("")
	assert.Error(t, err)

	assert.ErrorIs(t, CheckPassword("", "anything"), ErrInvalidCredentials, "unset hash disables login")
	assert.ErrorIs(t, CheckPassword("not-a-bcrypt-hash", "anything"), ErrInvalidCredentials)
}
