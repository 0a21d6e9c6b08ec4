package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserID(t *testing.T) {
	uid, err := NewUserID("alice")
	require.NoError(t, err)
	assert.Equal(t, UserID("alice"), uid)

	_, err = NewUserID("")
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	_, err = NewUserID(strings.Repeat("x", MaxUserIDLen+1))
	assert.ErrorIs(t, err, ErrUserIDTooLong)
}

func TestParseCallType(t *testing.T) {
	ct, err := ParseCallType("audio")
	require.NoError(t, err)
	assert.Equal(t, CallTypeAudio, ct)
	assert.False(t, ct.IsVideo())

	ct, err = ParseCallType("video")
	require.NoError(t, err)
	assert.True(t, ct.IsVideo())

	_, err = ParseCallType("hologram")
	assert.ErrorIs(t, err, ErrUnknownCallType)

	_, err = ParseCallType("")
	assert.ErrorIs(t, err, ErrUnknownCallType)
}
