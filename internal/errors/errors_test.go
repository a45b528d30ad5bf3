package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrAuthFailure,
		ErrProbeFailure,
		ErrInvalidCode,
		ErrExpiredCode,
		ErrClientMismatch,
		ErrPKCEFailure,
		ErrUnauthorized,
		ErrUnknownTool,
		ErrCollaboratorTimeout,
		ErrCollaboratorError,
	}
	for i := 0; i < len(sentinels); i++ {
		assert.NotEmpty(t, sentinels[i].Error())
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotErrorIs(t, sentinels[i], sentinels[j],
				"sentinel errors must be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("GET /api/states: %w", ErrCollaboratorTimeout)
	assert.True(t, errors.Is(wrapped, ErrCollaboratorTimeout))
	assert.False(t, errors.Is(wrapped, ErrCollaboratorError),
		"a timeout must never satisfy the generic failure sentinel")
}
