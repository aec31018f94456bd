package media

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "voicecall-backend/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Cause
	}{
		{"setup error", NewSetupError(CauseDevice, errors.New("x")), CauseDevice},
		{"permission sentinel", fmt.Errorf("open mic: %w", ErrPermissionDenied), CausePermission},
		{"device sentinel", ErrDeviceUnavailable, CauseDevice},
		{"browser permission name", errors.New("NotAllowedError"), CausePermission},
		{"device busy", errors.New("device or resource busy"), CauseDevice},
		{"negotiation", errors.New("failed to set remote description"), CauseNegotiation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestToAppError(t *testing.T) {
	appErr := ToAppError(ErrPermissionDenied)

	assert.Equal(t, apperrors.ErrCodeMediaSetupFailure, appErr.Code)
	assert.Equal(t, "Microphone access denied", appErr.Message)
	assert.Equal(t, string(CausePermission), appErr.Details)
	assert.ErrorIs(t, appErr, ErrPermissionDenied)
}

func TestConnectionStateEnds(t *testing.T) {
	assert.True(t, StateFailed.Ends())
	assert.True(t, StateClosed.Ends())
	assert.False(t, StateDisconnected.Ends())
	assert.False(t, StateConnected.Ends())
}
