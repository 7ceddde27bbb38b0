package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonFromCode(t *testing.T) {
	tests := []struct {
		code int
		want DisconnectReason
	}{
		{401, ReasonLoggedOut},
		{500, ReasonBadSession},
		{428, ReasonConnectionClosed},
		{408, ReasonConnectionLost},
		{440, ReasonConnectionReplaced},
		{515, ReasonRestartRequired},
		{411, ReasonMultideviceMismatch},
		{403, ReasonForbidden},
		{503, ReasonUnavailableService},
		{0, ReasonUnrecognized},
		{999, ReasonUnrecognized},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonFromCode(tt.code), "code %d", tt.code)
	}
}

func TestClassOf_EveryReason(t *testing.T) {
	for _, r := range AllReasons() {
		class := ClassOf(r)
		switch r {
		case ReasonLoggedOut, ReasonBadSession:
			assert.Equal(t, CloseInvalidating, class, r.String())
		case ReasonUnrecognized:
			assert.Equal(t, CloseFatal, class, r.String())
		default:
			assert.Equal(t, CloseRetryable, class, r.String())
		}
		assert.NotContains(t, r.String(), "reason(")
	}
}

func TestTransportCloseError(t *testing.T) {
	cause := errors.New("socket reset")
	err := fmt.Errorf("init: %w", &TransportCloseError{Reason: ReasonLoggedOut, Code: 401, Err: cause})

	var tce *TransportCloseError
	require.True(t, errors.As(err, &tce))
	assert.Equal(t, CloseInvalidating, tce.Class())
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "logged_out (code 401)")
}

func TestBackendError_Message(t *testing.T) {
	err := &BackendError{Kind: BackendStatus, StatusCode: 502, Body: "bad gateway"}
	assert.Equal(t, "backend: HTTP 502: bad gateway", err.Error())

	cause := errors.New("dial tcp: refused")
	err = &BackendError{Kind: BackendTransport, Err: cause}
	assert.ErrorIs(t, err, cause)
}
