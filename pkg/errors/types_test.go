package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	err := New(ErrCodeValidation, "name is empty")
	assert.Equal(t, "VALIDATION: name is empty", err.Error())

	wrapped := Wrap(fmt.Errorf("dial tcp: refused"), ErrCodeRemote, "remote listProjects failed")
	assert.Equal(t, "REMOTE: remote listProjects failed (caused by: dial tcp: refused)", wrapped.Error())
}

func TestRemoteError(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := RemoteError("uploadAudioFile", cause)

	assert.True(t, Is(err, ErrCodeRemote))
	assert.Equal(t, "uploadAudioFile", Operation(err))
	assert.ErrorIs(t, err, cause)
}

func TestIs_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("creating project: %w", LimitExceeded("project", 3))

	assert.True(t, Is(err, ErrCodeLimitExceeded))
	assert.True(t, IsValidation(err))
	assert.Equal(t, ErrCodeLimitExceeded, GetCode(err))
}

func TestIsValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "validation", err: ValidationError("name", "must not be empty"), want: true},
		{name: "missing field", err: MissingFieldError("name"), want: true},
		{name: "limit exceeded", err: LimitExceeded("project", 3), want: true},
		{name: "remote", err: RemoteError("createProject", stderrors.New("boom")), want: false},
		{name: "plain error", err: stderrors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidation(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorCode
	}{
		{http.StatusUnauthorized, ErrCodeUnauthorized},
		{http.StatusForbidden, ErrCodeUnauthorized},
		{http.StatusNotFound, ErrCodeNotFound},
		{http.StatusConflict, ErrCodeConflict},
		{http.StatusBadRequest, ErrCodeValidation},
		{http.StatusBadGateway, ErrCodeRemote},
		{http.StatusInternalServerError, ErrCodeRemote},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, FromHTTPStatus(tt.status))
		})
	}
}

func TestGetCode_Default(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
	assert.Equal(t, "", Operation(stderrors.New("plain")))
}
