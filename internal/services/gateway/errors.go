package gateway

import (
	"errors"

	"github.com/killallgit/somleng/internal/backend"
	apperrors "github.com/killallgit/somleng/pkg/errors"
)

// normalize turns a backend failure into the gateway's error vocabulary.
// Application errors with a specific meaning pass through untouched.
func normalize(operation, resource, id string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, backend.ErrRowNotFound), errors.Is(err, backend.ErrObjectNotFound):
		return apperrors.NotFound(resource, id).WithCause(err).WithDetail("operation", operation)
	case errors.Is(err, backend.ErrUnauthorized):
		return apperrors.Unauthorized("not signed in or session expired").WithCause(err).WithDetail("operation", operation)
	}

	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeNotFound, apperrors.ErrCodeRemote:
		return err
	}
	return apperrors.RemoteError(operation, err)
}
