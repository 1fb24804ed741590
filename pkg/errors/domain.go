package errors

import (
	stderrors "errors"
	"net/http"

	"groupcall/internal/core/domain"
)

var domainCodes = []struct {
	err    error
	code   ErrorCode
	status int
}{
	{domain.ErrEngineNotReady, ErrCodeEngineNotReady, http.StatusServiceUnavailable},
	{domain.ErrTransportNotFound, ErrCodeTransportNotFound, http.StatusNotFound},
	{domain.ErrProducerNotFound, ErrCodeProducerNotFound, http.StatusNotFound},
	{domain.ErrConsumerNotFound, ErrCodeConsumerNotFound, http.StatusNotFound},
	{domain.ErrCannotConsume, ErrCodeCannotConsume, http.StatusUnprocessableEntity},
	{domain.ErrRoomNotFound, ErrCodeRoomNotFound, http.StatusNotFound},
	{domain.ErrNotAllowed, ErrCodeForbidden, http.StatusForbidden},
	{domain.ErrSessionClosed, ErrCodeSessionClosed, http.StatusGone},
	{domain.ErrInvalidKind, ErrCodeInvalidInput, http.StatusBadRequest},
}

// FromDomain maps an error returned by the core services to an AppError.
// AppErrors already in the chain are returned as is; anything unknown
// becomes INTERNAL_ERROR.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}
	for _, dc := range domainCodes {
		if stderrors.Is(err, dc.err) {
			return WrapError(err, dc.code, err.Error(), dc.status)
		}
	}
	return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
}
