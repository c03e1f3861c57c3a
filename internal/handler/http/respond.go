package httphandler

import (
	"errors"
	"net/http"

	"notification-service/pkg/response"
	"notification-service/pkg/xerrors"
)

// fail maps domain errors onto HTTP statuses so handlers stay thin.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, xerrors.ErrNotificationNotFound),
		errors.Is(err, xerrors.ErrTemplateNotFound),
		errors.Is(err, xerrors.ErrPreferenceNotFound),
		errors.Is(err, xerrors.ErrJobNotFound),
		errors.Is(err, xerrors.ErrNotFound):
		response.Error(w, http.StatusNotFound, err.Error())

	case errors.Is(err, xerrors.ErrConflict),
		errors.Is(err, xerrors.ErrTemplateExists),
		errors.Is(err, xerrors.ErrJobNotRemovable):
		response.Error(w, http.StatusConflict, err.Error())

	case errors.Is(err, xerrors.ErrUnauthorized),
		errors.Is(err, xerrors.ErrInvalidToken),
		errors.Is(err, xerrors.ErrExpiredToken):
		response.Error(w, http.StatusUnauthorized, err.Error())

	case errors.Is(err, xerrors.ErrForbidden):
		response.Error(w, http.StatusForbidden, err.Error())

	case errors.Is(err, xerrors.ErrQueueUnavailable):
		response.Error(w, http.StatusServiceUnavailable, err.Error())

	case errors.Is(err, xerrors.ErrInvalidInput),
		errors.Is(err, xerrors.ErrInvalidType),
		errors.Is(err, xerrors.ErrInvalidPriority),
		errors.Is(err, xerrors.ErrInvalidChannel),
		errors.Is(err, xerrors.ErrContentRequired),
		errors.Is(err, xerrors.ErrRecipientRequired),
		errors.Is(err, xerrors.ErrInvalidTemplate),
		errors.Is(err, xerrors.ErrTemplateInactive),
		errors.Is(err, xerrors.ErrMissingVariable),
		errors.Is(err, xerrors.ErrRenderFailed),
		errors.Is(err, xerrors.ErrQueuePaused):
		response.Error(w, http.StatusBadRequest, err.Error())

	default:
		response.Error(w, http.StatusInternalServerError, err.Error())
	}
}
