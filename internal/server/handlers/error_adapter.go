package handlers

import (
	"errors"
	"net/http"
	"os"

	apperrors "github.com/3leaps/gantry/internal/errors"
)

// HTTPErrorResponder converts an error into an HTTP response. Tests
// install their own responder to observe errors without asserting on
// the wire format.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = defaultHTTPErrorResponder

// SetHTTPErrorResponder installs a custom responder. Passing nil
// restores the default.
func SetHTTPErrorResponder(responder HTTPErrorResponder) {
	if responder == nil {
		httpErrorResponder = defaultHTTPErrorResponder
		return
	}
	httpErrorResponder = responder
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = defaultHTTPErrorResponder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}

func defaultHTTPErrorResponder(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, os.ErrNotExist) {
		apperrors.RespondWithError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	apperrors.RespondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
}
