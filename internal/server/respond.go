package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"localphotos/internal/access"
	"localphotos/internal/blocks"
	"localphotos/internal/ingest"
	"localphotos/internal/models"
	"localphotos/internal/storage"
)

var (
	errBadRequest  = errs.Class("bad request")
	errMissing     = errs.Class("missing credentials")
	errInvalid     = errs.Class("invalid credentials")
	errRateLimited = errs.Class("rate limited")
)

// errorBody is the only shape of an error sent to clients.
type errorBody struct {
	Error string `json:"error"`
}

type statusBody struct {
	Status string `json:"status"`
}

var statusOK = statusBody{Status: "ok"}

// errorStatus maps an error to its HTTP status and client-visible code.
// Token failures never reach it; callers treat them as anonymous.
func errorStatus(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case access.ErrAuthRequired.Has(err):
		return http.StatusUnauthorized, "auth_required"
	case access.ErrForbiddenAnonymous.Has(err):
		return http.StatusForbidden, "forbidden_anonymous"
	case access.ErrForbidden.Has(err):
		return http.StatusForbidden, "forbidden"
	case models.ErrBadScope.Has(err):
		return http.StatusBadRequest, "bad_scope"
	case ingest.ErrNoFile.Has(err):
		return http.StatusBadRequest, "no_file"
	case ingest.ErrWriteFail.Has(err):
		return http.StatusInternalServerError, "write_fail"
	case ingest.ErrMetaWriteFailed.Has(err):
		return http.StatusInternalServerError, "meta_write_failed"
	case ingest.ErrDBFailed.Has(err):
		return http.StatusInternalServerError, "db"
	case ingest.ErrDeleteFailed.Has(err):
		return http.StatusInternalServerError, "db_delete_failed"
	case storage.ErrNotFound.Has(err):
		return http.StatusNotFound, "not_found"
	case errBadRequest.Has(err), blocks.Error.Has(err):
		return http.StatusBadRequest, "bad_request"
	case errMissing.Has(err):
		return http.StatusBadRequest, "missing"
	case errInvalid.Has(err):
		return http.StatusUnauthorized, "invalid"
	case errRateLimited.Has(err):
		return http.StatusTooManyRequests, "rate_limited"
	}
	return http.StatusInternalServerError, "internal"
}

func (app *App) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		app.errorResponse(w, Error.Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (app *App) errorResponse(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		app.log.Error("request failed", zap.String("code", code), zap.Error(err))
	} else {
		app.log.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}

	data, _ := json.Marshal(errorBody{Error: code})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
