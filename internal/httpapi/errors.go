package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"pnar.online/internal/auth"
	"pnar.online/internal/obs"
)

const (
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeBadRequest       = "bad_request"
	genericInternal      = "internal error"
)

type errorBody struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	CorrelationID string   `json:"correlation_id"`
	Reasons       []string `json:"reasons,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind auth.Kind) int {
	switch {
	case kind.Authentication():
		return http.StatusUnauthorized
	case kind == auth.KindInsufficientRole:
		return http.StatusForbidden
	case kind == auth.KindRateLimited:
		return http.StatusTooManyRequests
	case kind == auth.KindWeakPassword, kind == auth.KindInvalidInput:
		return http.StatusBadRequest
	case kind == auth.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// envelopeFor renders err for the client. Internal errors only carry detail when verbose is set.
func envelopeFor(err error, correlationID string, verbose bool) (int, errorEnvelope) {
	kind := auth.KindOf(err)
	body := errorBody{Code: kind.Code(), CorrelationID: correlationID}

	var ae *auth.Error
	if errors.As(err, &ae) {
		body.Message = ae.Message
		body.Reasons = ae.Reasons
	}
	if kind == auth.KindInternal {
		body.Message = genericInternal
		if verbose {
			body.Message = err.Error()
		}
	}
	if body.Message == "" {
		body.Message = http.StatusText(statusFor(kind))
	}
	return statusFor(kind), errorEnvelope{Error: body}
}

// writeFailure writes the envelope for err. 401 responses advertise the bearer scheme.
func writeFailure(w http.ResponseWriter, err error, correlationID string, verbose bool) int {
	status, env := envelopeFor(err, correlationID, verbose)
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pnar"`)
	}
	writeJSON(w, status, env)
	return status
}

// writeError answers from inside a handler, using the request's correlation id.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if auth.KindOf(err) == auth.KindInternal {
		obs.Logger().Error("handler internal error",
			zap.String("correlation_id", correlationFrom(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeFailure(w, err, correlationFrom(r), a.verbose)
}

func writeStatus(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:          code,
		Message:       msg,
		CorrelationID: correlationFrom(r),
	}})
}

func writeRetryAfter(w http.ResponseWriter, seconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
