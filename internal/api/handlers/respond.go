// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxdispense/internal/api/middleware"
	"github.com/drfirst/go-rxdispense/internal/domain/prescription"
	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// FieldError describes one failed validation rule
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	// report json field names rather than Go names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and runs its validation tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, false)
}

// decodeOptional is decode for endpoints whose body may be absent. An empty
// body, chunked or not, leaves dst at its zero value.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return decodeBody(w, r, dst, true)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]FieldError, 0, len(verrs))
			for _, fe := range verrs {
				field := fe.Namespace()
				if _, rest, ok := strings.Cut(field, "."); ok {
					field = rest
				}
				details = append(details, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Details: details})
			return false
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, rxerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rxerr.ErrSafetyViolation), errors.Is(err, rxerr.ErrVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, rxerr.ErrInsufficientStock),
		errors.Is(err, rxerr.ErrInvalidTransition),
		errors.Is(err, rxerr.ErrInvalidState),
		errors.Is(err, rxerr.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, rxerr.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, rxerr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, rxerr.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError replies with the status for err. Internal failures are logged
// and their text is not sent to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := StatusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var safety *rxerr.SafetyViolationError
	var stock *rxerr.InsufficientStockError
	switch {
	case errors.As(err, &safety):
		resp.Details = map[string]any{"conflicts": safety.Conflicts}
	case errors.As(err, &stock):
		resp.Details = map[string]any{"medicine_ids": stock.MedicineIDs}
	}

	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		resp = ErrorResponse{Error: "internal server error"}
	}
	writeJSON(w, code, resp)
}

func actorFrom(r *http.Request) (prescription.Actor, error) {
	actor, ok := middleware.GetActor(r.Context())
	if !ok {
		return prescription.Actor{}, fmt.Errorf("%w: no authenticated actor", rxerr.ErrForbidden)
	}
	return actor, nil
}
