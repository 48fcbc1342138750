package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drfirst/go-rxdispense/internal/domain/rxerr"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rxerr.ErrNotFound, http.StatusNotFound},
		{rxerr.ErrVerificationFailed, http.StatusUnprocessableEntity},
		{rxerr.ErrInsufficientStock, http.StatusConflict},
		{rxerr.ErrConcurrentModification, http.StatusConflict},
		{rxerr.ErrInvalidArgument, http.StatusBadRequest},
		{rxerr.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: patient records: circuit open", rxerr.ErrUnavailable), http.StatusServiceUnavailable},
		{rxerr.ErrBatchExpired, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}
