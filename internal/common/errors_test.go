package common

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", NewValidationError("too many files: %d", 501), http.StatusBadRequest},
		{"not found", NewNotFoundError("batch %s not found", "BATCH_1"), http.StatusNotFound},
		{"conflict", NewConflictError("batch is still processing"), http.StatusConflict},
		{"wrapped not found", fmt.Errorf("failed to load batch: %w", ErrNotFound), http.StatusNotFound},
		{"external", NewExternalServiceError("scorer failed", errors.New("timeout")), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestAppErrorUnwrapsCodeAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewExternalServiceError("extractor call failed", cause)

	assert.ErrorIs(t, err, ErrExternalService)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "extractor call failed: connection reset", err.Error())
	assert.Equal(t, "extractor call failed", Message(err))
}
