package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	cause := errors.New("broker down")
	err := fmt.Errorf("enqueue: %w", ErrEnqueueFailure.WithInternal(cause))

	assert.True(t, errors.Is(err, ErrEnqueueFailure))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid input", ErrInvalidInput.WithMessage("image is required"), http.StatusBadRequest, "invalid_input"},
		{"not found wrapped", fmt.Errorf("get job: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{"enqueue failure", ErrEnqueueFailure, http.StatusServiceUnavailable, "enqueue_failure"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ToHTTPError(tt.err)
			assert.Equal(t, tt.wantStatus, status)

			inner, ok := body["error"].(map[string]any)
			assert.True(t, ok)
			assert.Equal(t, tt.wantCode, inner["code"])
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "not_found: Resource not found", ErrNotFound.Error())
	assert.Equal(t,
		"invalid_input: Invalid input (missing file)",
		ErrInvalidInput.WithInternal(errors.New("missing file")).Error(),
	)
}
