package apierror_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/sendbridge/sendbridge/internal/apierror"
	"github.com/stretchr/testify/assert"
)

func TestNewAPIError(t *testing.T) {
	details := "wallet row missing"
	apiErr := apierror.NewAPIError(apierror.ErrNotFound, "Wallet not found", details)

	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
	assert.Equal(t, "Wallet not found", apiErr.Message)
	assert.Equal(t, details, apiErr.Details)
	assert.Equal(t, "NOT_FOUND: Wallet not found", apiErr.Error())
}

func TestIsCode(t *testing.T) {
	err := apierror.NewAPIError(apierror.ErrConflict, "duplicate external id", nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.False(t, apierror.IsCode(err, apierror.ErrNotFound))
	assert.False(t, apierror.IsCode(errors.New("plain"), apierror.ErrConflict))
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "NotFound Error",
			err:      apierror.NewAPIError(apierror.ErrNotFound, "Transaction not found", nil),
			expected: http.StatusNotFound,
		},
		{
			name:     "Conflict Error",
			err:      apierror.NewAPIError(apierror.ErrConflict, "Transaction already terminal", nil),
			expected: http.StatusConflict,
		},
		{
			name:     "InvalidInput Error",
			err:      apierror.NewAPIError(apierror.ErrInvalidInput, "Invalid webhook payload", nil),
			expected: http.StatusBadRequest,
		},
		{
			name:     "Unauthorized Error",
			err:      apierror.NewAPIError(apierror.ErrUnauthorized, "Invalid webhook signature", nil),
			expected: http.StatusUnauthorized,
		},
		{
			name:     "InternalServerError",
			err:      apierror.NewAPIError(apierror.ErrInternalServer, "Store failure", nil),
			expected: http.StatusInternalServerError,
		},
		{
			name:     "Unknown Error",
			err:      errors.New("some other error"),
			expected: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, apierror.MapErrorToHTTPStatus(tt.err))
		})
	}
}
