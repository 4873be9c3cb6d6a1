package types

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPErrorFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrAuthenticationRequired, http.StatusUnauthorized},
		{ErrAuthorizationDenied, http.StatusForbidden},
		{ErrTargetNotFound, http.StatusNotFound},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrSessionNotActive, http.StatusConflict},
		{ErrStoreUnavailable, http.StatusServiceUnavailable},
		{ErrNotFound, http.StatusNotFound},
		{ErrBadRequest, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPErrorFor(tt.err); got.Code != tt.code {
			t.Errorf("HTTPErrorFor(%v) = %d, want %d", tt.err, got.Code, tt.code)
		}
	}
}

func TestHTTPErrorForWrapped(t *testing.T) {
	wrapped := fmt.Errorf("%w: hierarchy level 3 is below threshold 6", ErrAuthorizationDenied)
	if got := HTTPErrorFor(wrapped); got.Code != http.StatusForbidden {
		t.Errorf("wrapped taxonomy error mapped to %d, want 403", got.Code)
	}
}
