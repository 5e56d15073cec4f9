package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	apikeydomain "github.com/buttermb/delviery-sub007/internal/apikey/domain"
	"github.com/buttermb/delviery-sub007/internal/authorization"
	creditdomain "github.com/buttermb/delviery-sub007/internal/credit/domain"
	customerdomain "github.com/buttermb/delviery-sub007/internal/customer/domain"
	"github.com/buttermb/delviery-sub007/internal/identity"
	tenantdomain "github.com/buttermb/delviery-sub007/internal/tenant/domain"
)

func abortStatus(t *testing.T, err error) (int, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	AbortWithError(c, err)

	var body struct {
		Error APIError `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return recorder.Code, body.Error.Code
}

func TestAbortWithErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", tenantdomain.ErrInvalidName, http.StatusBadRequest},
		{"bad page token", creditdomain.ErrInvalidQuantity, http.StatusBadRequest},
		{"unauthorized", ErrUnauthorized, http.StatusUnauthorized},
		{"bad api token", apikeydomain.ErrInvalidToken, http.StatusUnauthorized},
		{"unknown user", identity.ErrUnknownUser, http.StatusUnauthorized},
		{"forbidden", authorization.ErrForbidden, http.StatusForbidden},
		{"scope miss", authorization.ErrNotFound, http.StatusNotFound},
		{"tenant missing", tenantdomain.ErrTenantNotFound, http.StatusNotFound},
		{"customer missing", customerdomain.ErrCustomerNotFound, http.StatusNotFound},
		{"key missing", apikeydomain.ErrKeyNotFound, http.StatusNotFound},
		{"slug conflict", tenantdomain.ErrDuplicateSlug, http.StatusConflict},
		{"last owner", tenantdomain.ErrLastOwner, http.StatusConflict},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"unknown error", errors.New("database exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := abortStatus(t, tc.err)
		if status != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, status, tc.want)
		}
	}
}

func TestAbortWithErrorHidesInternals(t *testing.T) {
	status, code := abortStatus(t, errors.New("pq: connection refused host=10.0.0.5"))
	if status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", status)
	}
	if code != "internal_error" {
		t.Fatalf("code = %q, want internal_error", code)
	}
}

func TestAbortWithErrorKeepsAPIErrorStatus(t *testing.T) {
	status, code := abortStatus(t, newValidationError("email", "invalid_email", "email is malformed"))
	if status != http.StatusBadRequest || code != "invalid_email" {
		t.Fatalf("got %d/%q, want 400/invalid_email", status, code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := newRateLimiter(2, 50*time.Millisecond)

	if !limiter.Allow("caller") || !limiter.Allow("caller") {
		t.Fatalf("first two requests should pass")
	}
	if limiter.Allow("caller") {
		t.Fatalf("third request should be limited")
	}
	// Other callers have their own window.
	if !limiter.Allow("other") {
		t.Fatalf("distinct caller should pass")
	}
	// The empty key never passes; it means we failed to identify the caller.
	if limiter.Allow("") {
		t.Fatalf("empty key should be rejected")
	}
}
