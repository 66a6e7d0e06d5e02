package mgmt

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) authed(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAuth_NoAuthMode(t *testing.T) {
	env := newTestEnv(t, "none", "")
	resp := env.authed(t, "GET", "/api/v1/state", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKeyValid(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")
	resp := env.authed(t, "GET", "/api/v1/state", "Bearer test-secret-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_APIKeyMissing(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")
	resp := env.authed(t, "GET", "/api/v1/state", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing_auth", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_APIKeyInvalid(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")
	resp := env.authed(t, "GET", "/api/v1/state", "Bearer wrong-key")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_api_key", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_WrongScheme(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")
	resp := env.authed(t, "GET", "/api/v1/state", "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_auth_scheme", decode[ProblemDetail](t, resp).Type)
}

func TestAuth_ProbesSkipAuth(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp := env.authed(t, "GET", path, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAuth_ReadOnlyKeyCannotSubmit(t *testing.T) {
	env := newTestEnv(t, "api-key", "test-secret-key")

	resp := env.authed(t, "GET", "/api/v1/usage", "Bearer viewer-key")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.authed(t, "POST", "/api/v1/usage/reset", "Bearer viewer-key")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "insufficient_role", decode[ProblemDetail](t, resp).Type)
	assert.Empty(t, env.engine.submitted)
}
