package githuboauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/identity"
)

func newTestService() *Service {
	cfg := &config.Config{
		GithubClientID:     "client-id",
		GithubClientSecret: "client-secret",
		AuthorizeURL:       "https://example.com/etes/authorize",
	}
	cookies := identity.NewCookieCodec("test-session-key")
	return New(zerolog.Nop(), cfg, cookies)
}

func TestLoginSetsCSRFCookieAndRedirectsToGithub(t *testing.T) {
	s := newTestService()

	req := httptest.NewRequest(http.MethodGet, "/etes/login", nil)
	rec := httptest.NewRecorder()

	s.Login(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, "github.com/login/oauth/authorize")
	assert.Contains(t, location, "client_id=client-id")

	var csrfCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name != "" {
			csrfCookie = c
		}
	}
	require.NotNil(t, csrfCookie)
}

func TestLogoutClearsSessionAndRedirectsHome(t *testing.T) {
	s := newTestService()

	req := httptest.NewRequest(http.MethodGet, "/etes/logout", nil)
	rec := httptest.NewRecorder()

	s.Logout(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	assert.True(t, cookies[0].MaxAge < 0 || cookies[0].Expires.Unix() < 0)
}

func TestAuthorizeMissingCSRFCookieRejected(t *testing.T) {
	s := newTestService()

	req := httptest.NewRequest(http.MethodGet, "/etes/authorize?state=whatever&code=abc", nil)
	rec := httptest.NewRecorder()

	s.Authorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeMismatchedCSRFTokenRejected(t *testing.T) {
	s := newTestService()

	loginReq := httptest.NewRequest(http.MethodGet, "/etes/login", nil)
	loginRec := httptest.NewRecorder()
	s.Login(loginRec, loginReq)

	req := httptest.NewRequest(http.MethodGet, "/etes/authorize?state=not-the-real-token&code=abc", nil)
	for _, c := range loginRec.Result().Cookies() {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()

	s.Authorize(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
