package proxy

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/registry"
	"github.com/previewrun/previewd/internal/supervisor"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
	require.NoError(t, registry.EnsureBinDir())

	cfg := &config.Config{Words: []string{"red", "green", "blue", "violet"}}
	bus := eventbus.New(zerolog.Nop())
	reg := registry.New(zerolog.Nop())
	super := supervisor.New(zerolog.Nop(), bus, reg, cfg)
	cookies := identity.NewCookieCodec("test-session-key")

	return New(zerolog.Nop(), cfg, super, cookies)
}

func TestSplitHost(t *testing.T) {
	tests := []struct {
		host          string
		wantSub       string
		wantDomain    string
		wantOK        bool
	}{
		{"ffff.example.com", "ffff", "example.com", true},
		{"ffff.example.com:8080", "ffff", "example.com", true},
		{"nope.example.com", "nope", "example.com", true},
		{"", "", "", false},
	}

	for _, tt := range tests {
		sub, domain, ok := splitHost(tt.host)
		assert.Equal(t, tt.wantOK, ok)
		if ok {
			assert.Equal(t, tt.wantSub, sub)
			assert.Equal(t, tt.wantDomain, domain)
		}
	}
}

func TestUnknownSubdomainReturns404WithLinkBack(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "http://nope.example.com/", nil)
	req.Host = "nope.example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://example.com")
}

func TestImplicitStartRedirectsRegardlessOfReadiness(t *testing.T) {
	h := newTestHandler(t)
	commit := "ffffffffffffffffffffffffffffffffffffffff"

	req := httptest.NewRequest(http.MethodGet, "http://"+commit+".example.com/", nil)
	req.Host = commit + ".example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location := rec.Header().Get("Location")
	assert.Contains(t, location, ".example.com")

	// No artifact exists for this commit, so the supervisor publishes an
	// Error and never registers the name - the redirect still happens
	// immediately either way, which is the behavior under test here.
	_, ok := h.super.NameOfCommit(commit)
	assert.False(t, ok)
}

func TestRedirectReusesExistingServiceName(t *testing.T) {
	h := newTestHandler(t)
	commit := "ffffffffffffffffffffffffffffffffffffffff"

	// Register an artifact for commit so Start records a service under
	// existing-name. The file is not executable, so the service lands in the
	// Error state without a child process, but it is still in the map.
	require.NoError(t, os.WriteFile(registry.Path(commit, commit), []byte("not an executable"), 0o755))
	reg := registry.New(zerolog.Nop())
	reg.Scan()
	h.super = supervisor.New(zerolog.Nop(), eventbus.New(zerolog.Nop()), reg, h.cfg)

	h.super.Start("existing-name", commit, identity.NewAnonymous("frank"))

	req := httptest.NewRequest(http.MethodGet, "http://"+commit+".example.com/", nil)
	req.Host = commit + ".example.com"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "existing-name.example.com")
}
