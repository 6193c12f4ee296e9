package identity

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Principal
		want bool
	}{
		{"same anonymous id", NewAnonymous("abc"), NewAnonymous("abc"), true},
		{"different anonymous id", NewAnonymous("abc"), NewAnonymous("def"), false},
		{"same github login", NewAuthenticated("octo", "Octo Cat", ""), NewAuthenticated("octo", "Other Name", ""), true},
		{"different github login", NewAuthenticated("octo", "", ""), NewAuthenticated("other", "", ""), false},
		{"anonymous never equals authenticated", NewAnonymous("octo"), NewAuthenticated("octo", "", ""), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
		})
	}
}

func TestIsAdmin(t *testing.T) {
	admins := []string{"octo", "maintainer"}

	assert.True(t, NewAuthenticated("octo", "", "").IsAdmin(admins))
	assert.False(t, NewAuthenticated("rando", "", "").IsAdmin(admins))
	assert.False(t, NewAnonymous("octo").IsAdmin(admins))
}

func TestHashAnonymousRedactsID(t *testing.T) {
	p := NewAnonymous("raw-session-id")
	hashed := p.HashAnonymous()

	assert.True(t, hashed.IsAnonymous())
	assert.NotEqual(t, p.ID(), hashed.ID())
	assert.Len(t, hashed.ID(), 64) // hex-encoded SHA-256
}

func TestHashAnonymousPassesThroughAuthenticated(t *testing.T) {
	p := NewAuthenticated("octo", "Octo Cat", "https://example.com/a.png")
	assert.Equal(t, p, p.HashAnonymous())
}

func TestPrincipalJSONRoundTrip(t *testing.T) {
	tests := []Principal{
		NewAnonymous("opaque-id"),
		NewAuthenticated("octo", "Octo Cat", "https://example.com/a.png"),
	}

	for _, p := range tests {
		data, err := json.Marshal(p)
		require.NoError(t, err)

		var out Principal
		require.NoError(t, json.Unmarshal(data, &out))
		assert.True(t, p.Equal(out))
	}
}

func TestAnonymousMarshalsAsBareString(t *testing.T) {
	data, err := json.Marshal(NewAnonymous("opaque-id"))
	require.NoError(t, err)
	assert.Equal(t, `"opaque-id"`, string(data))
}

func TestCookieCodecSessionRoundTrip(t *testing.T) {
	codec := NewCookieCodec("test-session-key")
	rec := httptest.NewRecorder()

	require.NoError(t, codec.SetSession(rec, "octo", "Octo Cat", "https://example.com/a.png"))

	req := httptest.NewRequest("GET", "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	principal, err := codec.Session(req)
	require.NoError(t, err)
	assert.Equal(t, "octo", principal.Login())
}

func TestCookieCodecSessionMissing(t *testing.T) {
	codec := NewCookieCodec("test-session-key")
	req := httptest.NewRequest("GET", "/", nil)

	_, err := codec.Session(req)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCookieCodecCSRFRoundTrip(t *testing.T) {
	codec := NewCookieCodec("test-session-key")
	rec := httptest.NewRecorder()

	require.NoError(t, codec.SetCSRF(rec, "token-123"))

	req := httptest.NewRequest("GET", "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}

	token, err := codec.CSRF(req)
	require.NoError(t, err)
	assert.Equal(t, "token-123", token)
}
