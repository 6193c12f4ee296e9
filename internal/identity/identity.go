// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package identity models the acting Principal (anonymous or
// GitHub-authenticated) and the session cookie that carries it.
package identity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/gorilla/securecookie"
)

type Kind int

const (
	Anonymous Kind = iota
	Authenticated
)

// Principal is either an opaque per-session identity or a GitHub login.
// Two Authenticated principals are equal iff their Login matches; two
// Anonymous principals are equal iff their opaque ID matches.
type Principal struct {
	kind      Kind
	id        string
	login     string
	name      string
	avatarURL string
}

func NewAnonymous(id string) Principal {
	return Principal{kind: Anonymous, id: id}
}

func NewAuthenticated(login, name, avatarURL string) Principal {
	return Principal{kind: Authenticated, login: login, name: name, avatarURL: avatarURL}
}

func (p Principal) IsAnonymous() bool     { return p.kind == Anonymous }
func (p Principal) IsAuthenticated() bool { return p.kind == Authenticated }
func (p Principal) ID() string            { return p.id }
func (p Principal) Login() string         { return p.login }
func (p Principal) Name() string          { return p.name }
func (p Principal) AvatarURL() string     { return p.avatarURL }

func (p Principal) String() string {
	if p.kind == Authenticated {
		return fmt.Sprintf("GitHub(%s)", p.login)
	}
	return fmt.Sprintf("Anonymous(%s)", p.id)
}

// Equal implements the equality rule from the data model: Authenticated
// compares by login, Anonymous compares by opaque id, and the two kinds are
// never equal to each other.
func (p Principal) Equal(other Principal) bool {
	if p.kind != other.kind {
		return false
	}
	if p.kind == Authenticated {
		return p.login == other.login
	}
	return p.id == other.id
}

// IsAdmin reports whether p is Authenticated with a login in admins.
func (p Principal) IsAdmin(admins []string) bool {
	return p.kind == Authenticated && slices.Contains(admins, p.login)
}

// HashAnonymous replaces an Anonymous principal's id with its SHA-256 hex
// digest, so the session identifier is never exposed in a snapshot.
// Authenticated principals pass through unchanged.
func (p Principal) HashAnonymous() Principal {
	if p.kind != Anonymous {
		return p
	}
	return NewAnonymous(sha256Hex(p.id))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA512Key derives a 64-byte key from the configured session key source
// material, matching the original's sha512(session_key) cookie key.
func SHA512Key(sessionKey string) []byte {
	sum := sha512.Sum512([]byte(sessionKey))
	return sum[:]
}

type githubUserJSON struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// MarshalJSON implements the untagged serialization: Authenticated is a JSON
// object, Anonymous is a bare JSON string.
func (p Principal) MarshalJSON() ([]byte, error) {
	if p.kind == Authenticated {
		return json.Marshal(githubUserJSON{Login: p.login, Name: p.name, AvatarURL: p.avatarURL})
	}
	return json.Marshal(p.id)
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*p = NewAnonymous(id)
		return nil
	}

	var gh githubUserJSON
	if err := json.Unmarshal(data, &gh); err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	*p = NewAuthenticated(gh.Login, gh.Name, gh.AvatarURL)
	return nil
}

const (
	SessionCookieName = "SESSION"
	CSRFCookieName    = "CSRF"
)

var ErrNoSession = errors.New("no session cookie")

// CookieCodec encrypts/decrypts the session and CSRF cookies with the
// configured session key, via gorilla/securecookie.
type CookieCodec struct {
	sc *securecookie.SecureCookie
}

func NewCookieCodec(sessionKey string) *CookieCodec {
	key := SHA512Key(sessionKey)
	return &CookieCodec{sc: securecookie.New(key[:32], key[32:])}
}

// SetSession writes the encrypted GitHub identity into the SESSION cookie.
func (c *CookieCodec) SetSession(w http.ResponseWriter, login, name, avatarURL string) error {
	value := githubUserJSON{Login: login, Name: name, AvatarURL: avatarURL}
	encoded, err := c.sc.Encode(SessionCookieName, value)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, sessionCookie(SessionCookieName, encoded, secondsInMonth))
	return nil
}

// ClearSession expires the SESSION cookie.
func (c *CookieCodec) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, sessionCookie(SessionCookieName, "", -1))
}

// Session reads the Authenticated principal from the SESSION cookie, if any.
func (c *CookieCodec) Session(r *http.Request) (Principal, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return Principal{}, ErrNoSession
	}

	var value githubUserJSON
	if err := c.sc.Decode(SessionCookieName, cookie.Value, &value); err != nil {
		return Principal{}, fmt.Errorf("decode session cookie: %w", err)
	}
	return NewAuthenticated(value.Login, value.Name, value.AvatarURL), nil
}

// SetCSRF writes the one-time CSRF token cookie used by the OAuth callback.
func (c *CookieCodec) SetCSRF(w http.ResponseWriter, token string) error {
	encoded, err := c.sc.Encode(CSRFCookieName, token)
	if err != nil {
		return fmt.Errorf("encode csrf cookie: %w", err)
	}
	http.SetCookie(w, sessionCookie(CSRFCookieName, encoded, secondsInHour))
	return nil
}

// CSRF reads the CSRF token cookie. It does not clear the cookie.
func (c *CookieCodec) CSRF(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CSRFCookieName)
	if err != nil {
		return "", ErrNoSession
	}

	var token string
	if err := c.sc.Decode(CSRFCookieName, cookie.Value, &token); err != nil {
		return "", fmt.Errorf("decode csrf cookie: %w", err)
	}
	return token, nil
}

const (
	secondsInHour  = 60 * 60
	secondsInMonth = secondsInHour * 24 * 30
)

func sessionCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
