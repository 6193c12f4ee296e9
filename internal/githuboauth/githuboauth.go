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

// Package githuboauth is the external OAuth login collaborator: it drives
// the GitHub authorization-code flow and, on success, issues the signed
// session cookie carrying the Authenticated principal.
package githuboauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	githuboauth2 "golang.org/x/oauth2/github"

	"github.com/previewrun/previewd/internal/apperror"
	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/identity"
)

const githubUserURL = "https://api.github.com/user"

type Service struct {
	log    zerolog.Logger
	cfg    *config.Config
	cookie *identity.CookieCodec
	oauth  *oauth2.Config
}

func New(log zerolog.Logger, cfg *config.Config, cookie *identity.CookieCodec) *Service {
	return &Service{
		log:    log,
		cfg:    cfg,
		cookie: cookie,
		oauth: &oauth2.Config{
			ClientID:     cfg.GithubClientID,
			ClientSecret: cfg.GithubClientSecret,
			RedirectURL:  cfg.AuthorizeURL,
			Scopes:       []string{"read:user"},
			Endpoint:     githuboauth2.Endpoint,
		},
	}
}

// Login generates a CSRF token, stores it in the CSRF cookie, and redirects
// to the GitHub authorization URL.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	token := uuid.NewString()

	if err := s.cookie.SetCSRF(w, token); err != nil {
		apperror.Write(&s.log, w, apperror.NewServer("set csrf cookie: %w", err))
		return
	}

	http.Redirect(w, r, s.oauth.AuthCodeURL(token), http.StatusFound)
}

// Logout clears the session cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.cookie.ClearSession(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

// Authorize completes the code exchange, validates the CSRF token, fetches
// the GitHub user profile, and sets the session cookie.
func (s *Service) Authorize(w http.ResponseWriter, r *http.Request) {
	expected, err := s.cookie.CSRF(r)
	if err != nil {
		apperror.Write(&s.log, w, apperror.NewClient("missing CSRF cookie"))
		return
	}

	query := r.URL.Query()
	if query.Get("state") != expected {
		apperror.Write(&s.log, w, apperror.NewClient("invalid CSRF token"))
		return
	}

	token, err := s.oauth.Exchange(r.Context(), query.Get("code"))
	if err != nil {
		apperror.Write(&s.log, w, apperror.NewServer("exchange code: %w", err))
		return
	}

	user, err := s.fetchUser(r.Context(), token)
	if err != nil {
		apperror.Write(&s.log, w, apperror.NewServer("fetch user: %w", err))
		return
	}

	if err := s.cookie.SetSession(w, user.Login, user.Name, user.AvatarURL); err != nil {
		apperror.Write(&s.log, w, apperror.NewServer("set session cookie: %w", err))
		return
	}

	http.Redirect(w, r, "/", http.StatusFound)
}

type githubUser struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

func (s *Service) fetchUser(ctx context.Context, token *oauth2.Token) (githubUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, githubUserURL, nil)
	if err != nil {
		return githubUser{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "etes")
	token.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return githubUser{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var user githubUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return githubUser{}, fmt.Errorf("decode response: %w", err)
	}
	return user, nil
}

