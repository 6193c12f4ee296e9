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

// Package proxy is the catch-all subdomain router: it either redirects a
// commit-hash subdomain to a running (or freshly started) service, forwards
// a known service-name subdomain to its local port, or serves a 404 with a
// link back to the domain root.
//
// Grounded on cuemby-warren's pkg/ingress/proxy.go httputil.NewSingleHostReverseProxy
// + custom Director pattern.
package proxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/hashutil"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/supervisor"
)

type Handler struct {
	log     zerolog.Logger
	cfg     *config.Config
	super   *supervisor.Manager
	cookies *identity.CookieCodec
}

func New(log zerolog.Logger, cfg *config.Config, super *supervisor.Manager, cookies *identity.CookieCodec) *Handler {
	return &Handler{log: log, cfg: cfg, super: super, cookies: cookies}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain, domain, ok := splitHost(r.Host)
	if !ok {
		http.Error(w, "Server error: no request host found", http.StatusInternalServerError)
		return
	}

	if hashutil.IsValidHash(subdomain) {
		h.redirectToService(w, r, domain, subdomain)
		return
	}

	port, ok := h.super.PortOf(subdomain)
	if !ok {
		h.notFound(w, domain)
		return
	}

	h.forward(w, r, port)
}

// redirectToService implements spec.md 4.5 step 2: redirect to an existing
// service for this commit, or synthesize a principal, generate a fresh
// name, dispatch a start, and redirect regardless of eventual readiness.
func (h *Handler) redirectToService(w http.ResponseWriter, r *http.Request, domain, commitHash string) {
	if name, ok := h.super.NameOfCommit(commitHash); ok {
		h.redirect(w, r, name, domain)
		return
	}

	principal, err := h.callerPrincipal(r)
	if err != nil {
		http.Error(w, "Client error: "+err.Error(), http.StatusBadRequest)
		return
	}

	name, err := hashutil.RandomName(h.cfg.Words)
	if err != nil {
		http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.super.Start(name, commitHash, principal)

	h.redirect(w, r, name, domain)
}

// callerPrincipal honors an existing session cookie if present; absent
// one, it synthesizes a fresh anonymous principal. No additional gate is
// added to the implicit-start path, matching the original proxy.rs
// behavior.
func (h *Handler) callerPrincipal(r *http.Request) (identity.Principal, error) {
	if principal, err := h.cookies.Session(r); err == nil {
		return principal, nil
	}

	id, err := hashutil.RandomString()
	if err != nil {
		return identity.Principal{}, fmt.Errorf("synthesize caller: %w", err)
	}
	return identity.NewAnonymous(id), nil
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, name, domain string) {
	http.Redirect(w, r, fmt.Sprintf("https://%s.%s", name, domain), http.StatusTemporaryRedirect)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, port uint16) {
	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		h.log.Warn().Err(err).Msg("upstream proxy error")
		http.Error(w, "Server error: upstream error", http.StatusBadGateway)
	}

	rp.ServeHTTP(w, r)
}

func (h *Handler) notFound(w http.ResponseWriter, domain string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "<h1>No service found on this domain.</h1><h2>Visit <a href=\"https://%s\">%s</a> to view a list of running instances.</h2>", domain, domain)
}

// splitHost splits a Host header into its first dot-segment (subdomain)
// and the remainder (domain).
func splitHost(host string) (subdomain, domain string, ok bool) {
	host = stripPort(host)
	parts := strings.Split(host, ".")
	if len(parts) == 0 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], "."), true
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
