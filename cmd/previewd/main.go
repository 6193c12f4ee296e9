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

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/dispatch"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/githuboauth"
	"github.com/previewrun/previewd/internal/githubstate"
	"github.com/previewrun/previewd/internal/hostmon"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/logging"
	"github.com/previewrun/previewd/internal/observer"
	"github.com/previewrun/previewd/internal/proxy"
	"github.com/previewrun/previewd/internal/registry"
	"github.com/previewrun/previewd/internal/snapshot"
	"github.com/previewrun/previewd/internal/supervisor"
	"github.com/previewrun/previewd/internal/upload"
)

var (
	configFile = flag.String("config", "config.yaml", "path to the YAML config file")
	debug      = flag.Bool("debug", false, "enable debug logging")
	apiAddr    = flag.String("api-addr", "127.0.0.1:3000", "address the management API listens on")
	proxyAddr  = flag.String("proxy-addr", "127.0.0.1:3001", "address the subdomain proxy listens on")
)

func main() {
	flag.Parse()

	log := logging.New(*debug)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := registry.EnsureBinDir(); err != nil {
		log.Fatal().Err(err).Msg("failed to create bin directory")
	}

	bus := eventbus.New(log)
	reg := registry.New(log)
	reg.Scan()

	github := githubstate.New(cfg)
	if _, err := github.Refresh(); err != nil {
		log.Warn().Err(err).Msg("initial github refresh failed, continuing with empty state")
	}

	valid := make(map[string]bool)
	for _, hash := range github.CommitHashes() {
		valid[hash] = true
	}
	reg.Sweep(valid)

	super := supervisor.New(log, bus, reg, cfg)
	monitor := hostmon.New(log, bus)
	cookies := identity.NewCookieCodec(cfg.SessionKey)
	oauth := githuboauth.New(log, cfg, cookies)
	snap := snapshot.New(log, cfg, cookies, github, monitor, reg, super)
	obs := observer.New(log, bus, cookies)
	up := upload.New(log, cfg, bus, reg, github)
	loop := dispatch.New(log, bus, super, github)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go monitor.Run(ctx)
	go loop.Run()

	errc := make(chan error, 2)

	go func() {
		errc <- http.ListenAndServe(*apiAddr, apiRouter(cfg, oauth, snap, obs, up))
	}()

	go func() {
		errc <- http.ListenAndServe(*proxyAddr, proxy.New(log, cfg, super, cookies))
	}()

	log.Info().Str("api", *apiAddr).Str("proxy", *proxyAddr).Msg("previewd listening")

	if err := <-errc; err != nil {
		log.Fatal().Err(err).Msg("listener exited")
	}
}

// apiRouter builds the management listener's route table: OAuth login flow,
// initial-state snapshot, the observer websocket, and artifact upload.
func apiRouter(cfg *config.Config, oauth *githuboauth.Service, snap *snapshot.Handler, obs *observer.Handler, up *upload.Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/etes/login", oauth.Login)
	r.Get("/etes/logout", oauth.Logout)
	r.Get("/etes/authorize", oauth.Authorize)

	r.Get("/etes/api/v1/data/{caller}", snap.ServeHTTP)
	r.Get("/etes/api/v1/ws/{caller}", obs.ServeHTTP)
	r.Put("/etes/api/v1/executable/{trigger_hash}/{build_hash}", up.ServeHTTP)

	if cfg.Favicon != "" {
		r.Get("/favicon.ico", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, cfg.Favicon)
		})
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("Client error: no route for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
	})

	return r
}
