package dispatch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/events"
	"github.com/previewrun/previewd/internal/eventbus"
	"github.com/previewrun/previewd/internal/githubstate"
	"github.com/previewrun/previewd/internal/identity"
	"github.com/previewrun/previewd/internal/registry"
	"github.com/previewrun/previewd/internal/supervisor"
)

const commitHash = "ffffffffffffffffffffffffffffffffffffffff"

func setup(t *testing.T, ghResponse string) (*Loop, *eventbus.Bus, *eventbus.Subscription) {
	t.Helper()

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
	require.NoError(t, registry.EnsureBinDir())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ghResponse))
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	bus := eventbus.New(zerolog.Nop())
	reg := registry.New(zerolog.Nop())
	super := supervisor.New(zerolog.Nop(), bus, reg, cfg)
	gh := githubstate.NewWithEndpoint(cfg, server.URL)

	loop := New(zerolog.Nop(), bus, super, gh)
	sub := bus.Subscribe()
	t.Cleanup(sub.Unsubscribe)

	return loop, bus, sub
}

const emptyGithubResponse = `{"data":{"repository":{"releases":{"nodes":[]},"pullRequests":{"nodes":[]}}}}`

func TestDispatchStartServicePublishesErrorForUnknownCommit(t *testing.T) {
	loop, _, sub := setup(t, emptyGithubResponse)

	caller := identity.NewAnonymous("frank")
	loop.dispatch(events.NewStartService(events.ArtifactView{Hash: commitHash}, "foobar", caller))

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.TypeError, evt.Type)
		assert.Equal(t, "Executable not found", evt.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestDispatchStopServiceOnUnknownServicePublishesOwnershipError(t *testing.T) {
	loop, _, sub := setup(t, emptyGithubResponse)

	caller := identity.NewAnonymous("frank")
	loop.dispatch(events.NewStopService("does-not-exist", caller))

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.TypeError, evt.Type)
		assert.Equal(t, "You are not the owner of this service", evt.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestDispatchGithubRefreshPublishesNewState(t *testing.T) {
	withRelease := `{"data":{"repository":{"releases":{"nodes":[{"name":"v1","url":"u","tagName":"v1","createdAt":"2026-01-01T00:00:00Z","tagCommit":{"oid":"abc","authoredDate":"2026-01-01T00:00:00Z"}}]},"pullRequests":{"nodes":[]}}}}`
	loop, _, sub := setup(t, withRelease)

	caller := identity.NewAnonymous("frank")
	loop.dispatch(events.NewGithubRefresh(caller))

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.TypeGithubState, evt.Type)
		require.Len(t, evt.Github.Releases, 1)
		assert.Equal(t, "v1", evt.Github.Releases[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for github_state event")
	}
}

func TestDispatchGithubRefreshFailurePublishesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	bus := eventbus.New(zerolog.Nop())
	reg := registry.New(zerolog.Nop())
	super := supervisor.New(zerolog.Nop(), bus, reg, cfg)
	gh := githubstate.NewWithEndpoint(cfg, server.URL)
	loop := New(zerolog.Nop(), bus, super, gh)
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	caller := identity.NewAnonymous("frank")
	loop.dispatch(events.NewGithubRefresh(caller))

	select {
	case evt := <-sub.Events():
		require.Equal(t, events.TypeError, evt.Type)
		assert.Equal(t, "Failed to refresh GitHub data", evt.Message)
		assert.True(t, evt.User.Equal(caller))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}
