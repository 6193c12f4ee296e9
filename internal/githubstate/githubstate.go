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

// Package githubstate is the external metadata collaborator: it caches a
// GitHubState snapshot (releases plus PR heads) fetched from the GitHub
// GraphQL API, and feeds the registry GC's valid commit set.
package githubstate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/previewrun/previewd/internal/config"
	"github.com/previewrun/previewd/internal/events"
)

const graphqlEndpoint = "https://api.github.com/graphql"

// query mirrors the upstream query.graphql: releases plus open pull
// requests with their head commit and check-run status.
const query = `
query($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    releases(last: 20) {
      nodes {
        name
        url
        tagName
        createdAt
        tagCommit { oid authoredDate }
      }
    }
    pullRequests(states: OPEN, last: 50) {
      nodes {
        number
        createdAt
        isDraft
        title
        assignees(first: 10) {
          nodes { avatarUrl login name }
        }
        commits(last: 1) {
          nodes {
            commit {
              oid
              authoredDate
              statusCheckRollup { state }
            }
          }
        }
      }
    }
  }
}`

type Manager struct {
	cfg      *config.Config
	state    atomic.Pointer[events.GitHubState]
	http     *http.Client
	endpoint string
}

func New(cfg *config.Config) *Manager {
	return NewWithEndpoint(cfg, graphqlEndpoint)
}

// NewWithEndpoint is New with the GraphQL endpoint overridden, for tests
// that stand in a local server rather than reaching api.github.com.
func NewWithEndpoint(cfg *config.Config, endpoint string) *Manager {
	m := &Manager{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}, endpoint: endpoint}
	empty := events.GitHubState{}
	m.state.Store(&empty)
	return m
}

// State returns the cached snapshot.
func (m *Manager) State() events.GitHubState {
	return *m.state.Load()
}

// CommitHashes feeds the registry GC's valid commit set.
func (m *Manager) CommitHashes() []string {
	return m.State().CommitHashes()
}

// Refresh fetches fresh metadata from the GitHub GraphQL API, replaces the
// cache wholesale, and returns the new state.
func (m *Manager) Refresh() (events.GitHubState, error) {
	state, err := m.fetch(context.Background())
	if err != nil {
		return events.GitHubState{}, fmt.Errorf("github: refresh: %w", err)
	}
	m.state.Store(&state)
	return state, nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlResponse struct {
	Data struct {
		Repository struct {
			Releases struct {
				Nodes []releaseNode `json:"nodes"`
			} `json:"releases"`
			PullRequests struct {
				Nodes []pullNode `json:"nodes"`
			} `json:"pullRequests"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type releaseNode struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	TagName   string    `json:"tagName"`
	CreatedAt time.Time `json:"createdAt"`
	TagCommit struct {
		OID          string    `json:"oid"`
		AuthoredDate time.Time `json:"authoredDate"`
	} `json:"tagCommit"`
}

type pullNode struct {
	Number    int64     `json:"number"`
	CreatedAt time.Time `json:"createdAt"`
	IsDraft   bool      `json:"isDraft"`
	Title     string    `json:"title"`
	Assignees struct {
		Nodes []events.Assignee `json:"nodes"`
	} `json:"assignees"`
	Commits struct {
		Nodes []struct {
			Commit struct {
				OID                string    `json:"oid"`
				AuthoredDate       time.Time `json:"authoredDate"`
				StatusCheckRollup  *struct {
					State string `json:"state"`
				} `json:"statusCheckRollup"`
			} `json:"commit"`
		} `json:"nodes"`
	} `json:"commits"`
}

func (m *Manager) fetch(ctx context.Context) (events.GitHubState, error) {
	body, err := json.Marshal(graphqlRequest{
		Query: query,
		Variables: map[string]any{
			"owner": m.cfg.GithubOwner,
			"name":  m.cfg.GithubRepo,
		},
	})
	if err != nil {
		return events.GitHubState{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return events.GitHubState{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "etes")
	req.Header.Set("Authorization", "Bearer "+m.cfg.GithubToken)

	resp, err := m.http.Do(req)
	if err != nil {
		return events.GitHubState{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return events.GitHubState{}, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return events.GitHubState{}, fmt.Errorf("graphql error: %s", parsed.Errors[0].Message)
	}

	return fromGraphQL(parsed), nil
}

func fromGraphQL(resp graphqlResponse) events.GitHubState {
	releases := make([]events.Release, 0, len(resp.Data.Repository.Releases.Nodes))
	for _, n := range resp.Data.Repository.Releases.Nodes {
		releases = append(releases, events.Release{
			Name:      n.Name,
			URL:       n.URL,
			TagName:   n.TagName,
			CreatedAt: n.CreatedAt,
			Commit:    events.Commit{Date: n.TagCommit.AuthoredDate, Hash: n.TagCommit.OID},
		})
	}

	pulls := make([]events.Pull, 0, len(resp.Data.Repository.PullRequests.Nodes))
	for _, n := range resp.Data.Repository.PullRequests.Nodes {
		if len(n.Commits.Nodes) == 0 {
			continue
		}
		commit := n.Commits.Nodes[0].Commit
		status := events.WorkflowPending
		if commit.StatusCheckRollup != nil {
			status = events.WorkflowStatus(commit.StatusCheckRollup.State)
		}

		pulls = append(pulls, events.Pull{
			Number:    n.Number,
			CreatedAt: n.CreatedAt,
			IsDraft:   n.IsDraft,
			Title:     n.Title,
			Assignees: n.Assignees.Nodes,
			Status:    status,
			Commit:    events.Commit{Date: commit.AuthoredDate, Hash: commit.OID},
		})
	}

	return events.GitHubState{Releases: releases, Pulls: pulls}
}
