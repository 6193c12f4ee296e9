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

// Package events defines the tagged-union Event that flows through the bus,
// plus the small view types (ArtifactView, ServiceView, GitHubState) that
// Events carry across process and wire boundaries.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/previewrun/previewd/internal/identity"
)

type Type string

const (
	TypeGithubRefresh     Type = "github_refresh"
	TypeStartService      Type = "start_service"
	TypeStopService       Type = "stop_service"
	TypeError             Type = "error"
	TypeGithubState       Type = "github_state"
	TypeServiceState      Type = "service_state"
	TypeExecutablesState  Type = "executables_state"
	TypeMemoryState       Type = "memory_state"
)

// ArtifactView is the wire projection of a registry artifact.
type ArtifactView struct {
	Hash        string `json:"hash"`
	TriggerHash string `json:"triggerHash"`
}

type ServiceStatus string

const (
	StatusPending ServiceStatus = "pending"
	StatusRunning ServiceStatus = "running"
	StatusError   ServiceStatus = "error"
)

// ServiceView is the wire projection of a supervised service.
type ServiceView struct {
	Name       string             `json:"name"`
	Port       uint16             `json:"port"`
	Executable ArtifactView       `json:"executable"`
	State      ServiceStatus      `json:"state"`
	Creator    identity.Principal `json:"creator"`
	Error      *string            `json:"error"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// WorkflowStatus mirrors the upstream CI check-run state for a pull request.
type WorkflowStatus string

const (
	WorkflowPending  WorkflowStatus = "PENDING"
	WorkflowError    WorkflowStatus = "ERROR"
	WorkflowExpected WorkflowStatus = "EXPECTED"
	WorkflowFailure  WorkflowStatus = "FAILURE"
	WorkflowSuccess  WorkflowStatus = "SUCCESS"
)

type Commit struct {
	Date time.Time `json:"date"`
	Hash string    `json:"hash"`
}

type Release struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	TagName   string    `json:"tagName"`
	CreatedAt time.Time `json:"createdAt"`
	Commit    Commit    `json:"commit"`
}

type Assignee struct {
	AvatarURL string `json:"avatarUrl"`
	Login     string `json:"login"`
	Name      string `json:"name"`
}

type Pull struct {
	Number    int64          `json:"number"`
	CreatedAt time.Time      `json:"createdAt"`
	IsDraft   bool           `json:"isDraft"`
	Title     string         `json:"title"`
	Assignees []Assignee     `json:"assignees"`
	Status    WorkflowStatus `json:"status"`
	Commit    Commit         `json:"commit"`
}

// GitHubState is the cached snapshot of upstream release/PR metadata.
type GitHubState struct {
	Releases []Release `json:"releases"`
	Pulls    []Pull    `json:"pulls"`
}

// CommitHashes returns every release commit plus every pull request head
// commit whose CI state is Success - the registry GC's valid commit set.
func (s GitHubState) CommitHashes() []string {
	hashes := make([]string, 0, len(s.Releases)+len(s.Pulls))
	for _, r := range s.Releases {
		hashes = append(hashes, r.Commit.Hash)
	}
	for _, p := range s.Pulls {
		if p.Status == WorkflowSuccess {
			hashes = append(hashes, p.Commit.Hash)
		}
	}
	return hashes
}

// Event is the tagged union of every command and state message that crosses
// the bus. Only the fields relevant to Type are meaningful; the zero value
// of the rest is ignored by Marshal/consumers.
type Event struct {
	Type Type

	User identity.Principal // GithubRefresh, StartService, StopService, Error

	Executable ArtifactView // StartService
	Name       string       // StartService, StopService

	Message string // Error

	Github GitHubState // GithubState

	Services []ServiceView // ServiceState

	Executables []ArtifactView // ExecutablesState

	Used  uint64 // MemoryState
	Total uint64 // MemoryState
}

func NewGithubRefresh(user identity.Principal) Event {
	return Event{Type: TypeGithubRefresh, User: user}
}

func NewStartService(executable ArtifactView, name string, user identity.Principal) Event {
	return Event{Type: TypeStartService, Executable: executable, Name: name, User: user}
}

func NewStopService(name string, user identity.Principal) Event {
	return Event{Type: TypeStopService, Name: name, User: user}
}

func NewError(message string, user identity.Principal) Event {
	return Event{Type: TypeError, Message: message, User: user}
}

func NewGithubState(payload GitHubState) Event {
	return Event{Type: TypeGithubState, Github: payload}
}

func NewServiceState(services []ServiceView) Event {
	return Event{Type: TypeServiceState, Services: services}
}

func NewExecutablesState(executables []ArtifactView) Event {
	return Event{Type: TypeExecutablesState, Executables: executables}
}

func NewMemoryState(used, total uint64) Event {
	return Event{Type: TypeMemoryState, Used: used, Total: total}
}

// Caller returns the event's embedded user, if the variant carries one.
func (e Event) Caller() (identity.Principal, bool) {
	switch e.Type {
	case TypeGithubRefresh, TypeStartService, TypeStopService, TypeError:
		return e.User, true
	default:
		return identity.Principal{}, false
	}
}

// Name is the log-friendly event name, distinct from the wire Type for
// StartService (kept as "run" to match the upstream log line wording).
func (e Event) Name() string {
	switch e.Type {
	case TypeStartService:
		return "run"
	default:
		return string(e.Type)
	}
}

// IsClientEvent reports whether e originates from a client (observer
// session) rather than the server; client events are never forwarded
// outward by the bus filter policy.
func (e Event) IsClientEvent() bool {
	switch e.Type {
	case TypeGithubRefresh, TypeStartService, TypeStopService:
		return true
	default:
		return false
	}
}

// ShouldForward applies the consumer-side filter policy from the event bus
// design: client events never forward, Error forwards only to its owner,
// everything else forwards to every observer.
func (e Event) ShouldForward(user identity.Principal) bool {
	switch {
	case e.Type == TypeError:
		return user.Equal(e.User)
	case e.IsClientEvent():
		return false
	default:
		return true
	}
}

// UpdateUser re-stamps the embedded user on the variants that carry one,
// used by the observer session to attach the session's real Principal to a
// client-submitted event before publishing it to the bus.
func (e Event) UpdateUser(user identity.Principal) Event {
	switch e.Type {
	case TypeGithubRefresh, TypeStartService, TypeStopService, TypeError:
		e.User = user
		return e
	default:
		return e
	}
}

type wireEnvelope struct {
	Type        Type                `json:"type"`
	User        *identity.Principal `json:"user,omitempty"`
	Executable  *ArtifactView       `json:"executable,omitempty"`
	Name        *string             `json:"name,omitempty"`
	Message     *string             `json:"message,omitempty"`
	Payload     *GitHubState        `json:"payload,omitempty"`
	Services    []ServiceView       `json:"services,omitempty"`
	Executables []ArtifactView      `json:"executables,omitempty"`
	Used        *uint64             `json:"used,omitempty"`
	Total       *uint64             `json:"total,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	env := wireEnvelope{Type: e.Type}

	switch e.Type {
	case TypeGithubRefresh:
		env.User = &e.User
	case TypeStartService:
		env.Executable = &e.Executable
		env.Name = &e.Name
		env.User = &e.User
	case TypeStopService:
		env.Name = &e.Name
		env.User = &e.User
	case TypeError:
		env.Message = &e.Message
		env.User = &e.User
	case TypeGithubState:
		env.Payload = &e.Github
	case TypeServiceState:
		env.Services = e.Services
		if env.Services == nil {
			env.Services = []ServiceView{}
		}
	case TypeExecutablesState:
		env.Executables = e.Executables
		if env.Executables == nil {
			env.Executables = []ArtifactView{}
		}
	case TypeMemoryState:
		env.Used = &e.Used
		env.Total = &e.Total
	default:
		return nil, fmt.Errorf("events: unknown type %q", e.Type)
	}

	return json.Marshal(env)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("events: %w", err)
	}

	out := Event{Type: env.Type}

	switch env.Type {
	case TypeGithubRefresh:
		if env.User == nil {
			return fmt.Errorf("events: github_refresh missing user")
		}
		out.User = *env.User
	case TypeStartService:
		if env.User == nil || env.Name == nil || env.Executable == nil {
			return fmt.Errorf("events: start_service missing fields")
		}
		out.User, out.Name, out.Executable = *env.User, *env.Name, *env.Executable
	case TypeStopService:
		if env.User == nil || env.Name == nil {
			return fmt.Errorf("events: stop_service missing fields")
		}
		out.User, out.Name = *env.User, *env.Name
	case TypeError:
		if env.User == nil || env.Message == nil {
			return fmt.Errorf("events: error missing fields")
		}
		out.User, out.Message = *env.User, *env.Message
	case TypeGithubState:
		if env.Payload == nil {
			return fmt.Errorf("events: github_state missing payload")
		}
		out.Github = *env.Payload
	case TypeServiceState:
		out.Services = env.Services
	case TypeExecutablesState:
		out.Executables = env.Executables
	case TypeMemoryState:
		if env.Used == nil || env.Total == nil {
			return fmt.Errorf("events: memory_state missing fields")
		}
		out.Used, out.Total = *env.Used, *env.Total
	default:
		return fmt.Errorf("events: unknown type %q", env.Type)
	}

	*e = out
	return nil
}
