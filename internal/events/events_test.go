package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previewrun/previewd/internal/identity"
)

func TestEventJSONRoundTrip(t *testing.T) {
	user := identity.NewAnonymous("caller-1")

	tests := []Event{
		NewGithubRefresh(user),
		NewStartService(ArtifactView{Hash: "bbbb", TriggerHash: "aaaa"}, "happy-otter", user),
		NewStopService("happy-otter", user),
		NewError("boom", user),
		NewGithubState(GitHubState{Releases: []Release{{Name: "v1"}}}),
		NewServiceState([]ServiceView{{Name: "happy-otter"}}),
		NewExecutablesState([]ArtifactView{{Hash: "bbbb", TriggerHash: "aaaa"}}),
		NewMemoryState(10, 20),
	}

	for _, evt := range tests {
		t.Run(string(evt.Type), func(t *testing.T) {
			data, err := evt.MarshalJSON()
			require.NoError(t, err)

			var out Event
			require.NoError(t, out.UnmarshalJSON(data))
			assert.Equal(t, evt.Type, out.Type)
		})
	}
}

func TestEventWireShapeIsFlatTaggedObject(t *testing.T) {
	data, err := NewStopService("happy-otter", identity.NewAnonymous("caller-1")).MarshalJSON()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	assert.Equal(t, "stop_service", raw["type"])
	assert.Equal(t, "happy-otter", raw["name"])
	assert.Equal(t, "caller-1", raw["user"])
}

func TestIsClientEvent(t *testing.T) {
	user := identity.NewAnonymous("caller-1")

	assert.True(t, NewGithubRefresh(user).IsClientEvent())
	assert.True(t, NewStartService(ArtifactView{}, "n", user).IsClientEvent())
	assert.True(t, NewStopService("n", user).IsClientEvent())
	assert.False(t, NewError("boom", user).IsClientEvent())
	assert.False(t, NewMemoryState(0, 0).IsClientEvent())
}

func TestShouldForward(t *testing.T) {
	owner := identity.NewAnonymous("owner")
	other := identity.NewAnonymous("other")

	errEvt := NewError("boom", owner)
	assert.True(t, errEvt.ShouldForward(owner))
	assert.False(t, errEvt.ShouldForward(other))

	clientEvt := NewStartService(ArtifactView{}, "n", owner)
	assert.False(t, clientEvt.ShouldForward(owner))
	assert.False(t, clientEvt.ShouldForward(other))

	stateEvt := NewMemoryState(1, 2)
	assert.True(t, stateEvt.ShouldForward(owner))
	assert.True(t, stateEvt.ShouldForward(other))
}

func TestUpdateUser(t *testing.T) {
	original := identity.NewAnonymous("placeholder")
	real := identity.NewAuthenticated("octo", "Octo Cat", "")

	evt := NewStopService("n", original).UpdateUser(real)
	assert.True(t, evt.User.Equal(real))

	stateEvt := NewMemoryState(1, 2).UpdateUser(real)
	assert.Equal(t, identity.Principal{}, stateEvt.User)
}

func TestCommitHashesIncludesReleasesAndSuccessfulPulls(t *testing.T) {
	state := GitHubState{
		Releases: []Release{{Commit: Commit{Hash: "release-commit"}}},
		Pulls: []Pull{
			{Commit: Commit{Hash: "success-commit"}, Status: WorkflowSuccess},
			{Commit: Commit{Hash: "pending-commit"}, Status: WorkflowPending},
		},
	}

	hashes := state.CommitHashes()
	assert.Contains(t, hashes, "release-commit")
	assert.Contains(t, hashes, "success-commit")
	assert.NotContains(t, hashes, "pending-commit")
}

func TestNameUsesRunForStartService(t *testing.T) {
	evt := NewStartService(ArtifactView{}, "n", identity.Principal{})
	assert.Equal(t, "run", evt.Name())
}
