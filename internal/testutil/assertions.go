package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/crowdqc/internal/platform"
)

// AssertStatus asserts the stored status of an assignment in the mock.
func AssertStatus(t *testing.T, client *platform.MockClient, id string, expected platform.Status) {
	t.Helper()
	a, ok := client.Assignment(id)
	require.True(t, ok, "assignment %s not stored", id)
	assert.Equal(t, expected, a.Status, "assignment %s status mismatch", id)
}

// AssertAccepted asserts that exactly the given ids were accepted, in order.
func AssertAccepted(t *testing.T, client *platform.MockClient, ids ...string) {
	t.Helper()
	assert.Equal(t, ids, decisionIDs(client.GetAcceptCalls()), "accepted assignments mismatch")
}

// AssertRejected asserts that exactly the given ids were rejected, in order.
func AssertRejected(t *testing.T, client *platform.MockClient, ids ...string) {
	t.Helper()
	assert.Equal(t, ids, decisionIDs(client.GetRejectCalls()), "rejected assignments mismatch")
}

// AssertRestricted asserts that exactly the given workers were restricted, in order.
func AssertRestricted(t *testing.T, client *platform.MockClient, workers ...string) {
	t.Helper()
	calls := client.GetRestrictCalls()
	var got []string
	for _, c := range calls {
		got = append(got, c.WorkerID)
	}
	assert.Equal(t, workers, got, "restricted workers mismatch")
}

// AssertNoDecisions asserts that the mock saw no accept, reject or restrict call.
func AssertNoDecisions(t *testing.T, client *platform.MockClient) {
	t.Helper()
	assert.Empty(t, client.GetAcceptCalls(), "unexpected accept calls")
	assert.Empty(t, client.GetRejectCalls(), "unexpected reject calls")
	assert.Empty(t, client.GetRestrictCalls(), "unexpected restrict calls")
}

// CreatedTasks returns every task passed to CreateTasks, across calls.
func CreatedTasks(client *platform.MockClient) []platform.Task {
	var tasks []platform.Task
	for _, c := range client.GetCreateCalls() {
		tasks = append(tasks, c.Tasks...)
	}
	return tasks
}

func decisionIDs(calls []platform.MockDecisionCall) []string {
	var ids []string
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	return ids
}
