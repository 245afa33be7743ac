package detection

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/similarity"
	"github.com/thruflo/crowdqc/internal/testutil"
)

type keys map[string]bool

func (k keys) Contains(key string) bool { return k[key] }

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newAdjudicator(t *testing.T, client platform.Client) (*Adjudicator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetLevel(logging.LevelDebug)
	logger.SetOutput(log.New(&buf, "", 0))
	opts := DefaultOptions()
	opts.Client = client
	opts.VerificationPool = testutil.VerificationPool
	opts.Logger = logger
	opts.Now = func() time.Time { return fixedNow }
	return New(opts), &buf
}

func TestProcess_NoObjectsMismatchRejects(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	asg := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(true)), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Payable("2.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)
	client.AddAssignments(asg)
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{asg}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a1"}, out.Rejected)
	assert.Empty(t, out.Passed)
	assert.Empty(t, out.Forwarded)
	assert.Empty(t, client.GetCreateCalls())

	testutil.AssertRestricted(t, client, "w1")
	restrict := client.GetRestrictCalls()[0]
	assert.Equal(t, "Failed control task: c.jpg", restrict.Comment)
	assert.Equal(t, fixedNow.Add(24*time.Hour), restrict.Expiry)

	testutil.AssertRejected(t, client, "a1")
	assert.Equal(t, "Failed control task", client.GetRejectCalls()[0].Comment)
	testutil.AssertStatus(t, client, "a1", platform.StatusRejected)
}

func TestProcess_AllControlsPassForwardsEveryPayable(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	a1 := testutil.PassingDetection("a1", "w1", "1.jpg", "2.jpg", "3.jpg")
	a2 := testutil.PassingDetection("a2", "w2", "4.jpg")
	client.AddAssignments(a1, a2)
	adj, _ := newAdjudicator(t, client)

	ignore := keys{platform.ItemKey("a1", "2.jpg"): true}
	out, err := adj.Process(context.Background(), []platform.Assignment{a1, a2}, ignore)
	require.NoError(t, err)

	assert.Empty(t, out.Rejected)
	assert.Equal(t, []string{"a1", "a2"}, out.Passed)
	assert.Equal(t, 1, out.Skipped)
	testutil.AssertNoDecisions(t, client)

	require.Len(t, client.GetCreateCalls(), 1)
	call := client.GetCreateCalls()[0]
	assert.Equal(t, platform.CreateOptions{AllowDefaults: true, OpenPool: false}, call.Options)

	var got []string
	for _, task := range call.Tasks {
		assert.Equal(t, testutil.VerificationPool, task.PoolID)
		assert.NotNil(t, task.InputValues[platform.FieldSelection])
		id, err := task.CorrelationID()
		require.NoError(t, err)
		image, err := task.Image()
		require.NoError(t, err)
		got = append(got, platform.ItemKey(id, image))
	}
	assert.Equal(t, []string{"a1|1.jpg", "a1|3.jpg", "a2|4.jpg"}, got)
}

func TestProcess_NothingToForward(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	asg := testutil.PassingDetection("a1", "w1")
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{asg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, out.Passed)
	assert.Empty(t, client.GetCreateCalls())
}

func TestProcess_DuplicateAssignmentsProcessedOnce(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	bad := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(false, testutil.SampleBox)), testutil.Answer(true)),
	)
	client.AddAssignments(bad)
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{bad, bad, bad}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, out.Rejected)
	testutil.AssertRejected(t, client, "a1")
	testutil.AssertRestricted(t, client, "w1")
}

func TestProcess_CreateTasksFailure(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	client.SetError(platform.OpCreateTasks, errors.New("unavailable"))
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(),
		[]platform.Assignment{testutil.PassingDetection("a1", "w1", "1.jpg")}, nil)
	require.Error(t, err)
	assert.Empty(t, out.Passed)
	assert.Empty(t, out.Forwarded)
}

func TestProcess_RejectFailureKeepsEarlierRejections(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	failing := func(id, worker string) platform.Assignment {
		return testutil.Detection(id, worker,
			testutil.Solve(testutil.Control("c.jpg", testutil.Answer(true)), testutil.Answer(false, testutil.SampleBox)))
	}
	a1, a2 := failing("a1", "w1"), failing("a2", "w2")
	// a2 is not stored, so the mock fails to reject it.
	client.AddAssignments(a1)
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(),
		[]platform.Assignment{a1, a2, testutil.PassingDetection("a3", "w3", "1.jpg")}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"a1"}, out.Rejected)
	assert.Empty(t, out.Passed)
	assert.Empty(t, client.GetCreateCalls())
}

func TestProcess_CancelledContext(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	adj, _ := newAdjudicator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := adj.Process(ctx, []platform.Assignment{testutil.PassingDetection("a1", "w1", "1.jpg")}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.GetCreateCalls())
}

func TestProcess_MalformedTasksAreWarnings(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	noImage := platform.Task{ID: "broken", KnownSolutions: []platform.Solution{{OutputValues: testutil.Answer(true)}}}
	asg := testutil.Detection("a1", "w1",
		testutil.Solve(noImage, testutil.Answer(true)),
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(false, testutil.SampleBox)), map[string]any{platform.FieldNoObjects: "maybe"}),
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)
	adj, buf := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{asg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, out.Passed)
	assert.Equal(t, 2, out.Malformed)
	require.Len(t, out.Forwarded, 1)
	assert.Equal(t, "1.jpg", out.Forwarded[0].Image)
	assert.Contains(t, buf.String(), "WARN: ignoring malformed micro-task")
	testutil.AssertNoDecisions(t, client)
}

func TestProcess_PolygonPayableIsForwarded(t *testing.T) {
	t.Parallel()

	polygon := []any{map[string]any{
		"shape":  "polygon",
		"points": []any{map[string]any{"left": 0.1, "top": 0.1}, map[string]any{"left": 0.4, "top": 0.3}},
	}}
	client := platform.NewMockClient()
	asg := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(false, testutil.SampleBox)), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Payable("2.jpg"), map[string]any{platform.FieldNoObjects: false, platform.FieldResult: polygon}),
	)
	adj, _ := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{asg}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, out.Passed)
	assert.Zero(t, out.Malformed)
	require.Len(t, out.Forwarded, 2)
	assert.Equal(t, "2.jpg", out.Forwarded[1].Image)
	assert.Equal(t, polygon, out.Forwarded[1].Selection)

	require.Len(t, client.GetCreateCalls(), 1)
	assert.Len(t, client.GetCreateCalls()[0].Tasks, 2)
}

func TestProcess_UnforwardablePayableHoldsSuite(t *testing.T) {
	t.Parallel()

	client := platform.NewMockClient()
	held := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Payable("2.jpg"), map[string]any{platform.FieldNoObjects: "maybe"}),
	)
	ok := testutil.PassingDetection("a2", "w2", "3.jpg")
	adj, buf := newAdjudicator(t, client)

	out, err := adj.Process(context.Background(), []platform.Assignment{held, ok}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, out.Held)
	assert.Equal(t, []string{"a2"}, out.Passed)
	assert.Empty(t, out.Rejected)
	assert.Equal(t, 1, out.Malformed)
	require.Len(t, out.Forwarded, 1)
	assert.Equal(t, "a2|3.jpg", out.Forwarded[0].Key())
	assert.Contains(t, buf.String(), "WARN: suite held")
	testutil.AssertNoDecisions(t, client)
}

func TestProcess_OnEvaluated(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	adj := New(Options{
		Client:      platform.NewMockClient(),
		Workers:     2,
		OnEvaluated: func(Verdict) { calls.Add(1) },
	})

	_, err := adj.Process(context.Background(), []platform.Assignment{
		testutil.PassingDetection("a1", "w1"),
		testutil.PassingDetection("a2", "w2"),
		testutil.PassingDetection("a3", "w3"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	far := similarity.Region{Left: 50, Top: 50, Width: 10, Height: 10, Label: "a"}
	control := func(known, given map[string]any) testutil.Step {
		return testutil.Solve(testutil.Control("c.jpg", known), given)
	}
	payable := testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox))

	tests := []struct {
		name     string
		steps    []testutil.Step
		rejected bool
		tasks    int
	}{
		{
			name:  "identical region passes",
			steps: []testutil.Step{control(testutil.Answer(false, testutil.SampleBox), testutil.Answer(false, testutil.SampleBox)), payable},
			tasks: 1,
		},
		{
			name:  "both report no objects",
			steps: []testutil.Step{control(testutil.Answer(true), testutil.Answer(true)), payable},
			tasks: 1,
		},
		{
			name:     "wrong region scores below threshold",
			steps:    []testutil.Step{payable, control(testutil.Answer(false, testutil.SampleBox), testutil.Answer(false, far))},
			rejected: true,
		},
		{
			name:     "worker reports no objects on a full image",
			steps:    []testutil.Step{control(testutil.Answer(false, testutil.SampleBox), testutil.Answer(true))},
			rejected: true,
		},
		{
			name: "finding one of two boxes still passes",
			steps: []testutil.Step{
				control(testutil.Answer(false, testutil.SampleBox, far), testutil.Answer(false, testutil.SampleBox)),
				payable,
			},
			tasks: 1,
		},
		{
			name: "payable without result is forwarded",
			steps: []testutil.Step{
				testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(true)),
			},
			tasks: 1,
		},
	}

	adj := New(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v := adj.Evaluate(testutil.Detection("a1", "w1", tt.steps...), nil)
			assert.Equal(t, tt.rejected, v.Rejected)
			assert.Len(t, v.Tasks, tt.tasks)
			if tt.rejected {
				assert.Equal(t, "c.jpg", v.FailedImage)
				assert.NotEmpty(t, v.Reason)
			}
		})
	}
}

func TestEvaluate_ZeroFScoreThresholdDisablesGating(t *testing.T) {
	t.Parallel()

	far := similarity.Region{Left: 50, Top: 50, Width: 10, Height: 10, Label: "a"}
	asg := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(false, testutil.SampleBox)), testutil.Answer(false, far)),
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)

	assert.True(t, New(DefaultOptions()).Evaluate(asg, nil).Rejected)

	opts := DefaultOptions()
	opts.FScoreThreshold = 0
	v := New(opts).Evaluate(asg, nil)
	assert.False(t, v.Rejected)
	assert.Len(t, v.Tasks, 1)
}

func TestEvaluate_RejectionDiscardsEarlierTasks(t *testing.T) {
	t.Parallel()

	asg := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Payable("2.jpg"), testutil.Answer(false, testutil.SampleBox)),
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(true)), testutil.Answer(false)),
		testutil.Solve(testutil.Payable("3.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)

	v := New(DefaultOptions()).Evaluate(asg, nil)
	assert.True(t, v.Rejected)
	assert.Empty(t, v.Tasks)
}

func TestEvaluate_IgnoredControlIsNotChecked(t *testing.T) {
	t.Parallel()

	asg := testutil.Detection("a1", "w1",
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(true)), testutil.Answer(false)),
		testutil.Solve(testutil.Payable("1.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)
	ignore := keys{platform.ItemKey("a1", "c.jpg"): true}

	v := New(DefaultOptions()).Evaluate(asg, ignore)
	assert.False(t, v.Rejected)
	assert.Equal(t, 1, v.Skipped)
	require.Len(t, v.Tasks, 1)
	assert.Equal(t, "a1|1.jpg", v.Tasks[0].Key())
}

func TestEvaluate_RejectionOverridesHold(t *testing.T) {
	t.Parallel()

	asg := testutil.Detection("a1", "w1",
		testutil.Solve(platform.Task{ID: "no-image"}, testutil.Answer(false)),
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(true)), testutil.Answer(false, testutil.SampleBox)),
	)

	v := New(DefaultOptions()).Evaluate(asg, nil)
	assert.True(t, v.Rejected)
	assert.False(t, v.Held)
	assert.Len(t, v.Malformed, 1)
}

func TestVerificationTask_Task(t *testing.T) {
	t.Parallel()

	task := VerificationTask{AssignmentID: "a1", Image: "1.jpg"}.Task("pool")
	assert.Equal(t, "pool", task.PoolID)
	assert.Equal(t, map[string]any{
		platform.FieldImage:        "1.jpg",
		platform.FieldAssignmentID: "a1",
	}, task.InputValues)

	withSelection := VerificationTask{AssignmentID: "a1", Image: "1.jpg", Selection: []any{}}.Task("pool")
	assert.Contains(t, withSelection.InputValues, platform.FieldSelection)
}
