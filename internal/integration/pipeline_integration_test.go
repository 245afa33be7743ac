//go:build integration

// Package integration runs the pipeline end to end over HTTP.
//
// A fake platform server backed by platform.MockClient stands in for the
// real REST API, so the HTTP client, the pipeline, the file store and the
// status server are all exercised together. To run:
//
//	go test -tags=integration ./internal/integration/...
package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/metrics"
	"github.com/thruflo/crowdqc/internal/pipeline"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/server"
	"github.com/thruflo/crowdqc/internal/state"
	"github.com/thruflo/crowdqc/internal/testutil"
)

const testToken = "integration-token"

// fakePlatform serves the platform REST API from a MockClient.
type fakePlatform struct {
	mock *platform.MockClient

	mu         sync.Mutex
	badAuth    int
	requests   int
	restricted []string
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	t.Helper()
	f := &fakePlatform{mock: platform.NewMockClient()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /assignments", f.listAssignments)
	mux.HandleFunc("GET /tasks", f.listTasks)
	mux.HandleFunc("POST /tasks", f.createTasks)
	mux.HandleFunc("PATCH /assignments/{id}", f.patchAssignment)
	mux.HandleFunc("PUT /user-restrictions", f.restrict)

	srv := httptest.NewServer(f.authenticate(mux))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePlatform) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests++
		ok := r.Header.Get("Authorization") == "OAuth "+testToken
		if !ok {
			f.badAuth++
		}
		f.mu.Unlock()

		if !ok {
			writeError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "bad token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakePlatform) listAssignments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := f.mock.ListAssignments(r.Context(), q.Get("pool_id"), platform.Status(q.Get("status")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writePage(w, items)
}

func (f *fakePlatform) listTasks(w http.ResponseWriter, r *http.Request) {
	items, err := f.mock.ListTasks(r.Context(), r.URL.Query().Get("pool_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writePage(w, items)
}

func (f *fakePlatform) createTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []platform.Task
	if err := json.NewDecoder(r.Body).Decode(&tasks); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	opts := platform.CreateOptions{
		AllowDefaults: r.URL.Query().Get("allow_defaults") == "true",
		OpenPool:      r.URL.Query().Get("open_pool") == "true",
	}
	if err := f.mock.CreateTasks(r.Context(), tasks, opts); err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (f *fakePlatform) patchAssignment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status        platform.Status `json:"status"`
		PublicComment string          `json:"public_comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	id := r.PathValue("id")
	var err error
	switch body.Status {
	case platform.StatusAccepted:
		err = f.mock.AcceptAssignment(r.Context(), id, body.PublicComment)
	case platform.StatusRejected:
		err = f.mock.RejectAssignment(r.Context(), id, body.PublicComment)
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unsupported status")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, "INAPPROPRIATE_STATUS", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakePlatform) restrict(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope          string `json:"scope"`
		UserID         string `json:"user_id"`
		PrivateComment string `json:"private_comment"`
		WillExpire     string `json:"will_expire"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Scope != "ALL_PROJECTS" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "bad restriction")
		return
	}
	expiry, err := time.Parse("2006-01-02T15:04:05", body.WillExpire)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	_ = f.mock.RestrictWorker(r.Context(), body.UserID, body.PrivateComment, expiry)

	f.mu.Lock()
	f.restricted = append(f.restricted, body.UserID)
	f.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func writePage[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"items": items, "has_more": false})
}

func writeError(w http.ResponseWriter, code int, apiCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": apiCode, "message": message})
}

func failingDetection(id, worker string) platform.Assignment {
	return testutil.Detection(id, worker,
		testutil.Solve(testutil.Control("c.jpg", testutil.Answer(false, testutil.SampleBox)), testutil.Answer(true)),
		testutil.Solve(testutil.Payable("x.jpg"), testutil.Answer(false, testutil.SampleBox)),
	)
}

func testConfig(baseURL, stateDir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Platform.BaseURL = baseURL
	cfg.Pools.Detection = testutil.DetectionPool
	cfg.Pools.Verification = testutil.VerificationPool
	cfg.Pipeline.Period = time.Millisecond
	cfg.State.Dir = stateDir
	return &cfg
}

func newHTTPDriver(t *testing.T, baseURL string, store state.Store, reg *prometheus.Registry, onReport func(pipeline.CycleReport)) *pipeline.Driver {
	t.Helper()
	cfg := testConfig(baseURL, t.TempDir())
	client := platform.NewHTTPClient(platform.HTTPClientOptions{
		BaseURL:  cfg.Platform.BaseURL,
		Token:    testToken,
		Timeout:  5 * time.Second,
		PageSize: 2,
	})
	return pipeline.New(pipeline.Options{
		Client:   client,
		Config:   cfg,
		Store:    store,
		Metrics:  metrics.MustNewMetrics(reg),
		OnReport: onReport,
	})
}

func TestPipelineOverHTTP(t *testing.T) {
	fake, api := newFakePlatform(t)
	fake.mock.AddAssignments(
		testutil.PassingDetection("d1", "w1", "1.jpg", "2.jpg"),
		failingDetection("d2", "w2"),
	)

	storeDir := t.TempDir()
	store := state.NewFileStore(storeDir, "integration")
	reg := prometheus.NewRegistry()
	status, err := server.NewServer(&server.Config{Port: 0, Gatherer: reg})
	require.NoError(t, err)

	driver := newHTTPDriver(t, api.URL, store, reg, status.Publish)
	ctx := testutil.CycleContext(t)

	// Cycle 1: d2 fails its control and is rejected, d1 goes to verification.
	report, err := driver.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, report.Detection.Rejected)
	assert.Len(t, report.Detection.Forwarded, 2)

	testutil.AssertRejected(t, fake.mock, "d2")
	assert.Equal(t, []string{"w2"}, fake.restricted)
	created := testutil.CreatedTasks(fake.mock)
	require.Len(t, created, 2)
	for _, task := range created {
		assert.Equal(t, testutil.VerificationPool, task.PoolID)
		aid, err := task.CorrelationID()
		require.NoError(t, err)
		assert.Equal(t, "d1", aid)
	}

	// Cycle 2: five workers approve both images.
	for _, w := range []string{"v1", "v2", "v3", "v4", "v5"} {
		fake.mock.AddAssignments(testutil.Votes("ver-"+w, w, "d1", "OK", "1.jpg", "2.jpg"))
	}
	report, err = driver.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1"}, report.Verification.Accepted)
	testutil.AssertStatus(t, fake.mock, "d1", platform.StatusAccepted)

	// A fresh driver over the same store and platform changes nothing.
	fake.mock.ResetCalls()
	restarted := newHTTPDriver(t, api.URL, store, prometheus.NewRegistry(), nil)
	report, err = restarted.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Cycle)
	testutil.AssertNoDecisions(t, fake.mock)
	assert.Empty(t, fake.mock.GetCreateCalls())

	fake.mu.Lock()
	assert.Zero(t, fake.badAuth)
	assert.Positive(t, fake.requests)
	fake.mu.Unlock()

	// The status server saw the first driver's cycles.
	rec := httptest.NewRecorder()
	status.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st server.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 2, st.Cycle)
	assert.Equal(t, []string{"d1"}, st.Accepted)

	rec = httptest.NewRecorder()
	status.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crowdqc_decisions_total{decision="accepted",stage="verification"} 1`)
}

func TestPipelineOverHTTP_PlatformErrors(t *testing.T) {
	fake, api := newFakePlatform(t)
	fake.mock.AddAssignments(testutil.PassingDetection("d1", "w1", "1.jpg"))
	fake.mock.SetError(platform.OpCreateTasks, assertError("pool closed"))

	store := state.NewMemoryStore()
	driver := newHTTPDriver(t, api.URL, store, prometheus.NewRegistry(), nil)
	ctx := testutil.CycleContext(t)

	_, err := driver.RunCycle(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool closed")

	var apiErr *platform.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	// Once the platform recovers, d1 is forwarded on the next cycle.
	fake.mock.SetError(platform.OpCreateTasks, nil)
	report, err := driver.RunCycle(ctx)
	require.NoError(t, err)
	assert.Len(t, report.Detection.Forwarded, 1)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Cycles)
	require.Len(t, snap.History, 2)
	assert.True(t, strings.Contains(snap.History[0].Error, "pool closed"))
	assert.Empty(t, snap.History[1].Error)
}

type assertError string

func (e assertError) Error() string { return string(e) }
