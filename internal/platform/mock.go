package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Operation names used to inject errors into MockClient.
const (
	OpListAssignments  = "ListAssignments"
	OpListTasks        = "ListTasks"
	OpCreateTasks      = "CreateTasks"
	OpAcceptAssignment = "AcceptAssignment"
	OpRejectAssignment = "RejectAssignment"
	OpRestrictWorker   = "RestrictWorker"
)

// MockClient implements Client in memory for tests.
// Accept and reject calls update the stored assignment's status, so later
// listings reflect earlier decisions the way the real platform does.
// This mock is exported for use by tests in other packages.
type MockClient struct {
	mu sync.Mutex

	assignments []Assignment
	tasks       []Task
	nextTaskID  int

	// errs maps an operation name to the error it returns.
	errs map[string]error

	// Tracking
	listCalls     []MockListCall
	createCalls   []MockCreateCall
	acceptCalls   []MockDecisionCall
	rejectCalls   []MockDecisionCall
	restrictCalls []MockRestrictCall
}

// MockListCall records a ListAssignments call.
type MockListCall struct {
	PoolID string
	Status Status
}

// MockCreateCall records a CreateTasks call.
type MockCreateCall struct {
	Tasks   []Task
	Options CreateOptions
}

// MockDecisionCall records an AcceptAssignment or RejectAssignment call.
type MockDecisionCall struct {
	ID      string
	Comment string
}

// MockRestrictCall records a RestrictWorker call.
type MockRestrictCall struct {
	WorkerID string
	Comment  string
	Expiry   time.Time
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{errs: make(map[string]error)}
}

// AddAssignments stores assignments. An assignment with an existing id
// replaces the stored one.
func (m *MockClient) AddAssignments(assignments ...Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range assignments {
		if i := m.indexOf(a.ID); i >= 0 {
			m.assignments[i] = a
			continue
		}
		m.assignments = append(m.assignments, a)
	}
}

// AddTasks stores tasks without recording a CreateTasks call.
func (m *MockClient) AddTasks(tasks ...Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeTasks(tasks)
}

// SetError makes the named operation fail with err. A nil err clears it.
func (m *MockClient) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, op)
		return
	}
	m.errs[op] = err
}

// Assignment returns the stored assignment with the given id.
func (m *MockClient) Assignment(id string) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(id); i >= 0 {
		return m.assignments[i], true
	}
	return Assignment{}, false
}

// ListAssignments returns stored assignments matching pool and status.
func (m *MockClient) ListAssignments(ctx context.Context, poolID string, status Status) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, MockListCall{PoolID: poolID, Status: status})
	if err := m.errs[OpListAssignments]; err != nil {
		return nil, err
	}

	var out []Assignment
	for _, a := range m.assignments {
		if a.PoolID == poolID && a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListTasks returns stored tasks in the pool.
func (m *MockClient) ListTasks(ctx context.Context, poolID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[OpListTasks]; err != nil {
		return nil, err
	}

	var out []Task
	for _, t := range m.tasks {
		if t.PoolID == poolID {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateTasks records the call and stores the tasks.
func (m *MockClient) CreateTasks(ctx context.Context, tasks []Task, opts CreateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]Task, len(tasks))
	copy(copied, tasks)
	m.createCalls = append(m.createCalls, MockCreateCall{Tasks: copied, Options: opts})
	if err := m.errs[OpCreateTasks]; err != nil {
		return err
	}
	m.storeTasks(tasks)
	return nil
}

// AcceptAssignment records the call and marks the assignment ACCEPTED.
func (m *MockClient) AcceptAssignment(ctx context.Context, id string, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acceptCalls = append(m.acceptCalls, MockDecisionCall{ID: id, Comment: comment})
	if err := m.errs[OpAcceptAssignment]; err != nil {
		return err
	}
	return m.setStatus(id, StatusAccepted)
}

// RejectAssignment records the call and marks the assignment REJECTED.
func (m *MockClient) RejectAssignment(ctx context.Context, id string, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectCalls = append(m.rejectCalls, MockDecisionCall{ID: id, Comment: comment})
	if err := m.errs[OpRejectAssignment]; err != nil {
		return err
	}
	return m.setStatus(id, StatusRejected)
}

// RestrictWorker records the call.
func (m *MockClient) RestrictWorker(ctx context.Context, workerID string, comment string, expiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrictCalls = append(m.restrictCalls, MockRestrictCall{WorkerID: workerID, Comment: comment, Expiry: expiry})
	return m.errs[OpRestrictWorker]
}

// GetListCalls returns a copy of the recorded ListAssignments calls.
func (m *MockClient) GetListCalls() []MockListCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockListCall(nil), m.listCalls...)
}

// GetCreateCalls returns a copy of the recorded CreateTasks calls.
func (m *MockClient) GetCreateCalls() []MockCreateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCreateCall(nil), m.createCalls...)
}

// GetAcceptCalls returns a copy of the recorded AcceptAssignment calls.
func (m *MockClient) GetAcceptCalls() []MockDecisionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDecisionCall(nil), m.acceptCalls...)
}

// GetRejectCalls returns a copy of the recorded RejectAssignment calls.
func (m *MockClient) GetRejectCalls() []MockDecisionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDecisionCall(nil), m.rejectCalls...)
}

// GetRestrictCalls returns a copy of the recorded RestrictWorker calls.
func (m *MockClient) GetRestrictCalls() []MockRestrictCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRestrictCall(nil), m.restrictCalls...)
}

// ResetCalls clears recorded calls but keeps stored data and errors.
func (m *MockClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = nil
	m.createCalls = nil
	m.acceptCalls = nil
	m.rejectCalls = nil
	m.restrictCalls = nil
}

func (m *MockClient) indexOf(id string) int {
	for i, a := range m.assignments {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (m *MockClient) setStatus(id string, status Status) error {
	i := m.indexOf(id)
	if i < 0 {
		return fmt.Errorf("assignment %s not found", id)
	}
	if m.assignments[i].Status != StatusSubmitted {
		return fmt.Errorf("assignment %s is %s, not %s", id, m.assignments[i].Status, StatusSubmitted)
	}
	m.assignments[i].Status = status
	return nil
}

func (m *MockClient) storeTasks(tasks []Task) {
	for _, t := range tasks {
		if t.ID == "" {
			m.nextTaskID++
			t.ID = fmt.Sprintf("task-%d", m.nextTaskID)
		}
		m.tasks = append(m.tasks, t)
	}
}

// Verify MockClient implements Client interface.
var _ Client = (*MockClient)(nil)
