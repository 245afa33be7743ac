package platform

import (
	"errors"
	"fmt"

	"github.com/thruflo/crowdqc/internal/similarity"
)

// ErrMalformed is wrapped by every decoding error caused by a missing or
// mistyped field on a task or solution.
var ErrMalformed = errors.New("malformed record")

// Status is the lifecycle state of an assignment.
type Status string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
)

// Field names used in task inputs and solution outputs.
const (
	FieldImage        = "image"
	FieldAssignmentID = "assignment_id"
	FieldSelection    = "selection"
	FieldResult       = "result"
	// FieldNoObjects is the "no objects to outline" checkbox.
	FieldNoObjects = "path"
)

// Solution holds the output values of one answered task.
type Solution struct {
	OutputValues map[string]any `json:"output_values"`
}

// Task is one micro-task. Tasks with known solutions are control tasks.
type Task struct {
	ID             string         `json:"id,omitempty"`
	PoolID         string         `json:"pool_id"`
	InputValues    map[string]any `json:"input_values"`
	KnownSolutions []Solution     `json:"known_solutions,omitempty"`
}

// IsControl reports whether the task carries a known answer.
func (t Task) IsControl() bool {
	return len(t.KnownSolutions) > 0
}

// Image returns the task's image path.
func (t Task) Image() (string, error) {
	return stringField(t.InputValues, FieldImage)
}

// CorrelationID returns the originating detection assignment id of a
// verification task.
func (t Task) CorrelationID() (string, error) {
	return stringField(t.InputValues, FieldAssignmentID)
}

// Truth decodes the first known solution of a control task.
func (t Task) Truth() (DetectionAnswer, error) {
	if !t.IsControl() {
		return DetectionAnswer{}, fmt.Errorf("%w: task %s has no known solution", ErrMalformed, t.ID)
	}
	return DecodeDetection(t.KnownSolutions[0].OutputValues)
}

// Assignment is a worker's submission for a whole suite.
type Assignment struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	PoolID    string     `json:"pool_id"`
	Status    Status     `json:"status"`
	Tasks     []Task     `json:"tasks"`
	Solutions []Solution `json:"solutions"`
}

// Pair is a task together with the worker's solution for it.
type Pair struct {
	Index    int
	Task     Task
	Solution Solution
}

// Pairs zips tasks with solutions by index. Unpaired tasks on either side
// are dropped.
func (a Assignment) Pairs() []Pair {
	n := min(len(a.Tasks), len(a.Solutions))
	pairs := make([]Pair, 0, n)
	for i := 0; i < n; i++ {
		pairs = append(pairs, Pair{Index: i, Task: a.Tasks[i], Solution: a.Solutions[i]})
	}
	return pairs
}

// ItemKey identifies one verification item: an image within the detection
// assignment it came from.
func ItemKey(assignmentID, image string) string {
	return assignmentID + "|" + image
}

// DetectionAnswer is a decoded detection-stage output.
type DetectionAnswer struct {
	Regions   []similarity.Region
	NoObjects bool
	// HasResult is false when the output has no result field at all.
	HasResult bool
	// Raw is the undecoded result value, forwarded as the verification
	// task's selection.
	Raw any
}

// DecodeSelection reads the no-objects flag and the raw result without
// interpreting the result's shapes. Regions is always nil.
func DecodeSelection(values map[string]any) (DetectionAnswer, error) {
	var ans DetectionAnswer

	if v, ok := values[FieldNoObjects]; ok && v != nil {
		b, ok := v.(bool)
		if !ok {
			return ans, fmt.Errorf("%w: %s is %T, want bool", ErrMalformed, FieldNoObjects, v)
		}
		ans.NoObjects = b
	}

	if raw, ok := values[FieldResult]; ok && raw != nil {
		ans.HasResult = true
		ans.Raw = raw
	}
	return ans, nil
}

// DecodeDetection decodes the rectangles and no-objects flag from output values.
func DecodeDetection(values map[string]any) (DetectionAnswer, error) {
	ans, err := DecodeSelection(values)
	if err != nil || !ans.HasResult {
		return ans, err
	}

	raw := ans.Raw
	items, ok := raw.([]any)
	if !ok {
		return ans, fmt.Errorf("%w: %s is %T, want list", ErrMalformed, FieldResult, raw)
	}
	ans.Regions = make([]similarity.Region, 0, len(items))
	for i, item := range items {
		r, err := decodeRegion(item)
		if err != nil {
			return ans, fmt.Errorf("%s[%d]: %w", FieldResult, i, err)
		}
		ans.Regions = append(ans.Regions, r)
	}
	return ans, nil
}

// DecodeLabel returns the verification verdict label from output values.
func DecodeLabel(values map[string]any) (string, error) {
	return stringField(values, FieldResult)
}

func decodeRegion(item any) (similarity.Region, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return similarity.Region{}, fmt.Errorf("%w: region is %T, want object", ErrMalformed, item)
	}
	var r similarity.Region
	var err error
	if r.Left, err = numberField(m, "left"); err != nil {
		return r, err
	}
	if r.Top, err = numberField(m, "top"); err != nil {
		return r, err
	}
	if r.Width, err = numberField(m, "width"); err != nil {
		return r, err
	}
	if r.Height, err = numberField(m, "height"); err != nil {
		return r, err
	}
	if label, ok := m["label"]; ok && label != nil {
		s, ok := label.(string)
		if !ok {
			return r, fmt.Errorf("%w: label is %T, want string", ErrMalformed, label)
		}
		r.Label = s
	}
	return r, nil
}

func numberField(m map[string]any, key string) (float64, error) {
	switch v := m[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, key)
	default:
		return 0, fmt.Errorf("%w: %s is %T, want number", ErrMalformed, key, v)
	}
}

func stringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrMalformed, key, v)
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty %s", ErrMalformed, key)
	}
	return s, nil
}
