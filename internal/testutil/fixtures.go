package testutil

import (
	"fmt"

	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/similarity"
)

// Pool ids used by fixtures.
const (
	DetectionPool    = "det-pool"
	VerificationPool = "ver-pool"
)

// SampleBox is a 10x10 square at the origin labelled "a".
var SampleBox = similarity.Region{Left: 0, Top: 0, Width: 10, Height: 10, Label: "a"}

// Answer builds detection output values the way the platform returns them.
// With no regions the result field is omitted.
func Answer(noObjects bool, regions ...similarity.Region) map[string]any {
	values := map[string]any{platform.FieldNoObjects: noObjects}
	if len(regions) == 0 {
		return values
	}
	items := make([]any, 0, len(regions))
	for _, r := range regions {
		item := map[string]any{
			"shape":  "rectangle",
			"left":   r.Left,
			"top":    r.Top,
			"width":  r.Width,
			"height": r.Height,
		}
		if r.Label != "" {
			item["label"] = r.Label
		}
		items = append(items, item)
	}
	values[platform.FieldResult] = items
	return values
}

// Vote builds verification output values.
func Vote(label string) map[string]any {
	return map[string]any{platform.FieldResult: label}
}

// Control returns a control micro-task for image with the given known answer.
func Control(image string, known map[string]any) platform.Task {
	return platform.Task{
		ID:             "control-" + image,
		PoolID:         DetectionPool,
		InputValues:    map[string]any{platform.FieldImage: image},
		KnownSolutions: []platform.Solution{{OutputValues: known}},
	}
}

// Payable returns a payable detection micro-task for image.
func Payable(image string) platform.Task {
	return platform.Task{
		ID:          "payable-" + image,
		PoolID:      DetectionPool,
		InputValues: map[string]any{platform.FieldImage: image},
	}
}

// VerificationTask returns a verification micro-task for one item.
func VerificationTask(assignmentID, image string) platform.Task {
	return platform.Task{
		ID:     fmt.Sprintf("verify-%s-%s", assignmentID, image),
		PoolID: VerificationPool,
		InputValues: map[string]any{
			platform.FieldImage:        image,
			platform.FieldAssignmentID: assignmentID,
		},
	}
}

// Step pairs a micro-task with the worker's output for it.
type Step struct {
	Task   platform.Task
	Output map[string]any
}

// Solve pairs task with output.
func Solve(task platform.Task, output map[string]any) Step {
	return Step{Task: task, Output: output}
}

// Detection returns a SUBMITTED detection assignment.
func Detection(id, worker string, steps ...Step) platform.Assignment {
	return assignment(id, worker, DetectionPool, steps)
}

// Verification returns an ACCEPTED verification assignment.
func Verification(id, worker string, steps ...Step) platform.Assignment {
	a := assignment(id, worker, VerificationPool, steps)
	a.Status = platform.StatusAccepted
	return a
}

// Votes returns an ACCEPTED verification assignment in which worker gives
// label to each image of the detection assignment detectionID.
func Votes(id, worker, detectionID, label string, images ...string) platform.Assignment {
	steps := make([]Step, 0, len(images))
	for _, image := range images {
		steps = append(steps, Solve(VerificationTask(detectionID, image), Vote(label)))
	}
	return Verification(id, worker, steps...)
}

// PassingDetection returns a detection assignment whose single control task
// matches the sample box exactly, followed by the given payable images.
func PassingDetection(id, worker string, images ...string) platform.Assignment {
	steps := []Step{Solve(Control("control.jpg", Answer(false, SampleBox)), Answer(false, SampleBox))}
	for _, image := range images {
		steps = append(steps, Solve(Payable(image), Answer(false, SampleBox)))
	}
	return Detection(id, worker, steps...)
}

func assignment(id, worker, pool string, steps []Step) platform.Assignment {
	a := platform.Assignment{
		ID:     id,
		UserID: worker,
		PoolID: pool,
		Status: platform.StatusSubmitted,
	}
	for _, s := range steps {
		a.Tasks = append(a.Tasks, s.Task)
		a.Solutions = append(a.Solutions, platform.Solution{OutputValues: s.Output})
	}
	return a
}
