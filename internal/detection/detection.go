// Package detection gates submitted detection suites on their control tasks
// and forwards the payable answers of passing suites to verification.
package detection

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/similarity"
)

// Defaults for Options.
const (
	DefaultFScoreThreshold = 0.5
	DefaultRestriction     = 24 * time.Hour
	DefaultRejectComment   = "Failed control task"
	DefaultWorkers         = 4
)

// Exclusions reports whether a key has already been handled.
type Exclusions interface {
	Contains(key string) bool
}

// VerificationTask is a payable answer forwarded to the verification pool.
type VerificationTask struct {
	AssignmentID string
	Image        string
	// Selection is the worker's raw result, nil when they submitted none.
	Selection any
}

// Key returns the verification item key.
func (t VerificationTask) Key() string {
	return platform.ItemKey(t.AssignmentID, t.Image)
}

// Task converts t into a platform task for the given pool.
func (t VerificationTask) Task(poolID string) platform.Task {
	input := map[string]any{
		platform.FieldImage:        t.Image,
		platform.FieldAssignmentID: t.AssignmentID,
	}
	if t.Selection != nil {
		input[platform.FieldSelection] = t.Selection
	}
	return platform.Task{PoolID: poolID, InputValues: input}
}

// Verdict is the pure evaluation of one assignment.
type Verdict struct {
	AssignmentID string
	WorkerID     string
	Rejected     bool
	// FailedImage and Reason describe the control task that rejected the suite.
	FailedImage string
	Reason      string
	Tasks       []VerificationTask
	Skipped     int
	// Malformed holds one message per micro-task that contributed nothing.
	Malformed []string
	// Held is set when a payable answer could not be forwarded. A held
	// suite is neither passed nor rejected and nothing of it is forwarded.
	Held bool
}

// Outcome summarises one Process call.
type Outcome struct {
	Forwarded []VerificationTask
	Rejected  []string
	// Passed lists assignments that were not rejected, forwarded or not.
	Passed []string
	// Held lists assignments left undecided because a payable answer could
	// not be forwarded. They are evaluated again next cycle.
	Held      []string
	Skipped   int
	Malformed int
}

// Options configures an Adjudicator.
type Options struct {
	Client           platform.Client
	VerificationPool string
	Similarity       similarity.Options
	FScoreThreshold  float64
	Restriction      time.Duration
	RejectComment    string
	Workers          int
	Logger           *logging.Logger
	// Now is used for restriction expiry. Defaults to time.Now.
	Now func() time.Time
	// OnEvaluated is called once per evaluated assignment, possibly from
	// several goroutines.
	OnEvaluated func(Verdict)
}

// Adjudicator applies control-task gating to detection assignments.
type Adjudicator struct {
	client      platform.Client
	pool        string
	sim         similarity.Options
	threshold   float64
	restriction time.Duration
	comment     string
	workers     int
	log         *logging.Logger
	now         func() time.Time
	onEvaluated func(Verdict)
}

// DefaultOptions returns the production thresholds and limits.
func DefaultOptions() Options {
	return Options{
		Similarity:      similarity.DefaultOptions(),
		FScoreThreshold: DefaultFScoreThreshold,
		Restriction:     DefaultRestriction,
		RejectComment:   DefaultRejectComment,
		Workers:         DefaultWorkers,
	}
}

// New creates an Adjudicator. Thresholds are used as given, so a zero
// FScoreThreshold disables score gating. Other zero values take the package
// defaults; a zero Restriction means the default, not an unbounded one.
func New(opts Options) *Adjudicator {
	a := &Adjudicator{
		client:      opts.Client,
		pool:        opts.VerificationPool,
		sim:         opts.Similarity,
		threshold:   opts.FScoreThreshold,
		restriction: opts.Restriction,
		comment:     opts.RejectComment,
		workers:     opts.Workers,
		log:         logging.OrDefault(opts.Logger).With("stage", "detection"),
		now:         opts.Now,
		onEvaluated: opts.OnEvaluated,
	}
	if a.restriction == 0 {
		a.restriction = DefaultRestriction
	}
	if a.comment == "" {
		a.comment = DefaultRejectComment
	}
	if a.workers <= 0 {
		a.workers = DefaultWorkers
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Evaluate walks the assignment's micro-tasks in order. It has no side effects.
// Payable answers are forwarded as submitted; only control answers are
// decoded into regions.
func (a *Adjudicator) Evaluate(asg platform.Assignment, ignore Exclusions) Verdict {
	v := Verdict{AssignmentID: asg.ID, WorkerID: asg.UserID}

	for _, p := range asg.Pairs() {
		control := p.Task.IsControl()
		image, err := p.Task.Image()
		if err != nil {
			v.malformed(!control, fmt.Sprintf("task %d: %v", p.Index, err))
			continue
		}
		if ignore != nil && ignore.Contains(platform.ItemKey(asg.ID, image)) {
			v.Skipped++
			continue
		}

		if !control {
			sel, err := platform.DecodeSelection(p.Solution.OutputValues)
			if err != nil {
				v.malformed(true, fmt.Sprintf("answer for %s: %v", image, err))
				continue
			}
			v.Tasks = append(v.Tasks, VerificationTask{
				AssignmentID: asg.ID,
				Image:        image,
				Selection:    sel.Raw,
			})
			continue
		}

		answer, err := platform.DecodeDetection(p.Solution.OutputValues)
		if err != nil {
			v.malformed(false, fmt.Sprintf("answer for %s: %v", image, err))
			continue
		}
		truth, err := p.Task.Truth()
		if err != nil {
			v.malformed(false, fmt.Sprintf("known solution for %s: %v", image, err))
			continue
		}

		if answer.NoObjects != truth.NoObjects {
			return rejected(v, image, "no-objects flag mismatch")
		}
		if truth.NoObjects {
			continue
		}
		if score := similarity.Score(truth.Regions, answer.Regions, a.sim); score < a.threshold {
			return rejected(v, image, fmt.Sprintf("score %.3f below %.3f", score, a.threshold))
		}
	}

	if v.Held {
		v.Tasks = nil
	}
	return v
}

func (v *Verdict) malformed(payable bool, msg string) {
	v.Malformed = append(v.Malformed, msg)
	if payable {
		v.Held = true
	}
}

func rejected(v Verdict, image, reason string) Verdict {
	v.Rejected = true
	v.Held = false
	v.FailedImage = image
	v.Reason = reason
	v.Tasks = nil
	return v
}

// Process evaluates assignments in parallel, then rejects failing suites and
// creates the verification tasks of passing ones in a single batch.
// Assignment ids repeated in the input are processed once.
//
// On a platform error the returned Outcome lists only the rejections already
// applied, so the caller can record them before retrying.
func (a *Adjudicator) Process(ctx context.Context, assignments []platform.Assignment, ignore Exclusions) (Outcome, error) {
	unique := dedupe(assignments)
	verdicts := make([]Verdict, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range unique {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			verdicts[i] = a.Evaluate(unique[i], ignore)
			if a.onEvaluated != nil {
				a.onEvaluated(verdicts[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	for _, v := range verdicts {
		out.Skipped += v.Skipped
		out.Malformed += len(v.Malformed)
		for _, msg := range v.Malformed {
			a.log.Warn("ignoring malformed micro-task", "assignment", v.AssignmentID, "detail", msg)
		}

		if v.Held {
			a.log.Warn("suite held, payable answer cannot be forwarded", "assignment", v.AssignmentID)
			out.Held = append(out.Held, v.AssignmentID)
			continue
		}
		if !v.Rejected {
			out.Passed = append(out.Passed, v.AssignmentID)
			out.Forwarded = append(out.Forwarded, v.Tasks...)
			continue
		}

		if err := a.reject(ctx, v); err != nil {
			out.Passed, out.Forwarded = nil, nil
			return out, err
		}
		out.Rejected = append(out.Rejected, v.AssignmentID)
	}

	if len(out.Forwarded) > 0 {
		tasks := make([]platform.Task, 0, len(out.Forwarded))
		for _, t := range out.Forwarded {
			tasks = append(tasks, t.Task(a.pool))
		}
		err := a.client.CreateTasks(ctx, tasks, platform.CreateOptions{AllowDefaults: true, OpenPool: false})
		if err != nil {
			out.Passed, out.Forwarded = nil, nil
			return out, err
		}
	}

	a.log.Info("detection processed",
		"assignments", len(unique),
		"rejected", len(out.Rejected),
		"passed", len(out.Passed),
		"held", len(out.Held),
		"forwarded", len(out.Forwarded),
		"skipped", out.Skipped,
	)
	return out, nil
}

// reject restricts the worker and rejects the assignment.
func (a *Adjudicator) reject(ctx context.Context, v Verdict) error {
	a.log.Info("suite rejected",
		"assignment", v.AssignmentID,
		"worker", v.WorkerID,
		"image", v.FailedImage,
		"reason", v.Reason,
	)

	if v.WorkerID == "" {
		a.log.Warn("assignment has no worker, skipping restriction", "assignment", v.AssignmentID)
	} else {
		comment := fmt.Sprintf("%s: %s", a.comment, v.FailedImage)
		if err := a.client.RestrictWorker(ctx, v.WorkerID, comment, a.now().Add(a.restriction)); err != nil {
			return err
		}
	}

	return a.client.RejectAssignment(ctx, v.AssignmentID, a.comment)
}

func dedupe(assignments []platform.Assignment) []platform.Assignment {
	seen := make(map[string]bool, len(assignments))
	out := make([]platform.Assignment, 0, len(assignments))
	for _, asg := range assignments {
		if seen[asg.ID] {
			continue
		}
		seen[asg.ID] = true
		out = append(out, asg)
	}
	return out
}
