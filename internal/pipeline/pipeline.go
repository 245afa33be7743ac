package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/detection"
	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/metrics"
	"github.com/thruflo/crowdqc/internal/platform"
	"github.com/thruflo/crowdqc/internal/similarity"
	"github.com/thruflo/crowdqc/internal/state"
	"github.com/thruflo/crowdqc/internal/verification"
)

// ExitReason indicates why Run stopped.
type ExitReason int

const (
	ExitReasonUnknown   ExitReason = iota
	ExitReasonCancelled            // Context cancelled
	ExitReasonMaxCycles            // Hit cycle limit
	ExitReasonStore                // Snapshot could not be loaded
)

// String returns a human-readable description of the exit reason.
func (r ExitReason) String() string {
	switch r {
	case ExitReasonCancelled:
		return "cancelled"
	case ExitReasonMaxCycles:
		return "max cycles"
	case ExitReasonStore:
		return "state store failure"
	default:
		return "unknown"
	}
}

// Result contains the outcome of Run.
type Result struct {
	Reason ExitReason
	Cycles int
	// Last is the report of the final cycle run, if any.
	Last  *CycleReport
	Error error
}

// CycleReport describes one pipeline cycle.
type CycleReport struct {
	Cycle     int
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	// Submitted counts SUBMITTED detection assignments listed; Adjudicated
	// counts those not yet forwarded or decided.
	Submitted    int
	Adjudicated  int
	Detection    detection.Outcome
	Verification verification.Result
	// Snapshot is a copy of the persisted state after the cycle.
	Snapshot *state.Snapshot
	Err      error
}

// History converts r into a persisted history entry.
func (r CycleReport) History() state.History {
	h := state.History{
		Cycle:      r.Cycle,
		ID:         r.ID,
		StartedAt:  r.StartedAt,
		Duration:   r.Duration,
		Forwarded:  len(r.Detection.Forwarded),
		Rejected:   len(r.Detection.Rejected) + len(r.Verification.Rejected),
		Accepted:   len(r.Verification.Accepted),
		VotesAdded: r.Verification.Votes,
		Pending:    r.Verification.Pending,
	}
	if r.Err != nil {
		h.Error = r.Err.Error()
	}
	return h
}

// DefaultStallThreshold is the number of consecutive failed cycles after
// which Run warns that the pipeline is stalled.
const DefaultStallThreshold = 5

// Options holds configuration for creating a Driver.
type Options struct {
	Client  platform.Client
	Config  *config.Config
	Store   state.Store
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	// Method overrides the verification vote method.
	Method verification.VoteMethod
	// Now defaults to time.Now.
	Now func() time.Time
	// MaxCycles stops Run after that many cycles. Zero means no limit.
	MaxCycles      int
	StallThreshold int
	// OnReport is called after every cycle.
	OnReport func(CycleReport)
	// OnEvaluated is passed to the detection adjudicator.
	OnEvaluated func(detection.Verdict)
}

// Driver runs pipeline cycles.
type Driver struct {
	client      platform.Client
	cfg         *config.Config
	store       state.Store
	metrics     *metrics.Metrics
	log         *logging.Logger
	adjudicator *detection.Adjudicator
	aggregator  *verification.Aggregator
	now         func() time.Time
	maxCycles   int
	stall       int
	onReport    func(CycleReport)

	snap *state.Snapshot
}

// New creates a Driver. A nil Config means config.DefaultConfig and a nil
// Store keeps state in memory.
func New(opts Options) *Driver {
	cfg := opts.Config
	if cfg == nil {
		def := config.DefaultConfig()
		cfg = &def
	}
	store := opts.Store
	if store == nil {
		store = state.NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stall := opts.StallThreshold
	if stall == 0 {
		stall = DefaultStallThreshold
	}
	log := logging.OrDefault(opts.Logger)

	method := opts.Method
	if method == nil {
		method = verification.MajorityVote{DefaultSkill: cfg.Verification.DefaultSkill}
	}

	return &Driver{
		client:  opts.Client,
		cfg:     cfg,
		store:   store,
		metrics: opts.Metrics,
		log:     log,
		adjudicator: detection.New(detection.Options{
			Client:           opts.Client,
			VerificationPool: cfg.Pools.Verification,
			Similarity: similarity.Options{
				IoUThreshold: cfg.Detection.IoUThreshold,
				Mode:         cfg.MatchMode(),
			},
			FScoreThreshold: cfg.Detection.FScoreThreshold,
			Restriction:     cfg.Detection.Restriction,
			RejectComment:   cfg.Detection.RejectComment,
			Workers:         cfg.Detection.Workers,
			Logger:          log,
			Now:             now,
			OnEvaluated:     opts.OnEvaluated,
		}),
		aggregator: verification.New(verification.Options{
			Client:        opts.Client,
			Method:        method,
			Overlap:       cfg.Verification.Overlap,
			SuiteSize:     cfg.Verification.SuiteSize,
			OKLabel:       cfg.Verification.OKLabel,
			AcceptComment: cfg.Verification.AcceptComment,
			RejectComment: cfg.Verification.RejectComment,
			Logger:        log,
		}),
		now:       now,
		maxCycles: opts.MaxCycles,
		stall:     stall,
		onReport:  opts.OnReport,
	}
}

// Snapshot returns a copy of the current state, loading it if needed.
func (d *Driver) Snapshot(ctx context.Context) (*state.Snapshot, error) {
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	return d.snap.Clone(), nil
}

func (d *Driver) load(ctx context.Context) error {
	if d.snap != nil {
		return nil
	}
	snap, err := d.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	d.snap = snap
	return nil
}

// Run executes cycles until ctx is cancelled or MaxCycles is reached,
// sleeping so consecutive cycles start one period apart.
func (d *Driver) Run(ctx context.Context) Result {
	if err := d.load(ctx); err != nil {
		return Result{Reason: ExitReasonStore, Error: err}
	}

	var result Result
	for {
		if ctx.Err() != nil {
			result.Reason = ExitReasonCancelled
			return result
		}

		started := d.now()
		report, err := d.RunCycle(ctx)
		result.Cycles++
		result.Last = &report
		result.Error = err
		if err != nil {
			if ctx.Err() != nil {
				result.Reason = ExitReasonCancelled
				return result
			}
			d.log.Error("cycle failed, retrying next period", "cycle", report.Cycle, "error", err)
		}

		if DetectStalled(d.snap.History, d.stall) {
			d.log.Warn("pipeline stalled", "failed_cycles", d.stall)
		}

		if d.maxCycles > 0 && result.Cycles >= d.maxCycles {
			result.Reason = ExitReasonMaxCycles
			return result
		}

		wait := d.cfg.Pipeline.Period - d.now().Sub(started)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Reason = ExitReasonCancelled
			return result
		case <-timer.C:
		}
	}
}

// RunCycle runs one cycle and persists the resulting snapshot. Decisions
// already applied on the platform are persisted even when a later step
// fails.
func (d *Driver) RunCycle(ctx context.Context) (CycleReport, error) {
	if err := d.load(ctx); err != nil {
		return CycleReport{Err: err}, err
	}

	report := CycleReport{
		Cycle:     d.snap.Cycles + 1,
		ID:        uuid.NewString(),
		StartedAt: d.now(),
	}
	log := d.log.With("cycle", report.Cycle)

	err := d.cycle(ctx, log, &report)

	finished := d.now()
	report.Duration = finished.Sub(report.StartedAt)
	report.Err = err

	d.snap.Cycles = report.Cycle
	d.snap.UpdatedAt = finished
	d.snap.AppendHistory(report.History())
	// Decisions made before a cancellation must still be recorded.
	if saveErr := d.store.Save(context.WithoutCancel(ctx), d.snap); saveErr != nil {
		saveErr = fmt.Errorf("failed to save state: %w", saveErr)
		err = errors.Join(err, saveErr)
		report.Err = err
	}
	report.Snapshot = d.snap.Clone()

	d.record(report, finished)
	if d.onReport != nil {
		d.onReport(report)
	}

	if err != nil {
		return report, err
	}
	log.Info("cycle complete",
		"forwarded", len(report.Detection.Forwarded),
		"rejected", len(report.Detection.Rejected)+len(report.Verification.Rejected),
		"accepted", len(report.Verification.Accepted),
		"pending_items", report.Verification.Pending,
		"duration", report.Duration,
	)
	return report, nil
}

func (d *Driver) cycle(ctx context.Context, log *logging.Logger, report *CycleReport) error {
	ledger := d.snap.Ledger
	pools := d.cfg.Pools

	// Step 1: adjudicate new detection work.
	submitted, err := d.client.ListAssignments(ctx, pools.Detection, platform.StatusSubmitted)
	if err != nil {
		return fmt.Errorf("failed to list submitted detection assignments: %w", err)
	}
	ignore, err := d.rebuildForwarded(ctx, log)
	if err != nil {
		return err
	}

	var fresh []platform.Assignment
	for _, asg := range submitted {
		if ledger.Pending(asg.ID) {
			fresh = append(fresh, asg)
		}
	}
	report.Submitted = len(submitted)
	report.Adjudicated = len(fresh)
	log.Debug("detection assignments", "submitted", len(submitted), "to_process", len(fresh))

	if len(fresh) > 0 {
		outcome, err := d.adjudicator.Process(ctx, fresh, ignore)
		report.Detection = outcome
		ledger.Decided.Add(outcome.Rejected...)
		if err != nil {
			return fmt.Errorf("detection stage: %w", err)
		}
		ledger.Forwarded.Add(outcome.Passed...)
	}

	// Step 2: detection assignments decided on the platform.
	if err := d.collectDecided(ctx); err != nil {
		return err
	}

	// Step 3: aggregate verification votes.
	accepted, err := d.client.ListAssignments(ctx, pools.Verification, platform.StatusAccepted)
	if err != nil {
		return fmt.Errorf("failed to list accepted verification assignments: %w", err)
	}
	var unread []platform.Assignment
	for _, asg := range accepted {
		if !ledger.Consumed.Contains(asg.ID) {
			unread = append(unread, asg)
		}
	}
	log.Debug("verification assignments", "accepted", len(accepted), "to_process", len(unread))

	res, err := d.aggregator.Process(ctx, d.snap.Verification, ledger.Decided, unread)
	report.Verification = res
	// Ingested votes live in the snapshot, so the source assignments are
	// consumed even if a decision call failed.
	for _, asg := range unread {
		ledger.Consumed.Add(asg.ID)
	}
	ledger.Decided.Add(res.Accepted...)
	ledger.Decided.Add(res.Rejected...)
	if err != nil {
		return fmt.Errorf("verification stage: %w", err)
	}
	return nil
}

// rebuildForwarded adds the origin of every verification task to the
// forwarded set and returns the keys of items already in verification.
func (d *Driver) rebuildForwarded(ctx context.Context, log *logging.Logger) (state.Set, error) {
	tasks, err := d.client.ListTasks(ctx, d.cfg.Pools.Verification)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification tasks: %w", err)
	}

	ignore := state.NewSet()
	for _, task := range tasks {
		if task.IsControl() {
			continue
		}
		aid, err := task.CorrelationID()
		if err != nil {
			log.Debug("verification task without origin", "task", task.ID)
			continue
		}
		d.snap.Ledger.Forwarded.Add(aid)
		if image, err := task.Image(); err == nil {
			ignore.Add(platform.ItemKey(aid, image))
		}
	}
	return ignore, nil
}

// collectDecided lists accepted and rejected detection assignments
// concurrently and adds them to the decided set.
func (d *Driver) collectDecided(ctx context.Context) error {
	statuses := []platform.Status{platform.StatusAccepted, platform.StatusRejected}
	results := make([][]platform.Assignment, len(statuses))

	g, gctx := errgroup.WithContext(ctx)
	for i, status := range statuses {
		g.Go(func() error {
			list, err := d.client.ListAssignments(gctx, d.cfg.Pools.Detection, status)
			if err != nil {
				return fmt.Errorf("failed to list %s detection assignments: %w", status, err)
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, list := range results {
		for _, asg := range list {
			d.snap.Ledger.Decided.Add(asg.ID)
		}
	}
	return nil
}

func (d *Driver) record(r CycleReport, finished time.Time) {
	m := d.metrics
	m.ObserveCycle(r.Duration, r.Err, finished)
	m.AddForwarded(len(r.Detection.Forwarded))
	m.AddDecisions("detection", "rejected", len(r.Detection.Rejected))
	m.AddDecisions("verification", "accepted", len(r.Verification.Accepted))
	m.AddDecisions("verification", "rejected", len(r.Verification.Rejected))
	m.AddVotes("added", r.Verification.Votes)
	m.AddVotes("dropped", r.Verification.Dropped)
	m.AddVotes("duplicate", r.Verification.Duplicates)
	m.AddVotes("malformed", r.Verification.Malformed)
	m.SetPending(r.Verification.Pending)
}
