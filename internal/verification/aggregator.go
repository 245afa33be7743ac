// Package verification aggregates redundant verification votes per item and
// turns the verdicts into accept or reject decisions on the detection
// assignments the items came from.
//
// Each detection assignment moves PENDING -> ACCEPTED or PENDING -> REJECTED
// exactly once. The terminal check lives in State, so a re-polled vote for a
// decided assignment never reaches the platform again.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
)

// Defaults for Options.
const (
	DefaultOverlap       = 5
	DefaultSuiteSize     = 2
	DefaultOKLabel       = "OK"
	DefaultAcceptComment = "Well done!"
	DefaultRejectComment = "Some objects in %s weren't selected or were selected incorrectly."
)

// Exclusions reports whether a detection assignment id is already decided
// outside the aggregator.
type Exclusions interface {
	Contains(key string) bool
}

// Options configures an Aggregator.
type Options struct {
	Client platform.Client
	// Method defaults to MajorityVote with DefaultSkill.
	Method        VoteMethod
	Overlap       int
	SuiteSize     int
	OKLabel       string
	AcceptComment string
	// RejectComment may contain one %s for the assignment id.
	RejectComment string
	Logger        *logging.Logger
}

// Aggregator collects votes and decides detection assignments.
type Aggregator struct {
	client        platform.Client
	method        VoteMethod
	overlap       int
	suiteSize     int
	okLabel       string
	acceptComment string
	rejectComment string
	log           *logging.Logger
}

// New creates an Aggregator. Zero values in opts take the package defaults.
func New(opts Options) *Aggregator {
	a := &Aggregator{
		client:        opts.Client,
		method:        opts.Method,
		overlap:       opts.Overlap,
		suiteSize:     opts.SuiteSize,
		okLabel:       opts.OKLabel,
		acceptComment: opts.AcceptComment,
		rejectComment: opts.RejectComment,
		log:           logging.OrDefault(opts.Logger).With("stage", "verification"),
	}
	if a.method == nil {
		a.method = MajorityVote{DefaultSkill: DefaultSkill}
	}
	if a.overlap <= 0 {
		a.overlap = DefaultOverlap
	}
	if a.suiteSize <= 0 {
		a.suiteSize = DefaultSuiteSize
	}
	if a.okLabel == "" {
		a.okLabel = DefaultOKLabel
	}
	if a.acceptComment == "" {
		a.acceptComment = DefaultAcceptComment
	}
	if a.rejectComment == "" {
		a.rejectComment = DefaultRejectComment
	}
	return a
}

// Result summarises one Process call.
type Result struct {
	Accepted []string
	Rejected []string
	// Votes counts votes added to State.
	Votes int
	// Dropped counts votes for decided assignments or resolved items.
	Dropped int
	// Duplicates counts repeated votes by the same worker on the same item.
	Duplicates int
	// Malformed counts undecodable votes and items the vote method failed on.
	Malformed int
	// Aggregated counts items that reached the overlap target this call.
	Aggregated int
	// Pending is the number of items still short of the overlap target.
	Pending int
}

// Process ingests the votes carried by verification assignments and then
// decides every item that has reached the overlap target.
func (a *Aggregator) Process(ctx context.Context, st *State, blacklist Exclusions, assignments []platform.Assignment) (Result, error) {
	res := a.Ingest(st, blacklist, assignments)
	err := a.Decide(ctx, st, blacklist, &res)
	return res, err
}

// Ingest adds every payable vote in assignments to st.
func (a *Aggregator) Ingest(st *State, blacklist Exclusions, assignments []platform.Assignment) Result {
	st.ensure()
	var res Result

	for _, asg := range assignments {
		for _, p := range asg.Pairs() {
			if p.Task.IsControl() {
				continue
			}
			vote, err := decodeVote(asg, p)
			if err != nil {
				res.Malformed++
				a.log.Warn("ignoring malformed vote", "source", asg.ID, "task", p.Index, "error", err)
				continue
			}

			if excluded(blacklist, vote.AssignmentID) || st.Terminal(vote.AssignmentID) {
				res.Dropped++
				a.log.Debug("dropping vote for decided assignment",
					"assignment", vote.AssignmentID, "image", vote.Image, "source", asg.ID)
				continue
			}

			key := platform.ItemKey(vote.AssignmentID, vote.Image)
			if _, ok := st.Resolved[key]; ok {
				res.Dropped++
				a.log.Debug("dropping vote for resolved item", "item", key, "source", asg.ID)
				continue
			}
			if hasWorker(st.Pending[key], vote.WorkerID) {
				res.Duplicates++
				continue
			}

			st.Pending[key] = append(st.Pending[key], vote)
			res.Votes++
		}
	}

	return res
}

// Decide aggregates ready items in key order and applies the resulting
// decisions. An item's state is committed only after its platform call
// succeeds, so a failed Decide can be repeated.
func (a *Aggregator) Decide(ctx context.Context, st *State, blacklist Exclusions, res *Result) error {
	st.ensure()

	keys := make([]string, 0, len(st.Pending))
	for key := range st.Pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ready := 0
	for _, key := range keys {
		if len(st.Pending[key]) >= a.overlap {
			ready++
		}
	}
	a.log.Info("votes collected", "pending", len(keys)-ready, "ready", ready)

	for _, key := range keys {
		votes := st.Pending[key]
		if len(votes) == 0 {
			delete(st.Pending, key)
			continue
		}
		aid, image := votes[0].AssignmentID, votes[0].Image

		if excluded(blacklist, aid) || st.Terminal(aid) {
			res.Dropped += len(votes)
			delete(st.Pending, key)
			a.log.Debug("dropping pending item of decided assignment", "item", key)
			continue
		}
		if len(votes) < a.overlap {
			continue
		}

		label, err := a.method.Aggregate(votes)
		if errors.Is(err, ErrNoVotes) {
			continue
		}
		if err != nil {
			res.Malformed++
			a.log.Warn("cannot aggregate item, leaving it pending", "item", key, "error", err)
			continue
		}
		res.Aggregated++

		tally := st.Tally(aid)
		if label != a.okLabel {
			if err := a.client.RejectAssignment(ctx, aid, a.rejectionComment(aid)); err != nil {
				return err
			}
			tally.Decision = DecisionRejected
			res.Rejected = append(res.Rejected, aid)
			a.log.Info("assignment rejected", "assignment", aid, "image", image, "label", label)
		} else {
			accepted := tally.withImage(image)
			if len(accepted) >= a.suiteSize {
				if err := a.client.AcceptAssignment(ctx, aid, a.acceptComment); err != nil {
					return err
				}
				tally.Decision = DecisionAccepted
				res.Accepted = append(res.Accepted, aid)
				a.log.Info("assignment accepted", "assignment", aid, "images", len(accepted))
			}
			tally.Accepted = accepted
		}

		st.Resolved[key] = label
		delete(st.Pending, key)
	}

	res.Pending = len(st.Pending)
	return nil
}

func (a *Aggregator) rejectionComment(assignmentID string) string {
	if strings.Contains(a.rejectComment, "%s") {
		return fmt.Sprintf(a.rejectComment, assignmentID)
	}
	return a.rejectComment
}

func decodeVote(asg platform.Assignment, p platform.Pair) (Vote, error) {
	aid, err := p.Task.CorrelationID()
	if err != nil {
		return Vote{}, err
	}
	image, err := p.Task.Image()
	if err != nil {
		return Vote{}, err
	}
	label, err := platform.DecodeLabel(p.Solution.OutputValues)
	if err != nil {
		return Vote{}, err
	}
	return Vote{
		AssignmentID: aid,
		Image:        image,
		Label:        label,
		WorkerID:     asg.UserID,
		SourceID:     asg.ID,
	}, nil
}

func excluded(blacklist Exclusions, id string) bool {
	return blacklist != nil && blacklist.Contains(id)
}

func hasWorker(votes []Vote, worker string) bool {
	if worker == "" {
		return false
	}
	for _, v := range votes {
		if v.WorkerID == worker {
			return true
		}
	}
	return false
}
