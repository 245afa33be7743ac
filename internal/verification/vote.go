package verification

import (
	"errors"
	"sort"
)

// ErrNoVotes is returned by a VoteMethod given no votes.
var ErrNoVotes = errors.New("no votes to aggregate")

// DefaultSkill is the weight of a worker with no known skill.
const DefaultSkill = 0.5

// Vote is one worker's verdict on one item.
type Vote struct {
	// AssignmentID is the detection assignment the item came from.
	AssignmentID string `json:"assignment_id"`
	Image        string `json:"image"`
	Label        string `json:"label"`
	WorkerID     string `json:"worker_id"`
	// SourceID is the verification assignment that carried the vote.
	SourceID string `json:"source_id"`
}

// VoteMethod turns the votes on one item into a single label.
type VoteMethod interface {
	Aggregate(votes []Vote) (string, error)
}

// MajorityVote picks the label with the largest total worker weight.
// Ties go to the lexicographically smallest label.
type MajorityVote struct {
	// DefaultSkill weights workers missing from Skills. Zero means DefaultSkill.
	DefaultSkill float64
	Skills       map[string]float64
}

// Aggregate implements VoteMethod.
func (m MajorityVote) Aggregate(votes []Vote) (string, error) {
	if len(votes) == 0 {
		return "", ErrNoVotes
	}

	fallback := m.DefaultSkill
	if fallback <= 0 {
		fallback = DefaultSkill
	}

	weights := make(map[string]float64)
	for _, v := range votes {
		w, ok := m.Skills[v.WorkerID]
		if !ok {
			w = fallback
		}
		weights[v.Label] += w
	}

	labels := make([]string, 0, len(weights))
	for label := range weights {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best := labels[0]
	for _, label := range labels[1:] {
		if weights[label] > weights[best] {
			best = label
		}
	}
	return best, nil
}

// Verify MajorityVote implements VoteMethod interface.
var _ VoteMethod = MajorityVote{}
