package verification

import "sort"

// Decision is the terminal outcome of a detection assignment.
type Decision string

const (
	DecisionPending  Decision = ""
	DecisionAccepted Decision = "ACCEPTED"
	DecisionRejected Decision = "REJECTED"
)

// Tally tracks one detection assignment's verified images.
type Tally struct {
	// Accepted holds the images that aggregated to OK, sorted.
	Accepted []string `json:"accepted,omitempty"`
	Decision Decision `json:"decision,omitempty"`
}

// Terminal reports whether the assignment has been decided.
func (t *Tally) Terminal() bool {
	return t != nil && t.Decision != DecisionPending
}

func (t *Tally) hasImage(image string) bool {
	i := sort.SearchStrings(t.Accepted, image)
	return i < len(t.Accepted) && t.Accepted[i] == image
}

// withImage returns the accepted images plus image, leaving t untouched.
func (t *Tally) withImage(image string) []string {
	if t.hasImage(image) {
		return t.Accepted
	}
	out := make([]string, 0, len(t.Accepted)+1)
	out = append(out, t.Accepted...)
	out = append(out, image)
	sort.Strings(out)
	return out
}

// State is the aggregator's memory across cycles.
type State struct {
	// Pending holds votes per item key until the item reaches the overlap target.
	Pending map[string][]Vote `json:"pending"`
	// Resolved maps an aggregated item key to its label.
	Resolved map[string]string `json:"resolved"`
	// Tallies is keyed by detection assignment id.
	Tallies map[string]*Tally `json:"tallies"`
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		Pending:  make(map[string][]Vote),
		Resolved: make(map[string]string),
		Tallies:  make(map[string]*Tally),
	}
}

// ensure allocates maps left nil by decoding.
func (s *State) ensure() {
	if s.Pending == nil {
		s.Pending = make(map[string][]Vote)
	}
	if s.Resolved == nil {
		s.Resolved = make(map[string]string)
	}
	if s.Tallies == nil {
		s.Tallies = make(map[string]*Tally)
	}
}

// Terminal reports whether the detection assignment has been decided.
func (s *State) Terminal(assignmentID string) bool {
	return s.Tallies[assignmentID].Terminal()
}

// Tally returns the tally for a detection assignment, creating it if needed.
func (s *State) Tally(assignmentID string) *Tally {
	s.ensure()
	t, ok := s.Tallies[assignmentID]
	if !ok {
		t = &Tally{}
		s.Tallies[assignmentID] = t
	}
	return t
}

// PendingVotes returns the number of votes waiting for their item to reach
// the overlap target.
func (s *State) PendingVotes() int {
	n := 0
	for _, votes := range s.Pending {
		n += len(votes)
	}
	return n
}

// Decided returns the ids of terminal assignments with the given decision, sorted.
func (s *State) Decided(d Decision) []string {
	var ids []string
	for id, t := range s.Tallies {
		if t.Terminal() && t.Decision == d {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	c := NewState()
	if s == nil {
		return c
	}
	for k, votes := range s.Pending {
		c.Pending[k] = append([]Vote(nil), votes...)
	}
	for k, label := range s.Resolved {
		c.Resolved[k] = label
	}
	for k, t := range s.Tallies {
		if t == nil {
			continue
		}
		c.Tallies[k] = &Tally{Accepted: append([]string(nil), t.Accepted...), Decision: t.Decision}
	}
	return c
}
