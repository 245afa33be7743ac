package state

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/thruflo/crowdqc/internal/verification"
)

// Set is a set of ids. It encodes as a sorted JSON array.
type Set map[string]struct{}

// NewSet returns a Set holding items.
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts items into s.
func (s Set) Add(items ...string) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

// Contains reports whether item is in s. A nil Set contains nothing.
func (s Set) Contains(item string) bool {
	_, ok := s[item]
	return ok
}

// Sorted returns the items in ascending order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes s as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array into s.
func (s *Set) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*s = NewSet(items...)
	return nil
}

// Ledger holds the deduplication caches the pipeline keeps across cycles.
type Ledger struct {
	// Forwarded holds detection assignment ids that already have
	// verification tasks.
	Forwarded Set `json:"forwarded"`
	// Decided holds detection assignment ids that are accepted or rejected.
	Decided Set `json:"decided"`
	// Consumed holds verification assignment ids already aggregated.
	Consumed Set `json:"consumed"`
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{Forwarded: NewSet(), Decided: NewSet(), Consumed: NewSet()}
}

func (l *Ledger) ensure() {
	if l.Forwarded == nil {
		l.Forwarded = NewSet()
	}
	if l.Decided == nil {
		l.Decided = NewSet()
	}
	if l.Consumed == nil {
		l.Consumed = NewSet()
	}
}

// Pending reports whether a detection assignment still needs adjudication.
func (l *Ledger) Pending(id string) bool {
	return !l.Forwarded.Contains(id) && !l.Decided.Contains(id)
}

// MaxHistory bounds the number of cycle records kept in a Snapshot.
const MaxHistory = 50

// History records one pipeline cycle.
type History struct {
	Cycle      int           `json:"cycle"`
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Forwarded  int           `json:"forwarded"`
	Rejected   int           `json:"rejected"`
	Accepted   int           `json:"accepted"`
	VotesAdded int           `json:"votes_added"`
	Pending    int           `json:"pending"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is everything the pipeline persists between cycles.
type Snapshot struct {
	Ledger       *Ledger             `json:"ledger"`
	Verification *verification.State `json:"verification"`
	Cycles       int                 `json:"cycles"`
	History      []History           `json:"history,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Ledger:       NewLedger(),
		Verification: verification.NewState(),
	}
}

// Normalize allocates anything a decoded Snapshot left nil.
func (s *Snapshot) Normalize() {
	if s.Ledger == nil {
		s.Ledger = NewLedger()
	}
	s.Ledger.ensure()
	if s.Verification == nil {
		s.Verification = verification.NewState()
	}
}

// AppendHistory records a cycle, keeping the latest MaxHistory entries.
func (s *Snapshot) AppendHistory(h History) {
	s.History = append(s.History, h)
	if over := len(s.History) - MaxHistory; over > 0 {
		s.History = append([]History(nil), s.History[over:]...)
	}
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	if s == nil {
		return c
	}
	if s.Ledger != nil {
		c.Ledger.Forwarded.Add(s.Ledger.Forwarded.Sorted()...)
		c.Ledger.Decided.Add(s.Ledger.Decided.Sorted()...)
		c.Ledger.Consumed.Add(s.Ledger.Consumed.Sorted()...)
	}
	c.Verification = s.Verification.Clone()
	c.Cycles = s.Cycles
	c.History = append([]History(nil), s.History...)
	c.UpdatedAt = s.UpdatedAt
	return c
}
