package pipeline

import "github.com/thruflo/crowdqc/internal/state"

// DetectStalled reports whether each of the last threshold cycles failed.
func DetectStalled(history []state.History, threshold int) bool {
	if threshold <= 0 || len(history) < threshold {
		return false
	}

	for _, entry := range history[len(history)-threshold:] {
		if entry.Error == "" {
			return false
		}
	}
	return true
}

// DecisionRate returns the average number of accept and reject decisions
// per cycle over the last window cycles.
func DecisionRate(history []state.History, window int) float64 {
	if window <= 0 || len(history) == 0 {
		return 0
	}
	if window > len(history) {
		window = len(history)
	}

	total := 0
	for _, entry := range history[len(history)-window:] {
		total += entry.Accepted + entry.Rejected
	}
	return float64(total) / float64(window)
}
