// Package similarity scores a worker's rectangles against ground truth.
//
// Regions are grouped by label and matched greedily by Intersection over
// Union. The result is the F-score 2TP/(2TP+FP+FN) over all labels.
//
// Matching is order sensitive: each ground-truth region, in input order,
// takes the first guess region (in input order) whose IoU is strictly greater
// than the threshold. Callers that need stable scores must keep region order
// stable.
package similarity

// DefaultIoUThreshold is the minimum IoU (exclusive) for two regions to match.
const DefaultIoUThreshold = 0.6

// Region is an axis-aligned rectangle with an optional label.
type Region struct {
	Left   float64 `json:"left" yaml:"left"`
	Top    float64 `json:"top" yaml:"top"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
	Label  string  `json:"label,omitempty" yaml:"label,omitempty"`
}

// Area returns the region's area. Negative extents count as zero.
func (r Region) Area() float64 {
	return nonNegative(r.Width) * nonNegative(r.Height)
}

// MatchMode controls whether a guess region may satisfy more than one
// ground-truth region.
type MatchMode int

const (
	// MatchStrict removes a guess region from the candidate pool once matched.
	MatchStrict MatchMode = iota
	// MatchLenient lets one guess region match several ground-truth regions.
	MatchLenient
)

// String returns the config name of the mode.
func (m MatchMode) String() string {
	switch m {
	case MatchLenient:
		return "lenient"
	default:
		return "strict"
	}
}

// ParseMatchMode parses "strict" or "lenient". Empty means strict.
func ParseMatchMode(s string) (MatchMode, bool) {
	switch s {
	case "", "strict":
		return MatchStrict, true
	case "lenient":
		return MatchLenient, true
	default:
		return MatchStrict, false
	}
}

// Options configures matching.
type Options struct {
	IoUThreshold float64
	Mode         MatchMode
}

// DefaultOptions returns strict matching at DefaultIoUThreshold.
func DefaultOptions() Options {
	return Options{IoUThreshold: DefaultIoUThreshold, Mode: MatchStrict}
}

// Counts holds matching totals across all labels.
type Counts struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	FN int `json:"fn"`
}

// FScore returns 2TP/(2TP+FP+FN), or 1 when nothing was expected and nothing
// was found.
func (c Counts) FScore() float64 {
	denom := 2*c.TP + c.FP + c.FN
	if denom == 0 {
		return 1.0
	}
	return float64(2*c.TP) / float64(denom)
}

// IoU returns the intersection over union of two regions.
// Zero-area pairs return 0.
func IoU(a, b Region) float64 {
	ix := overlap(a.Left, a.Left+a.Width, b.Left, b.Left+b.Width)
	iy := overlap(a.Top, a.Top+a.Height, b.Top, b.Top+b.Height)
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Score returns the F-score of guess against truth.
func Score(truth, guess []Region, opts Options) float64 {
	return Count(truth, guess, opts).FScore()
}

// Count matches guess against truth label by label and returns the totals.
func Count(truth, guess []Region, opts Options) Counts {
	truthByLabel, labels := groupByLabel(truth)
	guessByLabel, guessLabels := groupByLabel(guess)

	var total Counts
	for _, label := range labels {
		g, ok := guessByLabel[label]
		if !ok {
			total.FN += len(truthByLabel[label])
			continue
		}
		c := matchLabel(truthByLabel[label], g, opts)
		total.TP += c.TP
		total.FP += c.FP
		total.FN += c.FN
	}
	for _, label := range guessLabels {
		if _, ok := truthByLabel[label]; !ok {
			total.FP += len(guessByLabel[label])
		}
	}
	return total
}

// matchLabel runs greedy first-fit matching within a single label.
func matchLabel(truth, guess []Region, opts Options) Counts {
	used := make([]bool, len(guess))
	var c Counts
	for _, t := range truth {
		matched := false
		for i, g := range guess {
			if opts.Mode == MatchStrict && used[i] {
				continue
			}
			if IoU(t, g) > opts.IoUThreshold {
				used[i] = true
				matched = true
				break
			}
		}
		if matched {
			c.TP++
		} else {
			c.FN++
		}
	}
	for _, u := range used {
		if !u {
			c.FP++
		}
	}
	return c
}

// groupByLabel partitions regions by label and returns the labels in order of
// first appearance.
func groupByLabel(regions []Region) (map[string][]Region, []string) {
	groups := make(map[string][]Region)
	var order []string
	for _, r := range regions {
		if _, ok := groups[r.Label]; !ok {
			order = append(order, r.Label)
		}
		groups[r.Label] = append(groups[r.Label], r)
	}
	return groups, order
}

func overlap(amin, amax, bmin, bmax float64) float64 {
	return nonNegative(min(amax, bmax) - max(amin, bmin))
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
