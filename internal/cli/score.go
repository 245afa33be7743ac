package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/similarity"
)

var (
	scoreIoU  float64
	scoreMode string
	scoreJSON bool
)

var scoreCmd = &cobra.Command{
	Use:   "score <truth.json> <guess.json>",
	Short: "Score a set of rectangles against ground truth",
	Long: `Compares two JSON arrays of regions and prints the matching counts and
F-score, using the same matcher as the detection stage.

Each region is an object with left, top, width, height and an optional label.

Example:
  crowdqc score truth.json guess.json
  crowdqc score --mode lenient --iou 0.5 truth.json guess.json`,
	Args: cobra.ExactArgs(2),
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().Float64Var(&scoreIoU, "iou", similarity.DefaultIoUThreshold, "minimum IoU (exclusive) for two regions to match")
	scoreCmd.Flags().StringVar(&scoreMode, "mode", similarity.MatchStrict.String(), "matching mode (strict or lenient)")
	scoreCmd.Flags().BoolVar(&scoreJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(scoreCmd)
}

// ScoreResult is the output of the score command.
type ScoreResult struct {
	similarity.Counts
	FScore float64 `json:"fscore"`
}

func runScore(cmd *cobra.Command, args []string) error {
	mode, ok := similarity.ParseMatchMode(scoreMode)
	if !ok {
		return fmt.Errorf("invalid mode %q: must be strict or lenient", scoreMode)
	}
	if scoreIoU < 0 || scoreIoU >= 1 {
		return fmt.Errorf("invalid iou %v: must be in [0, 1)", scoreIoU)
	}

	truth, err := readRegions(args[0])
	if err != nil {
		return err
	}
	guess, err := readRegions(args[1])
	if err != nil {
		return err
	}

	counts := similarity.Count(truth, guess, similarity.Options{IoUThreshold: scoreIoU, Mode: mode})
	result := ScoreResult{Counts: counts, FScore: counts.FScore()}

	if scoreJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	printField("Truth", fmt.Sprintf("%d regions", len(truth)))
	printField("Guess", fmt.Sprintf("%d regions", len(guess)))
	printField("Matched", fmt.Sprintf("tp=%d fp=%d fn=%d", counts.TP, counts.FP, counts.FN))
	printField("F-score", fmt.Sprintf("%.4f", result.FScore))
	return nil
}

func readRegions(path string) ([]similarity.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var regions []similarity.Region
	if err := json.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return regions, nil
}
