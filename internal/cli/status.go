package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/pipeline"
	"github.com/thruflo/crowdqc/internal/state"
	"github.com/thruflo/crowdqc/internal/verification"
)

// statusStore is the snapshot store used by the status command.
// It can be overridden in tests.
var statusStore state.Store

var statusHistory int

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted pipeline state",
	Long: `Shows the persisted pipeline state: ledger sizes, verification progress
and the most recent cycles.

Reads the configured state store only. It does not contact the platform.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusHistory, "history", "n", 10, "number of recent cycles to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	store := statusStore
	if store == nil {
		p, err := loadProject()
		if err != nil {
			return err
		}
		store, err = state.Open(ctx, p.cfg.State, p.basePath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	snap, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if snap.Cycles == 0 {
		fmt.Println("No cycles recorded yet.")
		return nil
	}

	showSnapshot(snap, statusHistory)
	return nil
}

func showSnapshot(snap *state.Snapshot, limit int) {
	fmt.Println(bold("Pipeline State"))
	fmt.Println("==============")
	fmt.Println()

	printField("Cycles", fmt.Sprintf("%d", snap.Cycles))
	printField("Updated", formatTime(snap.UpdatedAt))
	if pipeline.DetectStalled(snap.History, pipeline.DefaultStallThreshold) {
		printField("Health", red("stalled"))
	} else {
		printField("Health", green("ok"))
	}
	fmt.Println()

	fmt.Println("Ledger")
	fmt.Println("------")
	printField("Forwarded", fmt.Sprintf("%d", len(snap.Ledger.Forwarded)))
	printField("Decided", fmt.Sprintf("%d", len(snap.Ledger.Decided)))
	printField("Consumed", fmt.Sprintf("%d", len(snap.Ledger.Consumed)))
	fmt.Println()

	accepted := snap.Verification.Decided(verification.DecisionAccepted)
	rejected := snap.Verification.Decided(verification.DecisionRejected)

	fmt.Println("Verification")
	fmt.Println("------------")
	printField("Pending", fmt.Sprintf("%d items, %d votes", len(snap.Verification.Pending), snap.Verification.PendingVotes()))
	printField("Accepted", green(fmt.Sprintf("%d", len(accepted))))
	printField("Rejected", red(fmt.Sprintf("%d", len(rejected))))
	printField("Rate", fmt.Sprintf("%.1f decisions/cycle", pipeline.DecisionRate(snap.History, limit)))
	fmt.Println()

	history := snap.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	if len(history) == 0 {
		return
	}

	fmt.Println("Recent Cycles")
	fmt.Println("-------------")
	fmt.Printf("%-6s  %-19s  %-8s  %5s  %5s  %5s  %5s  %s\n",
		"CYCLE", "STARTED", "DURATION", "FWD", "ACC", "REJ", "VOTES", "RESULT")
	fmt.Printf("%s  %s  %s  %s  %s  %s  %s  %s\n",
		strings.Repeat("-", 6), strings.Repeat("-", 19), strings.Repeat("-", 8),
		strings.Repeat("-", 5), strings.Repeat("-", 5), strings.Repeat("-", 5), strings.Repeat("-", 5), "------")
	for _, h := range history {
		result := green("ok")
		if h.Error != "" {
			result = yellow("failed: " + h.Error)
		}
		fmt.Printf("%-6d  %-19s  %-8s  %5d  %5d  %5d  %5d  %s\n",
			h.Cycle, formatTime(h.StartedAt), formatDuration(h.Duration),
			h.Forwarded, h.Accepted, h.Rejected, h.VotesAdded, result)
	}
}

func printField(label, value string) {
	fmt.Printf("  %-10s %s\n", label+":", value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
