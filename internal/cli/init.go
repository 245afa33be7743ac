package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a crowdqc.yaml and .crowdqc/ directory",
	Long: `Creates the project files used by the other commands.

This command sets up:
  - crowdqc.yaml with the default pools and thresholds
  - .crowdqc/.env placeholder for the platform token (gitignored)
  - .crowdqc/state/ for the file state store`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing crowdqc.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	basePath := rootDir
	if basePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		basePath = cwd
	}

	configPath := filepath.Join(basePath, config.DefaultConfigFile)
	if fileExists(configPath) && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", config.DefaultConfigFile)
	}

	dataDir := filepath.Join(basePath, ".crowdqc")
	if err := os.MkdirAll(filepath.Join(basePath, config.DefaultStateDir), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfigYAML()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", config.DefaultConfigFile, err)
	}

	// Never clobber an existing token.
	envPath := filepath.Join(dataDir, ".env")
	if !fileExists(envPath) {
		content := fmt.Sprintf("# Platform API token (gitignored)\n%s=\"...\"\n", config.DefaultTokenEnv)
		if err := os.WriteFile(envPath, []byte(content), 0600); err != nil {
			return fmt.Errorf("failed to write env file: %w", err)
		}
	}

	gitignore := "# Credentials and local state\n.env\nstate/\n"
	if err := os.WriteFile(filepath.Join(dataDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		return fmt.Errorf("failed to write .gitignore: %w", err)
	}

	fmt.Printf("Initialized %s in %s\n", config.DefaultConfigFile, basePath)
	return nil
}

func defaultConfigYAML() string {
	def := config.DefaultConfig()
	return fmt.Sprintf(`# crowdqc configuration

platform:
  base_url: %s
  # Environment variable holding the API token. Falls back to .crowdqc/.env.
  token_env: %s
  timeout: %s
  page_size: %d

pools:
  detection: "%s"
  verification: "%s"

pipeline:
  period: %s

detection:
  # Minimum IoU (exclusive) for a drawn box to match a control box
  iou_threshold: %g
  # Assignments scoring below this F-score on any control task are rejected
  fscore_threshold: %g
  # strict or lenient
  match_mode: %s
  # How long rejected workers are blocked from the detection pool
  restriction: %s
  workers: %d
  reject_comment: %q

verification:
  # Votes collected per item before it is decided
  overlap: %d
  suite_size: %d
  ok_label: %s
  default_skill: %g
  accept_comment: %q
  # %%s is replaced with the assignment id
  reject_comment: %q

state:
  # file, postgres or memory
  backend: %s
  dir: %s
  key: %s

log:
  level: %s
`,
		def.Platform.BaseURL, def.Platform.TokenEnv, def.Platform.Timeout, def.Platform.PageSize,
		def.Pools.Detection, def.Pools.Verification,
		def.Pipeline.Period,
		def.Detection.IoUThreshold, def.Detection.FScoreThreshold, def.Detection.MatchMode,
		def.Detection.Restriction, def.Detection.Workers, def.Detection.RejectComment,
		def.Verification.Overlap, def.Verification.SuiteSize, def.Verification.OKLabel,
		def.Verification.DefaultSkill, def.Verification.AcceptComment, def.Verification.RejectComment,
		def.State.Backend, def.State.Dir, def.State.Key,
		def.Log.Level,
	)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
