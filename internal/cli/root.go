package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/crowdqc/internal/config"
	"github.com/thruflo/crowdqc/internal/logging"
	"github.com/thruflo/crowdqc/internal/platform"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	rootDir      string
	rootConfig   string
	rootLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "crowdqc",
	Short: "Quality control for crowdsourced image annotation",
	Long: `crowdqc polls a work platform's detection and verification pools,
rejects detection work that fails its control tasks, forwards the rest to
verification, and accepts or rejects it once enough verification votes
agree.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("crowdqc version {{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "C", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().StringVarP(&rootConfig, "config", "f", config.DefaultConfigFile, "config file, relative to the project directory")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// clientFactory builds the platform client. Tests replace it with a mock.
var clientFactory = func(cfg *config.Config, token string) platform.Client {
	return platform.NewHTTPClient(platform.HTTPClientOptions{
		BaseURL:  cfg.Platform.BaseURL,
		Token:    token,
		Timeout:  cfg.Platform.Timeout,
		PageSize: cfg.Platform.PageSize,
	})
}

// tokenLookup resolves environment variables. Tests may override it.
var tokenLookup = os.LookupEnv

// project is the loaded environment shared by commands.
type project struct {
	basePath string
	cfg      *config.Config
	log      *logging.Logger
}

func loadProject() (*project, error) {
	basePath := rootDir
	if basePath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		basePath = cwd
	}

	path := rootConfig
	if !filepath.IsAbs(path) {
		path = filepath.Join(basePath, path)
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel()
	if rootLogLevel != "" {
		level, err = logging.ParseLevel(rootLogLevel)
		if err != nil {
			return nil, err
		}
	}
	log := logging.New()
	log.SetLevel(level)

	return &project{basePath: basePath, cfg: cfg, log: log}, nil
}

// client resolves the API token and builds the platform client.
func (p *project) client() (platform.Client, error) {
	token, err := config.ResolveToken(p.cfg, p.basePath, tokenLookup)
	if err != nil {
		return nil, err
	}
	return clientFactory(p.cfg, token), nil
}
