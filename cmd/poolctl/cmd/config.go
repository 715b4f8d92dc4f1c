package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/backendpool/pkg/logging"
)

var logrotateDir string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration after merging defaults, the config file and
BACKENDPOOL_* environment overrides. Credential secrets are never printed.`,
	RunE: runConfigShow,
}

var configLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate configuration for gateway and worker logs",
	RunE:  runConfigLogrotate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configLogrotateCmd)

	configLogrotateCmd.Flags().StringVar(&logrotateDir, "dir", "", "log base directory (default logging.directory)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	output, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	fmt.Print(string(output))
	return nil
}

func runConfigLogrotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := logrotateDir
	if dir == "" {
		dir = cfg.Logging.Directory
	}
	fmt.Print(logging.GenerateLogrotateConfig(dir, "poolctl"))
	fmt.Print(logging.GenerateLogrotateConfig(cfg.Supervisor.LogDirectory, "worker"))
	return nil
}
