package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/backendpool/internal/reaper"
	"github.com/psantana5/backendpool/pkg/logging"
)

var (
	reapPort   int
	reapLogDir string
	reapDryRun bool
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill processes left holding a worker port",
	Long: `Finds the processes bound to a worker port, plus the pid recorded in the
port's slot lock file, and kills them. The supervisor runs this when a
worker exits without releasing its port.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)

	reapCmd.Flags().IntVar(&reapPort, "port", 0, "worker port to clear (required)")
	reapCmd.Flags().StringVar(&reapLogDir, "log-dir", "", "worker log directory holding slot locks (default supervisor.log_directory)")
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "list targets without killing them")
	reapCmd.MarkFlagRequired("port")
}

func runReap(cmd *cobra.Command, args []string) error {
	if reapPort <= 0 || reapPort > 65535 {
		return fmt.Errorf("invalid port %d", reapPort)
	}
	logDir := reapLogDir
	if logDir == "" {
		logDir = viper.GetString("supervisor.log_directory")
	}

	logger := logging.NewLogger(logging.ParseLevel(viper.GetString("logging.level")), false)
	logger.SetOutput(os.Stderr)

	r := &reaper.Reaper{LogDir: logDir, Logger: logger, DryRun: reapDryRun}
	targets, err := r.Reap(cmd.Context(), reapPort)

	if len(targets) > 0 {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("PID", "Name", "Source")
		for _, t := range targets {
			table.Append(fmt.Sprint(t.PID), t.Name, t.Source)
		}
		table.Render()
	}
	return err
}
