package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/backendpool/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool, slot and recent fault state of a running gateway",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func fetchStatus() (*api.GatewayStatus, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(GetGatewayURL() + api.RouteGatewayStatus)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, api.DecodeError("status", resp)
	}
	var status api.GatewayStatus
	if err := api.DecodeJSON(resp.Body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := fetchStatus()
	if err != nil {
		return err
	}

	switch outputFormat {
	case "json":
		output, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	case "yaml":
		output, err := yaml.Marshal(status)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Print(string(output))
		return nil
	}

	state := "open"
	if status.Pool.Closed {
		state = "closed"
	}
	fmt.Printf("Pool: %s  active %d/%d  idle %d\n\n",
		state, status.Pool.Active, status.Pool.MaxTotal, status.Pool.Idle)

	if len(status.Pool.Keys) == 0 {
		fmt.Println("No credentials in use")
	} else {
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Credential", "Active", "Idle", "Waiters", "Created", "Destroyed", "Borrowed")
		for _, k := range status.Pool.Keys {
			table.Append(
				k.Label,
				fmt.Sprint(k.Active),
				fmt.Sprint(k.Idle),
				fmt.Sprint(k.Waiters),
				fmt.Sprint(k.Created),
				fmt.Sprint(k.Destroyed),
				fmt.Sprint(k.Borrowed),
			)
		}
		table.Render()
	}

	if len(status.Slots) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Port", "State", "PID", "Started", "Ready")
		for _, s := range status.Slots {
			pid := "-"
			if s.PID > 0 {
				pid = fmt.Sprint(s.PID)
			}
			table.Append(
				fmt.Sprint(s.Port),
				string(s.State),
				pid,
				formatTime(s.StartedAt),
				formatTime(s.ReadyAt),
			)
		}
		table.Render()
	}

	if len(status.Faults) > 0 {
		fmt.Println()
		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Time", "Code", "Op", "Credential", "Message")
		for _, f := range status.Faults {
			table.Append(formatTime(f.Time), f.Code, f.Op, f.Key, truncate(f.Message, 60))
		}
		table.Render()
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
