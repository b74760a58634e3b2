package app

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/stacklok/mcprepl-proxy/pkg/process"
)

var dashboardHeadingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))

var statusOpen bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the proxy's registered backends",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusOpen, "open", false, "open the dashboard in a browser")
}

type backendRow struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	Port             int    `json:"port"`
	PID              int    `json:"pid"`
	LastHeartbeat    string `json:"last_heartbeat"`
	MissedHeartbeats int    `json:"missed_heartbeats"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return wrapExit(ExitConfigError, err)
	}

	if pid, err := process.ReadPIDFile(port); err != nil || !process.IsRunning(pid) {
		return wrapExit(ExitConfigError, fmt.Errorf("no proxy running on port %d", port))
	}

	dashboardURL := fmt.Sprintf("http://127.0.0.1:%d/dashboard/", port)
	if statusOpen {
		if err := browser.OpenURL(dashboardURL); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to open browser: %v\n", err)
		}
	}

	rows, err := fetchBackendRows(port)
	if err != nil {
		return wrapExit(ExitConfigError, err)
	}

	return renderBackendTable(cmd, rows, dashboardURL)
}

func fetchBackendRows(port int) ([]backendRow, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/dashboard/api/sessions", port))
	if err != nil {
		return nil, fmt.Errorf("querying dashboard: %w", err)
	}
	defer resp.Body.Close()

	var rows []backendRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding dashboard response: %w", err)
	}
	return rows, nil
}

func renderBackendTable(cmd *cobra.Command, rows []backendRow, dashboardURL string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n\n", dashboardHeadingStyle.Render("dashboard:"), dashboardURL)

	if len(rows) == 0 {
		fmt.Fprintln(out, "no backends registered.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Options(tablewriter.WithHeader([]string{"ID", "Status", "Port", "PID", "Last Heartbeat", "Missed"}))

	for _, r := range rows {
		if err := table.Append([]string{
			r.ID, r.Status, fmt.Sprintf("%d", r.Port), fmt.Sprintf("%d", r.PID),
			r.LastHeartbeat, fmt.Sprintf("%d", r.MissedHeartbeats),
		}); err != nil {
			return fmt.Errorf("rendering row: %w", err)
		}
	}
	return table.Render()
}
