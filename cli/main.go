package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiURL  string
	Version = "dev"
)

type engineStatus struct {
	DeviceID   string `json:"device_id"`
	Escalation struct {
		ConsecutiveIncidents int       `json:"consecutive_incidents"`
		LastSeverity         string    `json:"last_severity"`
		LastAction           string    `json:"last_action"`
		LastUpdated          time.Time `json:"last_updated"`
	} `json:"escalation"`
	Lock           *lockRecord `json:"lock,omitempty"`
	PendingAlerts  int         `json:"pending_alerts"`
	Online         bool        `json:"online"`
	Decommissioned bool        `json:"decommissioned"`
}

type lockRecord struct {
	LockID        string     `json:"lock_id"`
	LockType      string     `json:"lock_type"`
	Reason        string     `json:"reason"`
	DisplayReason string     `json:"display_reason"`
	Message       string     `json:"message"`
	Status        string     `json:"status"`
	MaxAttempts   int        `json:"max_attempts"`
	AttemptsUsed  int        `json:"attempts_used"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type protectionState struct {
	AppInstalled         bool     `json:"app_installed"`
	DeviceOwnerEnabled   bool     `json:"device_owner_enabled"`
	UninstallBlocked     bool     `json:"uninstall_blocked"`
	ForceStopBlocked     bool     `json:"force_stop_blocked"`
	StatusIntegrityValid bool     `json:"status_integrity_valid"`
	Healthy              bool     `json:"healthy"`
	Issues               []string `json:"issues,omitempty"`
}

type auditEntry struct {
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sentinelctl",
		Short: "Sentinel - device trust and lock enforcement agent control",
		Long:  "Inspect and operate the local Sentinel verification agent",
	}

	rootCmd.PersistentFlags().StringVarP(&apiURL, "api", "a", "http://127.0.0.1:7676", "Agent local API URL")

	rootCmd.AddCommand(
		statusCmd(),
		lockCmd(),
		unlockCmd(),
		protectionCmd(),
		auditCmd(),
		syncCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent's verification and lock status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status engineStatus
			if err := apiGet("/v1/status", &status); err != nil {
				return err
			}

			fmt.Printf("Device: %s\n", status.DeviceID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Online:                %v\n", status.Online)
			fmt.Printf("Decommissioned:        %v\n", status.Decommissioned)
			fmt.Printf("Pending Alerts:        %d\n", status.PendingAlerts)
			fmt.Printf("Consecutive Incidents: %d\n", status.Escalation.ConsecutiveIncidents)
			fmt.Printf("Last Severity:         %s\n", status.Escalation.LastSeverity)
			fmt.Printf("Last Action:           %s\n", status.Escalation.LastAction)
			if !status.Escalation.LastUpdated.IsZero() {
				fmt.Printf("Last Updated:          %s (%s ago)\n",
					status.Escalation.LastUpdated.Format(time.RFC3339),
					time.Since(status.Escalation.LastUpdated).Round(time.Second))
			}
			if status.Lock != nil {
				fmt.Printf("\nLock:                  %s (%s)\n", status.Lock.LockType, status.Lock.Reason)
				fmt.Printf("Lock Status:           %s\n", status.Lock.Status)
			} else {
				fmt.Printf("\nLock:                  none\n")
			}
			return nil
		},
	}
}

func lockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the effective lock record",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec lockRecord
			if err := apiGet("/v1/lock", &rec); err != nil {
				return err
			}

			fmt.Printf("Lock: %s\n", rec.LockID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Type:       %s\n", rec.LockType)
			fmt.Printf("Reason:     %s\n", rec.Reason)
			if rec.DisplayReason != "" && rec.DisplayReason != rec.Reason {
				fmt.Printf("Shown As:   %s\n", rec.DisplayReason)
			}
			fmt.Printf("Message:    %s\n", rec.Message)
			fmt.Printf("Status:     %s\n", rec.Status)
			fmt.Printf("Attempts:   %d/%d used\n", rec.AttemptsUsed, rec.MaxAttempts)
			if rec.ExpiresAt != nil {
				fmt.Printf("Expires:    %s\n", rec.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("Created:    %s\n", rec.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock [pin]",
		Short: "Attempt a PIN unlock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Unlocked          bool `json:"unlocked"`
				RemainingAttempts int  `json:"remaining_attempts"`
			}
			if err := apiPost("/v1/lock/unlock", map[string]string{"pin": args[0]}, &result); err != nil {
				return err
			}
			if result.Unlocked {
				fmt.Println("Device unlocked")
			} else {
				fmt.Printf("Wrong PIN; %d attempts remaining\n", result.RemainingAttempts)
			}
			return nil
		},
	}
}

func protectionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protection",
		Short: "Run the protection self-check",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state protectionState
			if err := apiGet("/v1/protection", &state); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CHECK\tSTATE")
			fmt.Fprintln(w, "-----\t-----")
			fmt.Fprintf(w, "app installed\t%s\n", mark(state.AppInstalled))
			fmt.Fprintf(w, "device owner\t%s\n", mark(state.DeviceOwnerEnabled))
			fmt.Fprintf(w, "uninstall blocked\t%s\n", mark(state.UninstallBlocked))
			fmt.Fprintf(w, "force-stop blocked\t%s\n", mark(state.ForceStopBlocked))
			fmt.Fprintf(w, "status integrity\t%s\n", mark(state.StatusIntegrityValid))
			w.Flush()

			if len(state.Issues) > 0 {
				fmt.Printf("\nIssues:\n")
				for _, issue := range state.Issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Entries []auditEntry `json:"entries"`
			}
			if err := apiGet(fmt.Sprintf("/v1/audit?limit=%d", limit), &out); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tSEVERITY\tMESSAGE")
			fmt.Fprintln(w, "----\t----\t--------\t-------")
			for _, e := range out.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"), e.Kind, e.Severity, e.Message)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Report connectivity restored and drain queued alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Delivered int `json:"delivered"`
			}
			if err := apiPost("/v1/connectivity", nil, &out); err != nil {
				return err
			}
			fmt.Printf("Delivered %d queued alerts\n", out.Delivered)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sentinelctl version %s\n", Version)
		},
	}
}

func mark(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func apiGet(path string, out any) error {
	resp, err := http.Get(apiURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func apiPost(path string, payload any, out any) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	resp, err := http.Post(apiURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
