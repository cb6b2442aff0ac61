// Command trinityctl is a thin HTTP client for administering a running
// control plane: logging in, inspecting agents and their permission
// graphs, and reaching into the execution queue when something is stuck.
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
	serverURL string
	token     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trinityctl",
		Short: "Administer a control plane deployment over its HTTP API",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TRINITYCTL_SERVER", "http://localhost:8080/api/v1"), "control API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("TRINITYCTL_TOKEN"), "bearer token (defaults to $TRINITYCTL_TOKEN)")

	rootCmd.AddCommand(
		newLoginCmd(),
		newAgentsCmd(),
		newQueueCmd(),
		newScheduleCmd(),
		newPermissionsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a small JSON-over-HTTP helper bound to the configured server
// and bearer token. It carries no retry or backoff logic; trinityctl is an
// operator tool run interactively, not a long-lived service client.
type client struct {
	http *http.Client
}

func newClient() *client {
	return &client{http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) do(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func newLoginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange a username and password for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				AccessToken string    `json:"access_token"`
				ExpiresAt   time.Time `json:"expires_at"`
			}
			if err := newClient().do(http.MethodPost, "/token", map[string]string{
				"username": username,
				"password": password,
			}, &resp); err != nil {
				return err
			}
			fmt.Println(resp.AccessToken)
			fmt.Fprintf(os.Stderr, "expires %s\n", resp.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agents", Short: "Inspect agents"}

	var all bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List agents visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/agents"
			if all {
				path += "?all=true"
			}
			var resp struct {
				Agents []map[string]interface{} `json:"agents"`
			}
			if err := newClient().do(http.MethodGet, path, nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tOWNER\tAUTONOMY\tREAD-ONLY")
			for _, a := range resp.Agents {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", a["Name"], a["OwnerUsername"], a["AutonomyEnabled"], a["ReadOnlyMode"])
			}
			return w.Flush()
		},
	}
	listCmd.Flags().BoolVar(&all, "all", false, "list every agent (admin only)")

	getCmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var agent map[string]interface{}
			if err := newClient().do(http.MethodGet, "/agents/"+args[0], nil, &agent); err != nil {
				return err
			}
			return printJSON(agent)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Tear down an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodDelete, "/agents/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(listCmd, getCmd, deleteCmd)
	return cmd
}

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect and repair an agent's execution queue"}

	statusCmd := &cobra.Command{
		Use:   "status <agent>",
		Short: "Show an agent's queue depth and current execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]interface{}
			if err := newClient().do(http.MethodGet, "/agents/"+args[0]+"/queue", nil, &status); err != nil {
				return err
			}
			return printJSON(status)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <agent>",
		Short: "Drop every queued (not running) execution for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodPost, "/agents/"+args[0]+"/queue/clear", nil, nil)
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release <agent>",
		Short: "Force-release a stuck busy slot so the next queued execution can run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodPost, "/agents/"+args[0]+"/queue/release", nil, nil)
		},
	}

	cmd.AddCommand(statusCmd, clearCmd, releaseCmd)
	return cmd
}

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage cron schedules"}

	var name, cronExpr, message, timezone string
	createCmd := &cobra.Command{
		Use:   "create <agent>",
		Short: "Create a cron schedule on an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched map[string]interface{}
			body := map[string]string{
				"name":            name,
				"cron_expression": cronExpr,
				"message":         message,
				"timezone":        timezone,
			}
			if err := newClient().do(http.MethodPost, "/agents/"+args[0]+"/schedules", body, &sched); err != nil {
				return err
			}
			return printJSON(sched)
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "schedule name")
	createCmd.Flags().StringVar(&cronExpr, "cron", "", "five-field cron expression")
	createCmd.Flags().StringVar(&message, "message", "", "message dispatched to the agent when the schedule fires")
	createCmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone the cron expression is evaluated in")
	createCmd.MarkFlagRequired("cron")
	createCmd.MarkFlagRequired("message")

	listCmd := &cobra.Command{
		Use:   "list <agent>",
		Short: "List an agent's schedules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Schedules []map[string]interface{} `json:"schedules"`
			}
			if err := newClient().do(http.MethodGet, "/agents/"+args[0]+"/schedules", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCRON\tENABLED\tNEXT RUN")
			for _, s := range resp.Schedules {
				fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", s["ID"], s["Name"], s["CronExpression"], s["Enabled"], s["NextRunAt"])
			}
			return w.Flush()
		},
	}

	var enabled bool
	enableCmd := &cobra.Command{
		Use:   "set-enabled <id>",
		Short: "Enable or disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodPut, "/schedules/"+args[0]+"/enabled", map[string]bool{"enabled": enabled}, nil)
		},
	}
	enableCmd.Flags().BoolVar(&enabled, "enabled", true, "desired enabled state")

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodDelete, "/schedules/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(createCmd, listCmd, enableCmd, deleteCmd)
	return cmd
}

func newPermissionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "permissions", Short: "Inspect and edit the agent dispatch permission graph"}

	reachableCmd := &cobra.Command{
		Use:   "reachable <agent>",
		Short: "List agents <agent> is allowed to dispatch to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Reachable []string `json:"reachable"`
			}
			if err := newClient().do(http.MethodGet, "/agents/"+args[0]+"/permissions/reachable", nil, &resp); err != nil {
				return err
			}
			for _, t := range resp.Reachable {
				fmt.Println(t)
			}
			return nil
		},
	}

	inboundCmd := &cobra.Command{
		Use:   "inbound <agent>",
		Short: "List agents allowed to dispatch to <agent>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Inbound []string `json:"inbound"`
			}
			if err := newClient().do(http.MethodGet, "/agents/"+args[0]+"/permissions/inbound", nil, &resp); err != nil {
				return err
			}
			for _, s := range resp.Inbound {
				fmt.Println(s)
			}
			return nil
		},
	}

	grantCmd := &cobra.Command{
		Use:   "grant <agent> <target>",
		Short: "Allow <agent> to dispatch to <target>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodPost, "/agents/"+args[0]+"/permissions", map[string]string{"target_agent": args[1]}, nil)
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <agent> <target>",
		Short: "Revoke <agent>'s permission to dispatch to <target>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().do(http.MethodDelete, "/agents/"+args[0]+"/permissions/"+args[1], nil, nil)
		},
	}

	cmd.AddCommand(reachableCmd, inboundCmd, grantCmd, revokeCmd)
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
