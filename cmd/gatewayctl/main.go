// Command gatewayctl is a small operator CLI for the collaboration
// gateway's admin control plane: version, statistics, and manage
// (maintenance / wipe-statistics / force-close / reboot).
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	baseURL    string
	adminToken string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "gatewayctl",
		DisableAutoGenTag: true,
		Short:             "Operate a running collaboration gateway",
	}

	root.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "gateway base URL")
	root.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("GATEWAY_ADMIN_TOKEN"), "admin bearer token, sent as ?token=")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newManageCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway's product/model version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getAndPrint(cmd, "/api/v1/version", nil)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-workspace session statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return getAndPrint(cmd, "/api/v1/statistics", nil)
		},
	}
}

// newManageCmd wires spec.md §4.E/§6's four admin operations onto
// `PUT /api/v1/manage?token=…&operation=…`.
func newManageCmd() *cobra.Command {
	var workspaceKey string
	var minutes int

	maintenance := &cobra.Command{
		Use:   "maintenance",
		Short: "Broadcast a maintenance countdown and shut down all workspaces on expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return manage(cmd, url.Values{
				"operation": {"maintenance"},
				"minutes":   {fmt.Sprintf("%d", minutes)},
			})
		},
	}
	maintenance.Flags().IntVar(&minutes, "minutes", 5, "countdown length in minutes")

	wipeStatistics := &cobra.Command{
		Use:   "wipe-statistics",
		Short: "Zero every session's statistics counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return manage(cmd, url.Values{"operation": {"wipe-statistics"}})
		},
	}

	forceClose := &cobra.Command{
		Use:   "force-close",
		Short: "Force-close a workspace (triggers the upgrade path)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return manage(cmd, url.Values{
				"operation":    {"force-close"},
				"workspaceKey": {workspaceKey},
			})
		},
	}
	forceClose.Flags().StringVar(&workspaceKey, "workspace", "", "workspace key to force-close")

	reboot := &cobra.Command{
		Use:   "reboot",
		Short: "Terminate the gateway process after flushing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return manage(cmd, url.Values{"operation": {"reboot"}})
		},
	}

	manageCmd := &cobra.Command{
		Use:   "manage",
		Short: "Administrative operations against the session manager",
	}
	manageCmd.AddCommand(maintenance, wipeStatistics, forceClose, reboot)
	return manageCmd
}

func manage(cmd *cobra.Command, params url.Values) error {
	return putAndPrint(cmd, "/api/v1/manage", params)
}

func getAndPrint(cmd *cobra.Command, path string, params url.Values) error {
	req, err := http.NewRequest(http.MethodGet, buildURL(path, params), nil)
	if err != nil {
		return err
	}
	return doAndPrint(cmd, req)
}

func putAndPrint(cmd *cobra.Command, path string, params url.Values) error {
	req, err := http.NewRequest(http.MethodPut, buildURL(path, params), nil)
	if err != nil {
		return err
	}
	return doAndPrint(cmd, req)
}

// buildURL appends params plus the admin ?token= query parameter spec.md
// requires for both /statistics and /manage.
func buildURL(path string, params url.Values) string {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	if adminToken != "" {
		query.Set("token", adminToken)
	}
	if len(query) == 0 {
		return baseURL + path
	}
	return baseURL + path + "?" + query.Encode()
}

func doAndPrint(cmd *cobra.Command, req *http.Request) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(body))
	}

	out := cmd.OutOrStdout()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, body, "", "  "); err == nil {
			fmt.Fprintln(out, pretty.String())
			return nil
		}
	}
	fmt.Fprintln(out, string(body))
	return nil
}
