package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a shared HTTP client for talking to a running foreman server,
// the same connection-reuse posture semspec's debugHTTPClient takes for its
// own server-query commands.
var apiClient = &http.Client{Timeout: 10 * time.Second}

func newProjectCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Control a project's PM orchestrator loop",
	}

	cmd.AddCommand(
		newProjectControlCmd(flags, "start", "Move a project from paused (or finalized design) to active", "/pm/%s/start"),
		newProjectControlCmd(flags, "pause", "Pause a running project's loop", "/pm/%s/pause"),
		newProjectControlCmd(flags, "queue-next", "Force an immediate scheduling pass", "/pm/%s/queue-next"),
		newProjectControlCmd(flags, "finalize", "Move a project out of design once its plan is approved", "/projects/%s/finalize"),
		newProjectControlCmd(flags, "complete", "Mark a project with all phases completed", "/projects/%s/complete"),
		newProjectStatusCmd(flags),
	)
	return cmd
}

func newProjectControlCmd(flags *globalFlags, use, short, pathTemplate string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <project_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := flags.serverURL + fmt.Sprintf(pathTemplate, args[0])
			resp, err := apiClient.Post(url, "application/json", nil)
			if err != nil {
				return fmt.Errorf("call %s: %w", use, err)
			}
			defer resp.Body.Close()
			return checkResponse(cmd, resp)
		},
	}
}

func newProjectStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project_id>",
		Short: "Show a project's PM loop status and per-status task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := flags.serverURL + fmt.Sprintf("/pm/%s/status", args[0])
			resp, err := apiClient.Get(url)
			if err != nil {
				return fmt.Errorf("call status: %w", err)
			}
			defer resp.Body.Close()
			if err := checkResponse(cmd, resp); err != nil {
				return err
			}
			var out map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			encoded, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return nil
		},
	}
}

// checkResponse surfaces a non-2xx httpapi response body as a command
// error, since every handler reports failures as a JSON errorBody.
func checkResponse(cmd *cobra.Command, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
}
