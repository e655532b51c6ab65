package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base: serverURL,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+"/api/v1"+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type sessionInfo struct {
	SessionID    string `json:"session_id"`
	Owner        string `json:"owner"`
	Bucket       string `json:"bucket"`
	SyncMode     string `json:"sync_mode"`
	Status       string `json:"status"`
	LastActiveAt string `json:"last_active_at"`
}

func newListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/sessions"
			if owner != "" {
				path += "?owner=" + owner
			}
			var resp struct {
				Sessions []sessionInfo `json:"sessions"`
			}
			if err := newAPIClient().do("GET", path, nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tOWNER\tSTATUS\tBUCKET\tLAST ACTIVE")
			for _, s := range resp.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.SessionID, s.Owner, s.Status, s.Bucket, s.LastActiveAt)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owner")
	return cmd
}

func newCreateCmd() *cobra.Command {
	var owner, profile, syncMode string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner is required")
			}
			body := map[string]string{
				"owner":     owner,
				"profile":   profile,
				"sync_mode": syncMode,
			}
			var created sessionInfo
			if err := newAPIClient().do("POST", "/sessions", body, &created); err != nil {
				return err
			}
			fmt.Printf("Session %s created (bucket %s)\n", created.SessionID, created.Bucket)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "session owner")
	cmd.Flags().StringVar(&profile, "profile", "", "instance profile")
	cmd.Flags().StringVar(&syncMode, "sync-mode", "full", "workspace sync mode (full, metadata, none)")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <session>",
		Short: "Start a session's instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Result string `json:"result"`
			}
			if err := newAPIClient().do("POST", "/sessions/"+args[0]+"/start", nil, &resp); err != nil {
				return err
			}
			fmt.Println(resp.Result)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session>",
		Short: "Stop a session's instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do("POST", "/sessions/"+args[0]+"/stop", nil, nil); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <session>",
		Short: "Destroy a session and its instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().do("DELETE", "/sessions/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("destroyed")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session>",
		Short: "Show session status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Status        string `json:"status"`
				InstanceState string `json:"instance_state"`
				Ready         bool   `json:"ready"`
				Sync          *struct {
					Status string `json:"status"`
					Error  string `json:"error"`
				} `json:"sync"`
			}
			if err := newAPIClient().do("GET", "/sessions/"+args[0]+"/status", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("status:   %s\n", resp.Status)
			fmt.Printf("instance: %s\n", resp.InstanceState)
			fmt.Printf("ready:    %v\n", resp.Ready)
			if resp.Sync != nil {
				fmt.Printf("sync:     %s", resp.Sync.Status)
				if resp.Sync.Error != "" {
					fmt.Printf(" (%s)", resp.Sync.Error)
				}
				fmt.Println()
			}
			return nil
		},
	}
}
