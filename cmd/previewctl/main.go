// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// previewctl is the companion CLI for previewd: it uploads artifacts,
// drives service lifecycle commands over the observer websocket, and
// prints the current snapshot.
//
// Grounded on cmd/yeet's cobra root-command wiring, scaled down to the
// handful of subcommands this API surface needs.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/previewrun/previewd/pkg/cmdutil"
)

var (
	apiHost   string
	proxyHost string
	caller    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "previewctl",
		Short: "Command-line client for previewd",
	}
	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "127.0.0.1:3000", "previewd management API host:port")
	rootCmd.PersistentFlags().StringVar(&proxyHost, "proxy-host", "127.0.0.1:3001", "previewd subdomain proxy host:port")
	rootCmd.PersistentFlags().StringVar(&caller, "caller", "previewctl", "anonymous caller name to identify as")

	rootCmd.AddCommand(uploadCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func uploadCmd() *cobra.Command {
	var apiKey string
	cmd := &cobra.Command{
		Use:   "upload <trigger-hash> <build-hash> <path>",
		Short: "Upload a built executable",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, build, path := args[0], args[1], args[2]

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer f.Close()

			url := fmt.Sprintf("http://%s/etes/api/v1/executable/%s/%s", apiHost, trigger, build)
			req, err := http.NewRequest(http.MethodPut, url, bufio.NewReader(f))
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			req.Header.Set("Authorization", "Bearer "+apiKey)

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("do request: %w", err)
			}
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			fmt.Println(string(body))
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("upload failed: %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("PREVIEWD_API_KEY"), "upload bearer token")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <commit-hash>",
		Short: "Start a service for a commit, reusing a running one if present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("http://%s.%s/", args[0], proxyHost)
			resp, err := (&http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}).Get(url)
			if err != nil {
				return fmt.Errorf("request service: %w", err)
			}
			defer resp.Body.Close()
			fmt.Println(resp.Header.Get("Location"))
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				ok, err := cmdutil.Confirm(os.Stdin, os.Stdout, fmt.Sprintf("Stop service %q?", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
			}
			return sendCommand(map[string]any{
				"type": "stop_service",
				"name": args[0],
				"user": caller,
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current initial-state snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/etes/api/v1/data/%s", apiHost, caller))
			if err != nil {
				return fmt.Errorf("fetch snapshot: %w", err)
			}
			defer resp.Body.Close()

			var pretty map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
}

func eventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream live events from the observer websocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("ws://%s/etes/api/v1/ws/%s", apiHost, caller)
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return fmt.Errorf("dial observer stream: %w", err)
			}
			defer conn.Close()

			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("read event: %w", err)
				}
				fmt.Println(string(data))
			}
		},
	}
}

// sendCommand dials the observer stream just long enough to publish one
// client command, matching the only transport client commands travel over.
func sendCommand(payload map[string]any) error {
	url := fmt.Sprintf("ws://%s/etes/api/v1/ws/%s", apiHost, caller)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial observer stream: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
