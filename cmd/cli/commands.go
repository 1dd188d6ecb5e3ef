package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	base string
	key  string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.base, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error != "" {
			return fmt.Errorf("API returned %s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("API returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 15 * time.Second}}

	root := &cobra.Command{
		Use:           "sitewatch",
		Short:         "Subscribe to availability alerts for a URL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.base, "api", envOr("API_BASE", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&c.key, "key", os.Getenv("API_KEY"), "API key")

	root.AddCommand(newAddCmd(c), newRemoveCmd(c), newStatusCmd(c))
	return root
}

func newAddCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "add [url] [email]",
		Short: "Start monitoring a URL and mail alerts to email",
		Long: `Register a subscriber for a URL. Missing arguments are prompted for.

Examples:
  sitewatch add example.com me@example.com
  sitewatch add`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())
			rawURL := argOrPrompt(cmd, in, args, 0, "Enter a site URL to monitor (e.g., https://example.com): ")
			email := argOrPrompt(cmd, in, args, 1, "Enter the email to notify: ")

			var out struct {
				ID string `json:"id"`
			}
			if err := c.do(cmd.Context(), http.MethodPost, "/api/jobs", map[string]string{"url": rawURL, "email": email}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added! Job id: %s\n", out.ID)
			return nil
		},
	}
}

func newRemoveCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id> <email>",
		Short: "Stop sending alerts for a job to email",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/jobs/" + url.PathEscape(args[0]) + "/subscribers/" + url.PathEscape(args[1])
			if err := c.do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Removed.")
			return nil
		},
	}
}

func newStatusCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the current status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep struct {
				URL     string `json:"url"`
				Status  string `json:"status"`
				Minutes int    `json:"minutes"`
			}
			if err := c.do(cmd.Context(), http.MethodGet, "/api/jobs/"+url.PathEscape(args[0])+"/status", nil, &rep); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "{url : %s, Status : %s, Since : %d minutes}\n", rep.URL, rep.Status, rep.Minutes)
			return nil
		},
	}
}

func argOrPrompt(cmd *cobra.Command, in *bufio.Reader, args []string, i int, prompt string) string {
	if len(args) > i {
		return strings.TrimSpace(args[i])
	}
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
