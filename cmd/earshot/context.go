package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newContextCmd(g *globals) *cobra.Command {
	var (
		full     bool
		clearAll bool
		question string
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "context",
		Short: "Show or clear the dialogue context of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			base := url.URL{Scheme: "http", Host: cfg.Server.ListenAddr, Path: "/v1/context"}
			if cfg.Server.TLS != nil {
				base.Scheme = "https"
			}
			if addr != "" {
				base.Host = addr
			}
			client := &http.Client{Timeout: 10 * time.Second}

			if clearAll {
				req, err := http.NewRequestWithContext(cmd.Context(), http.MethodDelete, base.String(), nil)
				if err != nil {
					return err
				}
				resp, err := client.Do(req)
				if err != nil {
					return fmt.Errorf("clear context: %w", err)
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusNoContent {
					return fmt.Errorf("clear context: unexpected status %s", resp.Status)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "context cleared")
				return nil
			}

			q := url.Values{}
			if full {
				q.Set("full", "true")
			}
			if question != "" {
				q.Set("q", question)
			}
			base.RawQuery = q.Encode()

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base.String(), nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch context: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch context: unexpected status %s", resp.Status)
			}

			var body struct {
				Context string `json:"context"`
				Turns   int    `json:"turns"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode context: %w", err)
			}
			if body.Context == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "(no context yet)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), body.Context)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d turns retained\n", body.Turns)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "show every retained turn instead of the prompt context")
	cmd.Flags().BoolVar(&clearAll, "clear", false, "drop every turn and the summary")
	cmd.Flags().StringVarP(&question, "question", "q", "", "render the context as it would be sent for this question")
	cmd.Flags().StringVar(&addr, "addr", "", "daemon address (default: server.listen_addr)")
	return cmd
}
