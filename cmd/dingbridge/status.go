package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dingbridge/internal/bridge"
	"dingbridge/internal/config"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running dingbridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(resolveConfigPath())
				if err != nil {
					cfg = config.Defaults()
				}
				addr = cfg.Metrics.Listen
			}
			if addr == "" {
				return fmt.Errorf("metrics.listen is empty; pass --addr")
			}

			st, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				color.New(color.FgRed).Fprintf(cmd.OutOrStdout(), "not running: %v\n", err)
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "status endpoint host:port (default: metrics.listen from config)")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (*bridge.Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var st bridge.Stats
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func printStatus(w io.Writer, st *bridge.Stats) {
	label := color.New(color.FgHiBlack)
	stateColor := color.New(color.FgYellow)
	switch st.State {
	case "connected":
		stateColor = color.New(color.FgGreen, color.Bold)
	case "disconnected":
		stateColor = color.New(color.FgRed, color.Bold)
	}

	label.Fprint(w, "state       ")
	stateColor.Fprintf(w, "%s", st.State)
	fmt.Fprintf(w, " (epoch %d)\n", st.Epoch)
	if st.Session.AuthHalted {
		color.New(color.FgRed).Fprintln(w, "            halted: credentials rejected, update the config to resume")
	}
	if st.Session.LastError != "" {
		label.Fprint(w, "last error  ")
		fmt.Fprintln(w, st.Session.LastError)
	}

	if a := st.LastAlert; a != nil {
		label.Fprint(w, "last alert  ")
		color.New(color.FgRed).Fprintf(w, "%s", a.Reason)
		fmt.Fprintf(w, " at %s: %s\n", a.At.Format(time.DateTime), a.Error)
	}

	label.Fprint(w, "messages    ")
	fmt.Fprintf(w, "%d received, %d processed, %d duplicates\n", st.MessagesReceived, st.MessagesProcessed, st.Duplicates)

	label.Fprint(w, "problems    ")
	problems := fmt.Sprintf("%d errors, %d timeouts", st.Errors, st.Timeouts)
	if st.Errors > 0 || st.Timeouts > 0 {
		color.New(color.FgYellow).Fprintln(w, problems)
	} else {
		fmt.Fprintln(w, problems)
	}

	label.Fprint(w, "queue       ")
	fmt.Fprintf(w, "%d waiting\n", st.QueueDepth)

	label.Fprint(w, "last msg    ")
	if st.LastMessageTime == nil {
		fmt.Fprintln(w, "never")
	} else {
		fmt.Fprintf(w, "%s (%s ago)\n", st.LastMessageTime.Format(time.DateTime), time.Since(*st.LastMessageTime).Round(time.Second))
	}
}
