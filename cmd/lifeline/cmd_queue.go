package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lifeline/internal/queue"
)

var (
	submitMethod  string
	submitData    string
	submitHeaders []string
)

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Send a request now, or queue it for later",
	Long: `Sends the request immediately when the network is reachable. If the
transport fails the request is queued and replayed by "flush" or "watch".

Example:
  lifeline submit https://api.example.com/notes --method POST --data '{"text":"hi"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay every queued request once",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued requests",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every queued request",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

var dropCmd = &cobra.Command{
	Use:   "drop <id>",
	Short: "Drop one queued request",
	Args:  cobra.ExactArgs(1),
	RunE:  runDrop,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Flush now and again whenever connectivity returns",
	Long: `Hydrates credentials, flushes the queue, then polls the probe URL and
flushes on every offline to online transition until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	submitCmd.Flags().StringVarP(&submitMethod, "method", "X", "POST", "HTTP method")
	submitCmd.Flags().StringVarP(&submitData, "data", "d", "", "Request body")
	submitCmd.Flags().StringArrayVarP(&submitHeaders, "header", "H", nil, "Header as key=value (repeatable)")
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q, want key=value", h)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders(submitHeaders)
	if err != nil {
		return err
	}
	opts := queue.RequestOptions{
		Method:  strings.ToUpper(submitMethod),
		Headers: headers,
		Body:    submitData,
	}

	return withApp(func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		resp, err := a.queue.Submit(ctx, args[0], opts)
		if errors.Is(err, queue.ErrDeferred) {
			logger.Info("request deferred", zap.String("url", args[0]), zap.Error(err))
			fmt.Fprintf(out, "Queued: %v\n", err)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, strings.TrimSpace(string(resp.Body)))
		if !resp.OK() {
			return fmt.Errorf("request rejected with status %d", resp.StatusCode)
		}
		return nil
	})
}

func printFlush(cmd *cobra.Command, r queue.FlushResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d of %d, %d still pending\n", r.Replayed, r.Attempted, r.Kept)
	if r.CredentialsRefreshed {
		fmt.Fprintln(cmd.OutOrStdout(), "Credentials refreshed from a replayed response.")
	}
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		result := a.queue.Flush(ctx)
		logger.Info("flush complete",
			zap.Int("attempted", result.Attempted),
			zap.Int("replayed", result.Replayed),
			zap.Int("kept", result.Kept))
		printFlush(cmd, result)
		return nil
	})
}

func runPending(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		pending := a.queue.Pending(ctx)
		if len(pending) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pending requests.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tURL")
		for _, p := range pending {
			method := p.Options.Method
			if method == "" {
				method = "GET"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, method, p.URL)
		}
		return w.Flush()
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		n := a.queue.Purge(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d pending requests.\n", n)
		return nil
	})
}

func runDrop(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		if !a.queue.Remove(ctx, args[0]) {
			return fmt.Errorf("no pending request with id %s", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped %s\n", args[0])
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.monitor.Start(ctx)
	printFlush(cmd, a.queue.Init(ctx))
	logger.Info("watching connectivity",
		zap.String("probe", a.cfg.Queue.ProbeURL),
		zap.Duration("interval", a.cfg.GetProbeInterval()))

	<-ctx.Done()
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped.")
	return nil
}
