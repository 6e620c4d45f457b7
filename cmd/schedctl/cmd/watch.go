package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pitchlens/inference-scheduler/pkg/events"
	tlsutil "github.com/pitchlens/inference-scheduler/pkg/tls"
)

var (
	watchRedis        string
	watchRedisChannel string
	watchJob          string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live node and job updates",
	Long: `Watch connects to the master's live-update websocket and prints every node
and job change. The current state of all nodes and active jobs is printed first.

With --redis the command follows the master's Redis event relay instead,
which does not need API access to the master.`,
	Example: `  schedctl watch
  schedctl watch --job 6f1c2a9e-...
  schedctl watch --redis localhost:6379`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchRedis, "redis", "", "follow the Redis relay at this address instead of the websocket")
	watchCmd.Flags().StringVar(&watchRedisChannel, "redis-channel", events.DefaultRedisOptions().Channel, "Redis relay channel")
	watchCmd.Flags().StringVar(&watchJob, "job", "", "only print updates for this job")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	show := func(e events.Event) {
		if watchJob != "" && e.EntityID != watchJob {
			return
		}
		fmt.Fprintln(out, formatEvent(e))
	}

	if watchRedis != "" {
		opts := events.RedisOptions{Address: watchRedis, Channel: watchRedisChannel}
		relay, err := events.NewRedisRelay(ctx, opts, nil)
		if err != nil {
			return err
		}
		defer relay.Close()
		fmt.Fprintf(out, "Following %s on %s\n", opts.Channel, opts.Address)
		if err := relay.Follow(ctx, show); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	return followWebsocket(ctx, show)
}

func followWebsocket(ctx context.Context, fn events.Handler) error {
	wsURL := GetMasterURL() + "/ws"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	dialer := *websocket.DefaultDialer
	if caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(caFile)
		if err != nil {
			return err
		}
		dialer.TLSClientConfig = tlsConfig
	}
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect to %s: %s", wsURL, resp.Status)
		}
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || err == io.EOF {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		e, err := events.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping malformed update: %v\n", err)
			continue
		}
		fn(e)
	}
}

func formatEvent(e events.Event) string {
	ts := e.Timestamp.Local().Format("15:04:05.000")
	switch {
	case e.Node != nil:
		n := e.Node
		return fmt.Sprintf("%s %-12s node=%s v%d status=%s queue=%d util=%.0f%% job=%s",
			ts, e.Type, n.ID, e.Version, n.Status, n.Performance.QueueLength,
			n.Performance.UtilizationPercent, orDash(n.CurrentJobID))
	case e.Job != nil:
		j := e.Job
		line := fmt.Sprintf("%s %-12s job=%s v%d status=%s progress=%.0f%% node=%s frames=%s",
			ts, e.Type, j.ID, e.Version, j.Status, j.Progress*100, orDash(j.AssignedNodeID), frameCount(*j))
		if len(e.NewFrames) > 0 {
			line += fmt.Sprintf(" +%d", len(e.NewFrames))
		}
		if j.Error != "" {
			line += " error=" + j.Error
		}
		return line
	default:
		return fmt.Sprintf("%s %-12s %s v%d", ts, e.Type, e.EntityID, e.Version)
	}
}
