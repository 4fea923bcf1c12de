package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pulsechat/chatsync"
)

var (
	watchSSE         bool
	watchWorkspace   string
	watchMetricsAddr string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchSSE, "sse", false, "receive over server-sent events instead of WebSocket")
	watchCmd.Flags().StringVar(&watchWorkspace, "workspace", "", "workspace ID for sent lines (defaults to default.workspace_id)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

// realtimeConn is the connection half shared by both real-time clients.
type realtimeConn interface {
	chatsync.RealtimeSource
	Connect(ctx context.Context) error
	Disconnect() error
	OnReconnecting(h func(attempt int, delay time.Duration))
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel-id>",
	Short: "Follow a channel live; lines typed on stdin are sent to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireConfig()
		channelID := args[0]
		workspace := valueOrDefault(watchWorkspace, cfg.Default.WorkspaceID)
		log := newLogger()
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			go serveMetrics(ctx, watchMetricsAddr, reg, log)
		}

		var typing *chatsync.TypingTracker
		typing = chatsync.NewTypingTracker(chatsync.WithTypingChange(func() {
			if line := typingLine(typing.ChannelTypingUsers(channelID)); line != "" {
				fmt.Fprintln(os.Stderr, line)
			}
		}))

		client := newClient(cfg)
		rtCfg := &chatsync.RealtimeConfig{
			Token:                cfg.Auth.Token,
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               log,
		}
		opts := []chatsync.Option{chatsync.WithMetrics(metrics), chatsync.WithTypingTracker(typing)}

		var conn realtimeConn
		if watchSSE {
			conn = client.RealtimeSSE(rtCfg)
		} else {
			ws := client.RealtimeWS(rtCfg)
			opts = append(opts, chatsync.WithRealtime(ws))
			conn = ws
		}
		conn.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, reconnecting in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		})

		s := newSyncer(cfg, client, log, opts...)
		defer s.Close()
		s.Bind(conn)
		s.Store().On(chatsync.ScopeChannel, messagePrinter())

		if err := conn.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "realtime unavailable (%v), sending over HTTP\n", err)
		}
		defer conn.Disconnect()

		if err := s.LoadChannel(ctx, channelID); err != nil {
			return cliError(err)
		}
		if workspace == "" {
			fmt.Fprintln(os.Stderr, "No workspace set: input is not sent. Pass --workspace or set default.workspace_id.")
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
				if _, err := s.SendMessage(sendCtx, chatsync.Draft{ChannelID: channelID, Content: line}, workspace); err != nil {
					log.Debug("send failed", zap.Error(err))
				}
				cancel()
			}
		}
	},
}

// messagePrinter prints every cache entry once per visible state, so a
// pending entry and its confirmation both show up.
func messagePrinter() chatsync.Listener {
	var mu sync.Mutex
	seen := make(map[string]bool)
	return func(_ chatsync.Scope, msgs []chatsync.Message) {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		for _, m := range msgs {
			key := fmt.Sprintf("%s/%t/%t/%d", m.ID, m.IsPending, m.IsDeleted, len(m.Reactions))
			if seen[key] {
				continue
			}
			seen[key] = true
			fmt.Printf("%s  %s\n", m.ID, formatMessage(m, now))
		}
	}
}

func typingLine(users []chatsync.TypingIndicator) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, valueOrDefault(u.Username, u.UserID))
	}
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1] + " are typing..."
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics server stopped", zap.Error(err))
	}
}
