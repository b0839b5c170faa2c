package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nkkko/storepulse/pkg/client"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// buildTailCmd creates the "tail" command that prints streamed events
func buildTailCmd() *cobra.Command {
	var (
		baseURL    string
		token      string
		transports []string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream events visible to a token and print them as JSON lines",
		Example: `  storepulse tail --url http://localhost:8080 --token $TOKEN
  storepulse tail --token $TOKEN --transport polling`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}

			opts := []client.Option{
				client.WithLogger(log.Logger),
				client.WithMaxRetries(maxRetries),
			}
			if len(transports) > 0 {
				ts := make([]client.Transport, 0, len(transports))
				for _, t := range transports {
					ts = append(ts, client.Transport(t))
				}
				opts = append(opts, client.WithTransports(ts...))
			}

			c, err := client.New(baseURL, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runTail(ctx, c, token, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	cmd.Flags().StringSliceVar(&transports, "transport", nil, "Transports to try in order (websocket, polling)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Reconnection attempts after a failure")

	return cmd
}

// tailLine is one printed event
type tailLine struct {
	ID      string          `json:"id"`
	Kind    proto.EventKind `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// runTail prints events until ctx is done or the client gives up
func runTail(ctx context.Context, c *client.Client, token string, out io.Writer) error {
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	for _, kind := range proto.AllKinds() {
		c.On(kind, func(ev *proto.Event) {
			mu.Lock()
			defer mu.Unlock()
			_ = enc.Encode(tailLine{ID: ev.Id, Kind: ev.Kind, Payload: ev.Payload})
		})
	}
	c.OnLifecycle(func(ev client.LifecycleEvent) {
		entry := log.Info()
		if ev.Err != nil {
			entry = log.Warn().Err(ev.Err)
		}
		entry.Str("transport", string(ev.Transport)).
			Str("connection_id", ev.ConnectionID).
			Str("role", string(ev.Role)).
			Msg(string(ev.Kind))
	})

	if err := c.Connect(ctx, token); err != nil {
		c.Disconnect()
		return err
	}
	defer c.Disconnect()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.State() == client.StateIdle {
				return client.ErrRetriesExhausted
			}
		}
	}
}
