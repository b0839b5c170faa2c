package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nkkko/storepulse/pkg/client"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/spf13/cobra"
)

// buildPublishCmd creates the "publish" command, the out-of-process emission
// point for collaborators that have just committed a change
func buildPublishCmd() *cobra.Command {
	var (
		baseURL string
		token   string
		kind    string
		target  string
		payload string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:     "publish",
		Short:   "Publish an event through POST /events (admin token)",
		Example: `  storepulse publish --token $ADMIN --kind order_update --target u-7 --payload '{"order_id":42,"status":"shipped"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			req, err := buildPublishRequest(kind, target, payload)
			if err != nil {
				return err
			}

			c, err := client.New(baseURL, client.WithHTTPClient(newHTTPClient(timeout)))
			if err != nil {
				return err
			}

			id, err := c.Publish(cmd.Context(), token, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Server base URL")
	cmd.Flags().StringVar(&token, "token", "", "Admin bearer token")
	cmd.Flags().StringVar(&kind, "kind", "", "Event kind")
	cmd.Flags().StringVar(&target, "target", "", "Target user ID for owner-scoped kinds")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}

// buildPublishRequest validates flags locally so obvious mistakes never reach
// the server
func buildPublishRequest(kind, target, payload string) (*proto.PublishEventRequest, error) {
	if kind == "" {
		return nil, errors.New("--kind is required")
	}
	req := &proto.PublishEventRequest{
		Kind:         proto.EventKind(kind),
		TargetUserId: target,
	}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return nil, errors.New("--payload must be valid JSON")
		}
		req.Payload = json.RawMessage(payload)
	}
	return req, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
