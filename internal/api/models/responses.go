package models

import (
	"encoding/json"
	"time"

	"github.com/nkkko/storepulse/pkg/proto"
)

// EventResponse is the response for a journaled event
type EventResponse struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Timestamp    string          `json:"timestamp"`
}

// EventFromProto converts an event to the response
func EventFromProto(event *proto.Event) *EventResponse {
	if event == nil {
		return nil
	}

	var timestamp string
	if event.Ts != nil {
		timestamp = event.Ts.AsTime().Format(time.RFC3339Nano)
	}

	return &EventResponse{
		ID:           event.Id,
		Kind:         string(event.Kind),
		Payload:      event.Payload,
		TargetUserID: event.TargetUserId,
		Timestamp:    timestamp,
	}
}

// EventsFromProto converts a page of events
func EventsFromProto(events []*proto.Event) []*EventResponse {
	out := make([]*EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventFromProto(e))
	}
	return out
}

// PublishedResponse acknowledges a published event
type PublishedResponse struct {
	ID string `json:"id"`
}

// PaginationMeta contains pagination metadata
type PaginationMeta struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"next_cursor,omitempty"`
}
