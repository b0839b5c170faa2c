package models

import (
	"encoding/json"

	"github.com/nkkko/storepulse/internal/api/errors"
	"github.com/nkkko/storepulse/internal/api/validation"
	"github.com/nkkko/storepulse/pkg/proto"
)

const (
	maxTargetUserIDLength = 256
	maxPayloadSize        = 64 << 10
)

// PublishEventRequest is the request to publish an event
type PublishEventRequest struct {
	Kind         proto.EventKind `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
}

// Validate validates the request. Visibility rules are enforced by the
// broadcaster.
func (r *PublishEventRequest) Validate() error {
	if err := validation.Required("kind", string(r.Kind)); err != nil {
		return err
	}

	if err := validation.MaxLength("target_user_id", r.TargetUserID, maxTargetUserIDLength); err != nil {
		return err
	}

	if len(r.Payload) > maxPayloadSize {
		return errors.ValidationError("payload_too_large", "Payload must be at most 64KiB")
	}

	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.ValidationError("invalid_payload", "Payload must be valid JSON")
	}

	return nil
}

// ToProto converts the request to an event
func (r *PublishEventRequest) ToProto() *proto.Event {
	return &proto.Event{
		Kind:         r.Kind,
		Payload:      r.Payload,
		TargetUserId: r.TargetUserID,
	}
}

// OpenPollRequest is the request to open a long-polling session. The token
// travels in the body so it never shows up in access logs.
type OpenPollRequest struct {
	Token string `json:"token"`
}

// Validate validates the request. A missing token is reported by the
// broadcaster as an authentication failure.
func (r *OpenPollRequest) Validate() error {
	return nil
}
