// Package policy holds the static table that decides which connections may
// observe each kind of event.
package policy

import (
	"fmt"

	"github.com/nkkko/storepulse/pkg/proto"
)

// Audience describes how a role relates to an event kind
type Audience int

const (
	// Never means the role does not receive the kind
	Never Audience = iota
	// Always means every connection of the role receives the kind
	Always
	// TargetOnly means only connections of the target user receive the kind
	TargetOnly
)

// VisibilityRule is the delivery rule for a single event kind
type VisibilityRule struct {
	Kind proto.EventKind
	// Roles maps each role to its audience for this kind
	Roles map[proto.Role]Audience
	// TargetRequired rejects events of this kind without a target user
	TargetRequired bool
}

var table = map[proto.EventKind]VisibilityRule{
	proto.KindOrderUpdate: {
		Kind:           proto.KindOrderUpdate,
		Roles:          map[proto.Role]Audience{proto.RoleAdmin: Always, proto.RoleUser: TargetOnly},
		TargetRequired: true,
	},
	proto.KindNewOrder: {
		Kind:  proto.KindNewOrder,
		Roles: map[proto.Role]Audience{proto.RoleAdmin: Always, proto.RoleUser: TargetOnly},
	},
	proto.KindInventoryUpdate: {
		Kind:  proto.KindInventoryUpdate,
		Roles: map[proto.Role]Audience{proto.RoleAdmin: Always},
	},
	proto.KindFinancialUpdate: {
		Kind:  proto.KindFinancialUpdate,
		Roles: map[proto.Role]Audience{proto.RoleAdmin: Always},
	},
	proto.KindLowStockAlert: {
		Kind:  proto.KindLowStockAlert,
		Roles: map[proto.Role]Audience{proto.RoleAdmin: Always},
	},
	proto.KindContentUpdate: {
		Kind: proto.KindContentUpdate,
		Roles: map[proto.Role]Audience{
			proto.RoleAdmin:   Always,
			proto.RoleSupport: Always,
			proto.RoleUser:    Always,
		},
	},
	proto.KindChatMessage: {
		Kind: proto.KindChatMessage,
		Roles: map[proto.Role]Audience{
			proto.RoleAdmin:   Always,
			proto.RoleSupport: Always,
			proto.RoleUser:    TargetOnly,
		},
		TargetRequired: true,
	},
	proto.KindChatTyping: {
		Kind: proto.KindChatTyping,
		Roles: map[proto.Role]Audience{
			proto.RoleAdmin:   Always,
			proto.RoleSupport: Always,
			proto.RoleUser:    TargetOnly,
		},
		TargetRequired: true,
	},
}

// ValidationError reports an event the policy refuses to distribute
type ValidationError struct {
	Kind   proto.EventKind
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %q event: %s", e.Kind, e.Reason)
}

// Lookup returns the rule for kind
func Lookup(kind proto.EventKind) (VisibilityRule, bool) {
	rule, ok := table[kind]
	return rule, ok
}

// Validate checks that an event can be distributed under the table
func Validate(e *proto.Event) (VisibilityRule, error) {
	if e == nil {
		return VisibilityRule{}, &ValidationError{Reason: "event is nil"}
	}
	rule, ok := table[e.Kind]
	if !ok {
		return VisibilityRule{}, &ValidationError{Kind: e.Kind, Reason: "unknown kind"}
	}
	if rule.TargetRequired && e.TargetUserId == "" {
		return VisibilityRule{}, &ValidationError{Kind: e.Kind, Reason: "target user is required"}
	}
	return rule, nil
}

// Audience returns how role relates to this rule
func (r VisibilityRule) Audience(role proto.Role) Audience {
	return r.Roles[role]
}

// Allows reports whether a connection owned by userID with role may see an
// event of this kind addressed to target
func (r VisibilityRule) Allows(role proto.Role, userID, target string) bool {
	switch r.Roles[role] {
	case Always:
		return true
	case TargetOnly:
		return target != "" && userID == target
	default:
		return false
	}
}
