// Package router indexes authenticated connections by user and role so the
// broadcaster can resolve the audience of an event without scanning every
// connection.
package router

import (
	"sort"

	"github.com/nkkko/storepulse/internal/policy"
	"github.com/nkkko/storepulse/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Member is the routing view of an authenticated connection
type Member struct {
	ConnID string
	UserID string
	Role   proto.Role
}

// Index maps users and roles to connection IDs.
//
// An Index is not safe for concurrent use. The broadcaster loop is its only
// owner.
type Index struct {
	members map[string]Member
	byUser  map[string]map[string]struct{} // userID -> set of connection IDs
	byRole  map[proto.Role]map[string]struct{}
	logger  zerolog.Logger
}

// NewIndex creates an empty connection index
func NewIndex() *Index {
	return &Index{
		members: make(map[string]Member),
		byUser:  make(map[string]map[string]struct{}),
		byRole:  make(map[proto.Role]map[string]struct{}),
		logger:  log.With().Str("component", "router").Logger(),
	}
}

// Add registers a member, replacing any previous entry for the same connection
func (i *Index) Add(m Member) {
	if _, ok := i.members[m.ConnID]; ok {
		i.Remove(m.ConnID)
	}

	i.members[m.ConnID] = m
	addToSet(i.byUser, m.UserID, m.ConnID)
	addToSet(i.byRole, m.Role, m.ConnID)

	i.logger.Debug().
		Str("connection_id", m.ConnID).
		Str("user_id", m.UserID).
		Str("role", string(m.Role)).
		Msg("Indexed connection")
}

// Remove drops a connection from the index. It reports whether the
// connection was present.
func (i *Index) Remove(connID string) bool {
	m, ok := i.members[connID]
	if !ok {
		return false
	}

	delete(i.members, connID)
	removeFromSet(i.byUser, m.UserID, connID)
	removeFromSet(i.byRole, m.Role, connID)
	return true
}

// Get returns the member registered for connID
func (i *Index) Get(connID string) (Member, bool) {
	m, ok := i.members[connID]
	return m, ok
}

// Len returns the number of indexed connections
func (i *Index) Len() int {
	return len(i.members)
}

// CountByRole returns the number of indexed connections per role
func (i *Index) CountByRole() map[proto.Role]int {
	counts := make(map[proto.Role]int, len(i.byRole))
	for role, set := range i.byRole {
		counts[role] = len(set)
	}
	return counts
}

// ConnectionsForUser returns the connection IDs owned by userID
func (i *Index) ConnectionsForUser(userID string) []string {
	return sortedKeys(i.byUser[userID])
}

// Match returns the connections allowed to observe an event governed by rule
// and addressed to target. Each connection appears at most once even when it
// qualifies both by role and as the target user.
func (i *Index) Match(rule policy.VisibilityRule, target string) []string {
	matched := make(map[string]struct{})

	for role, audience := range rule.Roles {
		switch audience {
		case policy.Always:
			for id := range i.byRole[role] {
				matched[id] = struct{}{}
			}
		case policy.TargetOnly:
			if target == "" {
				continue
			}
			for id := range i.byUser[target] {
				if i.members[id].Role == role {
					matched[id] = struct{}{}
				}
			}
		}
	}

	return sortedKeys(matched)
}

func addToSet[K comparable](sets map[K]map[string]struct{}, key K, id string) {
	set, ok := sets[key]
	if !ok {
		set = make(map[string]struct{})
		sets[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet[K comparable](sets map[K]map[string]struct{}, key K, id string) {
	set, ok := sets[key]
	if !ok {
		return
	}
	delete(set, id)
	// Clean up empty entry
	if len(set) == 0 {
		delete(sets, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
