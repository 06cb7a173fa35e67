package ws

import (
	"parley/internal/models"

	"github.com/c-pro/geche"
)

// Session is one live binding between a connection and a username.
type Session struct {
	Username string
	ConnID   string
}

// Registry tracks which connection an authenticated user owns, and the
// presence status of every known user. Each map is individually
// thread-safe; bind and unbind touch two maps without an outer lock, so a
// reader racing a rebind can briefly see the maps disagree. That skew is
// accepted: delivery is best-effort and teardown resolves ownership with
// a compare before delete.
type Registry struct {
	byConn   geche.Geche[string, string]
	byUser   geche.Geche[string, string]
	presence geche.Geche[string, models.PresenceStatus]
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:   geche.NewMapCache[string, string](),
		byUser:   geche.NewMapCache[string, string](),
		presence: geche.NewMapCache[string, models.PresenceStatus](),
	}
}

// Bind records the connection↔username mapping in both directions. A
// connection re-binding under a new username releases its old username's
// forward mapping first, so the old identity cannot keep resolving to a
// connection that no longer answers for it. If the username was already
// bound to another live connection, that connection's reverse mapping is
// dropped and its identity returned so the caller can close it.
func (r *Registry) Bind(connID, username string) (superseded string, ok bool) {
	if prevUser, err := r.byConn.Get(connID); err == nil && prevUser != username {
		if current, err := r.byUser.Get(prevUser); err == nil && current == connID {
			_ = r.byUser.Del(prevUser)
		}
	}

	prior, err := r.byUser.Get(username)

	r.byUser.Set(username, connID)
	r.byConn.Set(connID, username)

	if err == nil && prior != connID {
		_ = r.byConn.Del(prior)
		return prior, true
	}
	return "", false
}

// Unbind removes the mapping for a connection at teardown. It reports the
// username and true only when the connection still owned the username's
// forward mapping; a connection superseded by a newer login gets false so
// the caller does not flip the user offline under the new session.
func (r *Registry) Unbind(connID string) (string, bool) {
	username, err := r.byConn.Get(connID)
	if err != nil {
		return "", false
	}
	_ = r.byConn.Del(connID)

	current, err := r.byUser.Get(username)
	if err == nil && current == connID {
		_ = r.byUser.Del(username)
		return username, true
	}
	return "", false
}

// Resolve returns the username bound to a connection, if any. It is the
// authorization check for every non-login request.
func (r *Registry) Resolve(connID string) (string, bool) {
	username, err := r.byConn.Get(connID)
	return username, err == nil
}

// ConnFor returns the live connection for a username, used for directed
// delivery.
func (r *Registry) ConnFor(username string) (string, bool) {
	connID, err := r.byUser.Get(username)
	return connID, err == nil
}

// Snapshot returns a point-in-time copy of all live sessions. Broadcasts
// iterate the copy, so connections joining or leaving mid-broadcast cannot
// corrupt the iteration; delivery to a session that has since gone is
// simply dropped.
func (r *Registry) Snapshot() []Session {
	byUser := r.byUser.Snapshot()
	sessions := make([]Session, 0, len(byUser))
	for username, connID := range byUser {
		sessions = append(sessions, Session{Username: username, ConnID: connID})
	}
	return sessions
}

// InitPresence marks every listed username offline unless it already has
// a status. Called once at startup with the full user directory.
func (r *Registry) InitPresence(usernames []string) {
	for _, username := range usernames {
		if _, err := r.presence.Get(username); err != nil {
			r.presence.Set(username, models.PresenceOffline)
		}
	}
}

// SetStatus updates one user's presence entry. Entries are never removed,
// only flipped.
func (r *Registry) SetStatus(username string, status models.PresenceStatus) {
	r.presence.Set(username, status)
}

// PresenceSnapshot returns a copy of the full presence table.
func (r *Registry) PresenceSnapshot() map[string]models.PresenceStatus {
	return r.presence.Snapshot()
}
