package coordinator

import "time"

// client is the coordinator's internal record for one connected client
// (spec.md §3 ClientConnection). The connection surface's Conn is stored
// separately so a reconnect can swap it out without disturbing identity.
type client struct {
	id    string
	conn  Conn
	state ConnState

	joinedAt time.Time

	identity    Identity
	inviteToken string

	pendingSessionToken string
}

func newClient(conn Conn, identity Identity, inviteToken string) *client {
	return &client{
		id:          conn.ID(),
		conn:        conn,
		state:       StateConnected,
		identity:    identity,
		inviteToken: inviteToken,
	}
}
