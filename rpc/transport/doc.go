// Package transport provides the framed byte channel the replication stream
// runs over. A Channel wraps one established network connection and moves
// whole messages: a 4-byte big-endian length prefix followed by the
// serialized message body.
//
// Read operations block with a configurable timeout and surface the
// distinguished ErrChannelTimeout on expiry; on a replication channel the
// absence of any traffic (including heartbeats) for the timeout window is
// treated by callers as a connection failure requiring a full reconnect.
//
// The two directions of a Channel are independent: the read loop owns the
// inbound side while a dedicated output-writer goroutine owns the outbound
// side, so a slow network write never stalls message consumption.
package transport
