// Package routing implements envelope delivery (spec §4.5): given a
// verified envelope that has already cleared the anti-abuse guard,
// decide its target(s), publish to the durable stream, persist
// mail-producing types to the mailbox, and push to any open socket.
package routing

import "errors"

// ErrUnroutable is returned when an envelope has neither an explicit
// recipient nor a discovery query (spec §4.5 "Otherwise → 400
// UNROUTABLE").
var ErrUnroutable = errors.New("routing: envelope has no recipient and no discovery query")

// Result is the routing pipeline's response shape (spec §4.5 step 4,
// spec §6 "Response: 200 {status, agent_count}").
type Result struct {
	Status     string `json:"status"`
	AgentCount int    `json:"agent_count"`
}
