// Package relay is the readiness-driven core of the relay.
//
// A single goroutine owns every socket. It waits on a poll.Poller, accepts
// client connections, pairs each with a server connection chosen by the
// connection authority, and moves bytes between the two legs of each pair
// without blocking. Client-to-server data passes an inspect.Inspector first.
//
// Closing is two-phase: a shutdown request half-closes one socket and clears
// its interest, and both legs are released together when the poller later
// reports hang-up or error for either of them.
package relay
