// Package dialer opens the relay's server-side connections.
//
// The proxy-as-client socket is bound to an interface address before it
// connects, and the bound endpoint is announced to the caller while the
// socket is still unconnected. That ordering lets the connection authority
// learn the relay's source port before the server's first reply arrives.
package dialer
