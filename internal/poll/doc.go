// Package poll provides the readiness notification primitive used by the
// relay engine.
//
// On Linux it wraps a level-triggered epoll instance. Hang-up and error
// conditions are always reported for a registered descriptor, even when its
// interest set is empty; the relay relies on this to learn that a socket it
// half-closed has finished shutting down.
//
// On other platforms New returns an error.
package poll
