// Package session tracks the lifecycle of each real-time connection:
// Connected on upgrade, Identified once it announces a username, Closed when
// the transport goes away. Closed is terminal and is reached exactly once.
// Session state can be mirrored to Redis for operational visibility.
package session
