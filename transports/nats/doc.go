// Package nats implements messaging.ChannelFactory over core NATS.
//
// Performers of a connection join one queue group on the subject named by
// the connection's channel name, so NATS spreads messages across them. Core
// NATS has no acknowledgements: Acknowledge and Reject only settle the
// message locally, and Requeue publishes a copy carrying the Handled-Count
// header once the delay has passed.
package nats
