// Package memory is an in-process transport. Queues live in a Bus; channels
// created by the ChannelFactory read them with the same semantics a broker
// channel has: acknowledge, reject and delayed requeue.
package memory
