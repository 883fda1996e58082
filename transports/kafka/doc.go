// Package kafka implements messaging.ChannelFactory over Kafka.
//
// Performers of a connection share one consumer group on the topic named by
// the connection's channel name. Offsets are committed explicitly when a
// message is settled. Requeue writes a copy of the message back to the topic
// with the incremented handled count header and commits the original.
package kafka
