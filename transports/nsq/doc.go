// Package nsq implements messaging.ChannelFactory over NSQ.
//
// A channel subscribes to the topic named by the connection's channel name
// with manual message responses. Delivered messages wait in a buffer until a
// pump receives them. NSQ counts delivery attempts itself, so the handled
// count of a received message is derived from its attempts.
package nsq
