// Package redis implements messaging.ChannelFactory over Redis lists.
//
// Each queue uses three keys under a common prefix:
//
//	{prefix}{queue}             ready list, consumed from the left
//	{prefix}{queue}:processing  messages received but not yet settled
//	{prefix}{queue}:delayed     sorted set of requeued messages scored by due time
//
// Messages are msgpack encoded contracts.Message values. Receive promotes due
// delayed messages onto the ready list, then atomically moves the head of the
// ready list to the processing list. Acknowledge removes it from the
// processing list, Reject moves it to {prefix}{queue}:dead.
package redis
