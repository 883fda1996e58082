// Package messaging is the consuming side of mmate-dispatch.
//
// A Connection names a broker channel and the request type its messages
// translate into. The Dispatcher turns each connection into one or more
// consumers; every consumer is a Performer running a MessagePump (or an
// AsyncMessagePump) on its own goroutine:
//
//	receive -> translate -> Send/Publish -> acknowledge | requeue | reject
//
// Messages on one channel are processed strictly in order. A handler asks
// for a retry by returning contracts.DeferMessage; the pump requeues until the
// connection's RequeueCount is exceeded and then drops the message. Messages
// that cannot be translated are acknowledged and counted, and the pump stops
// once UnacceptableMessageLimit is reached. Transport failures never stop a
// pump: it backs off and receives again.
//
// Example usage:
//
//	conn, err := messaging.NewConnection("orders",
//		messaging.WithRequestType("PlaceOrder"),
//		messaging.WithPerformers(2),
//		messaging.WithRequeueCount(3),
//	)
//	if err != nil {
//		return err
//	}
//
//	dispatcher, err := messaging.NewDispatcher(factory, registry, processor,
//		[]messaging.Connection{conn})
//	if err != nil {
//		return err
//	}
//	if err := dispatcher.Receive(ctx); err != nil {
//		return err
//	}
//	defer dispatcher.End(context.Background())
package messaging
